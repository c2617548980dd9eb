package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	APIKeys struct {
		FOFA   string `yaml:"fofa"`
		Quake  string `yaml:"quake"`
		Hunter string `yaml:"hunter"`
	} `yaml:"api_keys"`

	Search Search `yaml:"search"`
	Retry  Retry  `yaml:"retry"`
	Probe  Probe  `yaml:"probe"`
	Paths  Paths  `yaml:"paths"`
	Merge  Merge  `yaml:"merge"`
	Store  Store  `yaml:"store"`

	Report Report `yaml:"report"`

	Geo struct {
		ASNDB string `yaml:"asn_db"`
	} `yaml:"geo"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`

	Metrics struct {
		Textfile bool `yaml:"textfile"`
	} `yaml:"metrics"`
}

type Search struct {
	Platforms    []string      `yaml:"platforms"`
	PageSize     int           `yaml:"page_size"`
	MaxPages     int           `yaml:"max_pages"`
	PageInterval time.Duration `yaml:"page_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

type Retry struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

type Probe struct {
	Backend            string        `yaml:"backend"`
	FFprobePath        string        `yaml:"ffprobe_path"`
	Window             time.Duration `yaml:"window"`
	MinFrames          int           `yaml:"min_frames"`
	FastPath           bool          `yaml:"fast_path"`
	StatCheck          bool          `yaml:"stat_check"`
	StatTimeout        time.Duration `yaml:"stat_timeout"`
	ConfidenceChannels int           `yaml:"confidence_channels"`
	Concurrency        int           `yaml:"concurrency"`
	MaxConcurrency     int           `yaml:"max_concurrency"`
	Interval           time.Duration `yaml:"interval"`
}

type Paths struct {
	RTPDir      string `yaml:"rtp_dir"`
	PlaylistDir string `yaml:"playlist_dir"`
	OutputTXT   string `yaml:"output_txt"`
	OutputM3U   string `yaml:"output_m3u"`
	ResultsDir  string `yaml:"results_dir"`
	RulesFile   string `yaml:"rules_file"`
}

type Merge struct {
	OpenCC         bool     `yaml:"opencc"`
	OpenCCDir      string   `yaml:"opencc_dir"`
	Dedup          string   `yaml:"dedup"`
	ExtraFragments []string `yaml:"extra_fragments"`
	M3U            struct {
		EPGURL          string `yaml:"epg_url"`
		LogoBase        string `yaml:"logo_base"`
		UpdateMarkerURL string `yaml:"update_marker_url"`
	} `yaml:"m3u"`
}

type Store struct {
	DSN         string        `yaml:"dsn"`
	ReuseWithin time.Duration `yaml:"reuse_within"`
}

// Report 运行结束后的统计报表，MinHostsPerCIDR 为 -1 时跳过C段分析
type Report struct {
	MinHostsPerCIDR int `yaml:"min_hosts_per_cidr"`
	MinHitsPerIP    int `yaml:"min_hits_per_ip"`
}

// Error 配置项校验错误，Path 为出错字段的 yaml 路径
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return e.Path + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fieldError(path, format string, args ...any) error {
	return &Error{Path: path, Err: fmt.Errorf(format, args...)}
}

// Default 返回填充默认值的配置
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Probe.FastPath = true
	return cfg
}

// LoadConfig loads YAML config from file path
// Returns config, shouldExit, error
func LoadConfig(path string) (*Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, true, fmt.Errorf("读取配置文件失败: %w", err)
		}
		fmt.Printf("配置文件 %s 不存在，正在生成默认配置文件...\n", path)
		if err := os.WriteFile(path, []byte(defaultConfigContent), 0644); err != nil {
			return nil, true, fmt.Errorf("生成默认配置文件失败: %w", err)
		}
		fmt.Printf("默认配置文件已生成: %s\n", path)
		fmt.Println("请在配置文件或 .env 中填入 API Key，并在 rtp 目录放置 省份_运营商.txt 后重新运行程序。")
		return nil, true, nil
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, true, err
	}
	return cfg, false, nil
}

// Parse 在默认配置之上解析配置内容，合并环境变量中的 API Key 并校验
// 文件中显式写出的零值会保留
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv 读取 .env 文件，文件不存在时忽略
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("读取 %s 失败: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("QUAKE_API_KEY"); v != "" {
		c.APIKeys.Quake = v
	}
	if v := os.Getenv("FOFA_API_KEY"); v != "" {
		c.APIKeys.FOFA = v
	}
	if v := os.Getenv("HUNTER_API_KEY"); v != "" {
		c.APIKeys.Hunter = v
	}
}

func (c *Config) applyDefaults() {
	if len(c.Search.Platforms) == 0 {
		c.Search.Platforms = []string{"quake"}
	}
	if c.Search.PageSize == 0 {
		c.Search.PageSize = 50
	}
	if c.Search.MaxPages == 0 {
		c.Search.MaxPages = 20
	}
	if c.Search.PageInterval == 0 {
		c.Search.PageInterval = time.Second
	}
	if c.Search.Timeout == 0 {
		c.Search.Timeout = 15 * time.Second
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.Backoff == 0 {
		c.Retry.Backoff = 5 * time.Second
	}
	if c.Probe.Backend == "" {
		c.Probe.Backend = "ts"
	}
	if c.Probe.FFprobePath == "" {
		c.Probe.FFprobePath = "ffprobe"
	}
	if c.Probe.Window == 0 {
		c.Probe.Window = 6 * time.Second
	}
	if c.Probe.MinFrames == 0 {
		c.Probe.MinFrames = 10
	}
	if c.Probe.StatTimeout == 0 {
		c.Probe.StatTimeout = 3 * time.Second
	}
	if c.Probe.ConfidenceChannels == 0 {
		c.Probe.ConfidenceChannels = 1
	}
	if c.Probe.MaxConcurrency == 0 {
		c.Probe.MaxConcurrency = 8
	}
	if c.Paths.RTPDir == "" {
		c.Paths.RTPDir = "rtp"
	}
	if c.Paths.PlaylistDir == "" {
		c.Paths.PlaylistDir = "playlist"
	}
	if c.Paths.OutputTXT == "" {
		c.Paths.OutputTXT = "iptv_list.txt"
	}
	if c.Paths.OutputM3U == "" {
		c.Paths.OutputM3U = "iptv_list.m3u"
	}
	if c.Paths.ResultsDir == "" {
		c.Paths.ResultsDir = "results"
	}
	if c.Paths.RulesFile == "" {
		c.Paths.RulesFile = "rules.yaml"
	}
	if c.Merge.OpenCCDir == "" {
		c.Merge.OpenCCDir = "opencc"
	}
	if c.Merge.Dedup == "" {
		c.Merge.Dedup = "exact"
	}
	if c.Merge.M3U.EPGURL == "" {
		c.Merge.M3U.EPGURL = "https://live.fanmingming.com/e.xml"
	}
	if c.Merge.M3U.LogoBase == "" {
		c.Merge.M3U.LogoBase = "https://live.fanmingming.com/tv"
	}
	if c.Store.DSN == "" {
		c.Store.DSN = "res.db"
	}
	if c.Report.MinHostsPerCIDR == 0 {
		c.Report.MinHostsPerCIDR = 3
	}
	if c.Report.MinHitsPerIP == 0 {
		c.Report.MinHitsPerIP = 2
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if len(c.Search.Platforms) == 0 {
		return fieldError("search.platforms", "must not be empty")
	}
	for i, p := range c.Search.Platforms {
		switch strings.ToLower(p) {
		case "quake", "fofa", "hunter", "fofaweb":
		default:
			return fieldError(fmt.Sprintf("search.platforms[%d]", i), "unknown platform %q", p)
		}
	}
	if c.Search.PageSize < 1 {
		return fieldError("search.page_size", "must be > 0")
	}
	if c.Search.MaxPages < 1 {
		return fieldError("search.max_pages", "must be > 0")
	}
	if c.Search.PageInterval < 0 {
		return fieldError("search.page_interval", "must not be negative")
	}
	if c.Search.Timeout <= 0 {
		return fieldError("search.timeout", "must be > 0")
	}
	if c.Retry.Attempts < 1 {
		return fieldError("retry.attempts", "must be > 0")
	}
	if c.Retry.Backoff < 0 {
		return fieldError("retry.backoff", "must not be negative")
	}
	switch c.Probe.Backend {
	case "ts", "ffprobe":
	default:
		return fieldError("probe.backend", "unknown backend %q, want ts or ffprobe", c.Probe.Backend)
	}
	if c.Probe.Window <= 0 {
		return fieldError("probe.window", "must be > 0")
	}
	if c.Probe.MinFrames < 1 {
		return fieldError("probe.min_frames", "must be > 0")
	}
	if c.Probe.StatTimeout <= 0 {
		return fieldError("probe.stat_timeout", "must be > 0")
	}
	if c.Probe.ConfidenceChannels < 1 {
		return fieldError("probe.confidence_channels", "must be > 0")
	}
	if c.Probe.Concurrency < 0 {
		return fieldError("probe.concurrency", "must not be negative")
	}
	if c.Probe.MaxConcurrency < 1 {
		return fieldError("probe.max_concurrency", "must be > 0")
	}
	switch c.Merge.Dedup {
	case "exact", "normalized":
	default:
		return fieldError("merge.dedup", "unknown mode %q, want exact or normalized", c.Merge.Dedup)
	}
	if c.Merge.OpenCC {
		if c.Merge.OpenCCDir == "" {
			return fieldError("merge.opencc_dir", "required when merge.opencc is true")
		}
		if info, err := os.Stat(c.Merge.OpenCCDir); err != nil || !info.IsDir() {
			return fieldError("merge.opencc_dir", "gocc dictionary directory %q not found", c.Merge.OpenCCDir)
		}
	}
	if c.Store.ReuseWithin < 0 {
		return fieldError("store.reuse_within", "must not be negative")
	}
	if c.Report.MinHostsPerCIDR < -1 {
		return fieldError("report.min_hosts_per_cidr", "must be >= -1")
	}
	if c.Report.MinHitsPerIP < 0 {
		return fieldError("report.min_hits_per_ip", "must not be negative")
	}
	for path, v := range map[string]string{
		"paths.rtp_dir":      c.Paths.RTPDir,
		"paths.playlist_dir": c.Paths.PlaylistDir,
		"paths.output_txt":   c.Paths.OutputTXT,
		"paths.output_m3u":   c.Paths.OutputM3U,
	} {
		if v == "" {
			return fieldError(path, "must not be empty")
		}
	}
	return nil
}

// HasSearchKey 判断平台是否可用，fofaweb 不需要 Key
func (c *Config) HasSearchKey(platform string) bool {
	switch strings.ToLower(platform) {
	case "quake":
		return c.APIKeys.Quake != ""
	case "fofa":
		return c.APIKeys.FOFA != ""
	case "hunter":
		return c.APIKeys.Hunter != ""
	case "fofaweb":
		return true
	}
	return false
}

const defaultConfigContent = `# config.yaml

# 各空间测绘平台 API Key（留空表示不使用该平台，也可写在 .env：QUAKE_API_KEY / FOFA_API_KEY / HUNTER_API_KEY）
api_keys:
  quake: ""     # Quake API Key
  fofa: ""      # FOFA API Key
  hunter: ""    # Hunter API Key

# 候选节点搜索
search:
  platforms: ["quake"]   # 按顺序查询，可选 quake / fofa / hunter / fofaweb（网页结果，无需 Key）
  page_size: 50
  max_pages: 20
  page_interval: 1s      # 翻页间隔，防止请求过于频繁
  timeout: 15s

# 单页查询重试
retry:
  attempts: 3
  backoff: 5s

# 节点探测
probe:
  backend: ts            # ts：内置 MPEG-TS 解析；ffprobe：调用外部 ffprobe
  ffprobe_path: ffprobe
  window: 6s             # 单次探测时间窗口
  min_frames: 10         # 时间窗口内至少读取的视频帧数
  fast_path: true        # 打开后立即拿到分辨率即视为成功
  stat_check: false      # 先请求 /stat 状态页，失败则跳过视频探测
  stat_timeout: 3s
  confidence_channels: 1 # 需要连续通过的频道数，大于 1 时启用多频道校验
  concurrency: 0         # 0 表示根据 CPU/内存负载自动选择
  max_concurrency: 8
  interval: 0s           # 串行探测（concurrency: 1）时的间隔

paths:
  rtp_dir: rtp
  playlist_dir: playlist
  output_txt: iptv_list.txt
  output_m3u: iptv_list.m3u
  results_dir: results
  rules_file: rules.yaml

merge:
  opencc: false          # 繁体转简体，开启时必须配置 opencc_dir
  opencc_dir: opencc     # gocc 字典目录，包含 config/t2s.json 与 dictionary/
  dedup: exact           # exact：整行去重；normalized：去除空白后去重
  extra_fragments: []    # 额外合并的播放列表文件
  m3u:
    epg_url: https://live.fanmingming.com/e.xml
    logo_base: https://live.fanmingming.com/tv
    update_marker_url: "" # 非空时在 m3u 开头写入“更新时间”条目

# 有效节点库，postgres:// 开头时使用 PostgreSQL
store:
  dsn: res.db
  reuse_within: 72h      # 复用该时间内验证过的节点，0 表示不复用

# 运行报表（results/<任务ID>/）
report:
  min_hosts_per_cidr: 3  # C段内至少多少个有效节点才输出，-1 跳过C段分析
  min_hits_per_ip: 2     # 累计验证通过次数达到该值的 IP 视为稳定节点

geo:
  asn_db: ""             # GeoLite2-ASN.mmdb 路径，非空时按运营商过滤候选

log:
  level: info
  format: text

server:
  listen: ":8080"

metrics:
  textfile: false
`
