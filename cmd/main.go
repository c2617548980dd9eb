package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/luoye20230624/ZB/internal/config"
	"github.com/luoye20230624/ZB/internal/database"
	"github.com/luoye20230624/ZB/internal/geo"
	"github.com/luoye20230624/ZB/internal/loader"
	"github.com/luoye20230624/ZB/internal/logging"
	"github.com/luoye20230624/ZB/internal/merge"
	"github.com/luoye20230624/ZB/internal/metrics"
	"github.com/luoye20230624/ZB/internal/probe"
	"github.com/luoye20230624/ZB/internal/query"
	"github.com/luoye20230624/ZB/internal/runner"
	"github.com/luoye20230624/ZB/internal/server"
	"github.com/luoye20230624/ZB/internal/verify"
)

const usage = `用法: zb [run|merge|verify|serve] [参数]

  run     搜索、探测所有地区并合并（默认）
  merge   只合并已有的地区播放列表
  verify  复检 name,url 列表中的地址
  serve   通过 HTTP 发布生成的播放列表
`

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "config.yaml", "配置文件路径")
	envPath := fs.String("env", ".env", "API Key 环境变量文件")
	region := fs.String("region", "", "只处理一个地区，如 广东_电信（run）")
	in := fs.String("in", "", "待复检的 name,url 列表（verify）")
	out := fs.String("out", "", "复检结果输出路径（verify）")
	_ = fs.Parse(args)

	// 1. 读取配置
	if err := config.LoadEnv(*envPath); err != nil {
		log.Fatalf("环境变量加载失败: %v", err)
	}
	cfg, shouldExit, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}
	if shouldExit {
		fmt.Println("程序已退出，请配置好相关文件后重新运行。")
		os.Exit(0)
	}
	logging.SetLevelAndFormat(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		err = runAll(ctx, cfg, *region)
	case "merge":
		err = mergeOnly(ctx, cfg)
	case "verify":
		err = verifyList(ctx, *in, *out)
	case "serve":
		err = serve(ctx, cfg)
	default:
		fs.Usage()
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Println("[!] 已中断")
			os.Exit(130)
		}
		log.Fatalf("[!] %s 失败: %v", cmd, err)
	}
}

func runAll(ctx context.Context, cfg *config.Config, only string) error {
	// 2. 确定要处理的地区
	var regions []loader.RegionKey
	if only != "" {
		key, err := loader.ParseRegionKey(only)
		if err != nil {
			return err
		}
		regions = []loader.RegionKey{key}
	} else {
		keys, err := loader.DiscoverRegions(cfg.Paths.RTPDir)
		if err != nil {
			return fmt.Errorf("读取地区目录 %s 失败: %w", cfg.Paths.RTPDir, err)
		}
		regions = keys
	}
	if len(regions) == 0 {
		return fmt.Errorf("%s 中没有 省份_运营商.txt", cfg.Paths.RTPDir)
	}
	fmt.Printf("[*] 共加载地区: %d 个\n", len(regions))

	// 3. 搜索平台
	searcher, err := buildSearcher(cfg)
	if err != nil {
		return err
	}

	// 4. 探测
	factory, err := probe.NewCaptureFactory(cfg.Probe.Backend, cfg.Probe.FFprobePath, probe.TSOptions{})
	if err != nil {
		return err
	}
	prober := probe.NewProber(factory, probe.Options{
		Window:             cfg.Probe.Window,
		MinFrames:          cfg.Probe.MinFrames,
		FastPath:           cfg.Probe.FastPath,
		StatCheck:          cfg.Probe.StatCheck,
		StatTimeout:        cfg.Probe.StatTimeout,
		ConfidenceChannels: cfg.Probe.ConfidenceChannels,
		Concurrency:        cfg.Probe.Concurrency,
		MaxConcurrency:     cfg.Probe.MaxConcurrency,
		Interval:           cfg.Probe.Interval,
		Load:               probe.SystemLoad,
	})

	// 5. 节点库
	db, err := database.InitDB(cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("数据库初始化失败: %w", err)
	}
	defer db.Close()

	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	p.Searcher = searcher
	p.Prober = prober
	p.DB = db

	if cfg.Geo.ASNDB != "" {
		filter, err := geo.Open(cfg.Geo.ASNDB)
		if err != nil {
			fmt.Printf("[!] ASN 数据库不可用，跳过运营商过滤: %v\n", err)
		} else {
			defer filter.Close()
			p.Geo = filter
		}
	}

	reports, err := p.Run(ctx, regions)
	ok := 0
	for _, r := range reports {
		if r.Err == nil {
			ok++
		}
	}
	fmt.Printf("[*] 地区完成: %d/%d\n", ok, len(regions))
	if err != nil {
		return err
	}

	fmt.Println("[✔] 主流程执行完毕")
	return nil
}

func mergeOnly(ctx context.Context, cfg *config.Config) error {
	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	_, err = p.Merge(ctx)
	return err
}

func verifyList(ctx context.Context, in, out string) error {
	if in == "" || out == "" {
		return errors.New("verify 需要 -in 和 -out")
	}
	res, err := verify.FilterFile(ctx, in, out, verify.Options{})
	if err != nil {
		return err
	}
	fmt.Printf("[✔] 复检完成: checked=%d kept=%d dropped=%d -> %s\n", res.Checked, res.Kept, res.Dropped, out)
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	s := server.NewServer(server.Options{
		ListenAddr:  cfg.Server.Listen,
		OutputTXT:   cfg.Paths.OutputTXT,
		OutputM3U:   cfg.Paths.OutputM3U,
		PlaylistDir: cfg.Paths.PlaylistDir,
	}, metrics.New())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop()
	}
}

// newPipeline 构造合并所需的部分，run 再补齐搜索与探测
func newPipeline(cfg *config.Config) (*runner.Pipeline, error) {
	rules, err := config.LoadRules(cfg.Paths.RulesFile)
	if err != nil {
		return nil, err
	}

	opts := merge.Options{Dedup: cfg.Merge.Dedup, Narrow: true}
	if cfg.Merge.OpenCC {
		conv, err := merge.NewOpenCC(cfg.Merge.OpenCCDir)
		if err != nil {
			return nil, err
		}
		opts.Converter = conv
	}

	return &runner.Pipeline{
		Engine:  merge.NewEngine(rules, opts),
		Metrics: metrics.New(),
		Paths:   cfg.Paths,
		Report:  cfg.Report,
		M3U: merge.M3UOptions{
			EPGURL:          cfg.Merge.M3U.EPGURL,
			LogoBase:        cfg.Merge.M3U.LogoBase,
			UpdateMarkerURL: cfg.Merge.M3U.UpdateMarkerURL,
		},
		ExtraFragments: cfg.Merge.ExtraFragments,
		ReuseWithin:    cfg.Store.ReuseWithin,
		Textfile:       cfg.Metrics.Textfile,
	}, nil
}

// buildSearcher 按配置顺序组合可用的平台，未配置 Key 的平台跳过
func buildSearcher(cfg *config.Config) (query.Searcher, error) {
	opts := query.Options{
		PageSize:     cfg.Search.PageSize,
		MaxPages:     cfg.Search.MaxPages,
		PageInterval: cfg.Search.PageInterval,
		Attempts:     cfg.Retry.Attempts,
		Backoff:      cfg.Retry.Backoff,
		Client:       &http.Client{Timeout: cfg.Search.Timeout},
	}

	var searchers []query.Searcher
	for _, platform := range cfg.Search.Platforms {
		if !cfg.HasSearchKey(platform) {
			fmt.Printf("[*] 未配置%s API Key，跳过%s查询\n", platform, platform)
			continue
		}
		s, err := query.New(platform, apiKey(cfg, platform), opts)
		if err != nil {
			return nil, err
		}
		searchers = append(searchers, s)
	}
	if len(searchers) == 0 {
		return nil, errors.New("未配置任何API Key，无法进行查询")
	}
	if len(searchers) == 1 {
		return searchers[0], nil
	}
	return query.NewMulti(searchers...), nil
}

func apiKey(cfg *config.Config, platform string) string {
	switch strings.ToLower(platform) {
	case "quake":
		return cfg.APIKeys.Quake
	case "fofa":
		return cfg.APIKeys.FOFA
	case "hunter":
		return cfg.APIKeys.Hunter
	}
	return ""
}
