package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luoye20230624/ZB/internal/ctxutil"
	"github.com/luoye20230624/ZB/internal/logging"
	"github.com/luoye20230624/ZB/internal/model"
)

// Options 探测阈值与并发参数
type Options struct {
	Window             time.Duration // 读满 MinFrames 帧的时间窗口
	MinFrames          int
	FastPath           bool // 打开后即报告分辨率则直接判定成功
	StatCheck          bool
	StatTimeout        time.Duration
	ConfidenceChannels int
	Concurrency        int // 0 表示按系统负载自动选择
	MaxConcurrency     int
	Interval           time.Duration // 仅串行模式下生效
	Grace              time.Duration // 超时后等待拉流协程退出的时间
	Client             *http.Client  // /stat 检查使用
	Load               LoadFunc
}

// DefaultOptions 与默认配置一致
func DefaultOptions() Options {
	return Options{
		Window:             6 * time.Second,
		MinFrames:          10,
		FastPath:           true,
		StatTimeout:        3 * time.Second,
		ConfidenceChannels: 1,
		MaxConcurrency:     8,
		Grace:              2 * time.Second,
		Load:               SystemLoad,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Window <= 0 {
		o.Window = d.Window
	}
	if o.MinFrames < 1 {
		o.MinFrames = d.MinFrames
	}
	if o.StatTimeout <= 0 {
		o.StatTimeout = d.StatTimeout
	}
	if o.ConfidenceChannels < 1 {
		o.ConfidenceChannels = d.ConfidenceChannels
	}
	if o.MaxConcurrency < 1 {
		o.MaxConcurrency = d.MaxConcurrency
	}
	if o.Grace <= 0 {
		o.Grace = d.Grace
	}
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	return o
}

// Prober 判断候选中继能否输出可解码的视频
type Prober struct {
	opts    Options
	factory CaptureFactory
	now     func() time.Time
}

func NewProber(factory CaptureFactory, opts Options) *Prober {
	return &Prober{opts: opts.withDefaults(), factory: factory, now: time.Now}
}

// StreamURL 拼接中继转发地址 http://host:port/rtp/addr
func StreamURL(c model.Candidate, addr string) string {
	return fmt.Sprintf("http://%s/rtp/%s", c.Addr(), addr)
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Probe 探测单个组播地址，失败不返回错误
func (p *Prober) Probe(ctx context.Context, c model.Candidate, addr string) bool {
	if p.opts.StatCheck && !p.checkStat(ctx, c) {
		return false
	}
	res := p.probeStream(ctxutil.WithHost(ctx, c.Addr()), StreamURL(c, addr))
	return res.ok
}

// ProbeAll 依次探测最多 ConfidenceChannels 个不同地址，遇到第一个失败即停止
func (p *Prober) ProbeAll(ctx context.Context, c model.Candidate, addrs []string) (model.ValidatedHost, bool) {
	ctx = ctxutil.WithHost(ctx, c.Addr())
	vh := model.ValidatedHost{Candidate: c}

	addrs = distinct(addrs, p.opts.ConfidenceChannels)
	if len(addrs) == 0 {
		return vh, false
	}
	if p.opts.StatCheck && !p.checkStat(ctx, c) {
		return vh, false
	}

	for _, addr := range addrs {
		res := p.probeStream(ctx, StreamURL(c, addr))
		vh.Checks = append(vh.Checks, model.ChannelCheck{Addr: addr, OK: res.ok})
		if !res.ok {
			logging.Debug(ctx, "probe failed", "addr", addr, "reason", res.reason)
			return vh, false
		}
		if vh.Width == 0 {
			vh.Width, vh.Height = res.width, res.height
		}
	}

	vh.ValidatedAt = p.now()
	logging.Debug(ctx, "probe ok", "channels", len(addrs), "width", vh.Width, "height", vh.Height)
	return vh, true
}

// ProbeBatch 有界并发探测，结果按发现顺序返回，只包含通过的主机
func (p *Prober) ProbeBatch(ctx context.Context, candidates []model.Candidate, addrs []string) []model.ValidatedHost {
	workers := p.workers(len(candidates))
	results := make([]*model.ValidatedHost, len(candidates))

	var g errgroup.Group
	g.SetLimit(workers)

	for i, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		if workers == 1 && i > 0 && p.opts.Interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(p.opts.Interval):
			}
			if ctx.Err() != nil {
				break
			}
		}
		i, c := i, c
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if vh, ok := p.ProbeAll(ctx, c, addrs); ok {
				results[i] = &vh
			}
			return nil
		})
	}
	_ = g.Wait()

	validated := make([]model.ValidatedHost, 0, len(candidates))
	for _, r := range results {
		if r != nil {
			validated = append(validated, *r)
		}
	}
	return validated
}

func (p *Prober) workers(n int) int {
	workers := p.opts.Concurrency
	if workers <= 0 {
		workers = RecommendedConcurrency(p.opts.MaxConcurrency, p.opts.Load)
	}
	if n > 0 && workers > n {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

func (p *Prober) checkStat(ctx context.Context, c model.Candidate) bool {
	info, err := CheckStat(ctx, p.opts.Client, c.Host, c.Port, p.opts.StatTimeout)
	if err != nil {
		logging.Debug(ctx, "stat check failed", "host", c.Addr(), "error", err)
		return false
	}
	logging.Debug(ctx, "stat check ok", "host", c.Addr(), "title", info.Title, "software", info.Software)
	return true
}

type streamResult struct {
	ok            bool
	width, height int
	reason        string
}

// probeStream 拉流协程在超时后通过 Release 中断阻塞读取，Release 只执行一次
func (p *Prober) probeStream(ctx context.Context, streamURL string) streamResult {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Window+p.opts.Grace)
	defer cancel()

	capture := &onceCapture{Capture: p.factory(streamURL)}
	defer capture.Release()

	done := make(chan streamResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- streamResult{reason: fmt.Sprintf("capture panic: %v", r)}
			}
		}()
		done <- p.capture(ctx, capture)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		capture.Release()
		select {
		case <-done:
		case <-time.After(p.opts.Grace):
		}
		return streamResult{reason: "timeout"}
	}
}

func (p *Prober) capture(ctx context.Context, c Capture) streamResult {
	windowCtx, cancel := context.WithTimeout(ctx, p.opts.Window)
	defer cancel()

	if err := c.Open(windowCtx); err != nil {
		return streamResult{reason: "open: " + err.Error()}
	}
	w, h := c.Dimensions()
	if p.opts.FastPath && w > 0 && h > 0 {
		return streamResult{ok: true, width: w, height: h}
	}

	for frames := 0; frames < p.opts.MinFrames; frames++ {
		if err := c.ReadFrame(windowCtx); err != nil {
			return streamResult{reason: fmt.Sprintf("read frame %d: %v", frames+1, err)}
		}
	}
	w, h = c.Dimensions()
	return streamResult{ok: true, width: w, height: h}
}

func distinct(addrs []string, limit int) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, limit)
	for _, a := range addrs {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
		if len(out) >= limit {
			break
		}
	}
	return out
}
