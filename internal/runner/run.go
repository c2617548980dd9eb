package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/luoye20230624/ZB/internal/analysis"
	"github.com/luoye20230624/ZB/internal/config"
	"github.com/luoye20230624/ZB/internal/ctxutil"
	"github.com/luoye20230624/ZB/internal/database"
	"github.com/luoye20230624/ZB/internal/exporter"
	"github.com/luoye20230624/ZB/internal/geo"
	"github.com/luoye20230624/ZB/internal/loader"
	"github.com/luoye20230624/ZB/internal/logging"
	"github.com/luoye20230624/ZB/internal/merge"
	"github.com/luoye20230624/ZB/internal/metrics"
	"github.com/luoye20230624/ZB/internal/model"
	"github.com/luoye20230624/ZB/internal/playlist"
	"github.com/luoye20230624/ZB/internal/query"
	"github.com/luoye20230624/ZB/internal/util"
)

var (
	ErrNoValidatedHost = errors.New("no validated host")
	ErrNoFragments     = errors.New("no playlist fragments to merge")
)

const (
	reasonConfig = "config"
	reasonSearch = "search"
	reasonNoHost = "no_host"
	reasonWrite  = "write"
)

// Prober 探测一批候选，结果按候选顺序返回
type Prober interface {
	ProbeBatch(ctx context.Context, candidates []model.Candidate, addrs []string) []model.ValidatedHost
}

// Pipeline 一次运行的全部依赖，DB、Geo 可为空
type Pipeline struct {
	Searcher query.Searcher
	Prober   Prober
	DB       *database.DB
	Geo      *geo.Filter
	Metrics  *metrics.Metrics
	Engine   *merge.Engine

	Paths          config.Paths
	Report         config.Report
	M3U            merge.M3UOptions
	ExtraFragments []string
	ReuseWithin    time.Duration
	Textfile       bool

	Out io.Writer
	Now func() time.Time
}

func (p *Pipeline) out() io.Writer {
	if p.Out == nil {
		return os.Stdout
	}
	return p.Out
}

func (p *Pipeline) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p *Pipeline) stats() *metrics.Metrics {
	if p.Metrics == nil {
		p.Metrics = metrics.New()
	}
	return p.Metrics
}

// Run 依次处理各地区，随后合并全部片段并输出报表
// 鉴权失败、搜索平台不可用与取消会中止运行，其余地区级错误只体现在状态行
func (p *Pipeline) Run(ctx context.Context, regions []loader.RegionKey) ([]model.RegionReport, error) {
	start := p.now()
	taskID := util.GenerateTaskID()
	ctx = ctxutil.WithRunID(ctx)
	fmt.Fprintf(p.out(), "[*] 任务 %s 开始，共 %d 个地区\n", taskID, len(regions))

	reports := make([]model.RegionReport, 0, len(regions))
	for _, key := range regions {
		if ctx.Err() != nil {
			break
		}
		report := p.RunRegion(ctx, key)
		reports = append(reports, report)
		p.printStatus(report)

		if query.IsAuthError(report.Err) {
			return reports, fmt.Errorf("搜索平台鉴权失败，终止运行: %w", report.Err)
		}
		if query.IsUnavailable(report.Err) {
			return reports, fmt.Errorf("搜索平台不可用，终止运行: %w", report.Err)
		}
	}
	if err := ctx.Err(); err != nil {
		return reports, err
	}

	if _, err := p.Merge(ctx); err != nil {
		return reports, err
	}

	p.stats().RunFinished(start, p.now())
	p.writeReports(ctx, taskID)
	return reports, nil
}

// RunRegion 加载配置、搜索、探测并写出地区片段
func (p *Pipeline) RunRegion(ctx context.Context, key loader.RegionKey) model.RegionReport {
	ctx = ctxutil.WithRegion(ctx, key.Region, key.ISP)
	report := model.RegionReport{Region: key.Region, ISP: key.ISP}
	name := key.Region + key.ISP

	profile, err := loader.LoadRegionProfile(p.Paths.RTPDir, key.Region, key.ISP)
	if err != nil {
		p.stats().IncRegionError(reasonConfig)
		report.Err = err
		return report
	}

	candidates, searchErr := p.Searcher.Search(ctx, key.Region, key.ISP)
	if searchErr != nil {
		p.stats().IncSearchError(p.Searcher.Name())
		if query.IsAuthError(searchErr) || ctx.Err() != nil {
			p.stats().IncRegionError(reasonSearch)
			report.Err = searchErr
			return report
		}
		logging.Error(ctx, searchErr, "search incomplete, probing partial result", "candidates", len(candidates))
	}

	if p.Geo != nil {
		var dropped int
		candidates, dropped = p.Geo.FilterCandidates(ctx, candidates, key.ISP)
		if dropped > 0 {
			logging.Info(ctx, "asn filter dropped candidates", "dropped", dropped, "kept", len(candidates))
		}
	}

	if p.DB != nil {
		p.logKnownCandidates(ctx, key, candidates)
		if err := p.DB.SaveCandidates(key.Region, key.ISP, candidates, p.now()); err != nil {
			logging.Error(ctx, err, "save candidates failed")
		}
	}
	candidates = p.reseed(ctx, key, candidates)

	// 搜索平台全部不可用且库中也没有可复用节点
	if query.IsUnavailable(searchErr) && len(candidates) == 0 {
		p.stats().IncRegionError(reasonSearch)
		report.Err = searchErr
		return report
	}

	report.Candidates = len(candidates)
	p.stats().AddCandidates(name, len(candidates))

	hosts := p.Prober.ProbeBatch(ctx, candidates, probeAddrs(profile))
	report.Validated = len(hosts)
	p.stats().ObserveProbes(name, len(candidates), len(hosts))

	if len(hosts) == 0 {
		p.stats().IncRegionError(reasonNoHost)
		report.Err = ErrNoValidatedHost
		return report
	}

	if p.DB != nil {
		if err := p.DB.SaveValidated(key.Region, key.ISP, hosts); err != nil {
			logging.Error(ctx, err, "save validated hosts failed")
		}
	}

	entries := playlist.Synthesize(profile, hosts)
	path, err := playlist.WriteFragment(p.Paths.PlaylistDir, profile, playlist.Render(profile, entries))
	if err != nil {
		p.stats().IncRegionError(reasonWrite)
		report.Err = err
		return report
	}
	report.OutputPath = path
	return report
}

// reseed 近期验证过的节点排在前面，与搜索结果按 host:port 去重
func (p *Pipeline) reseed(ctx context.Context, key loader.RegionKey, searched []model.Candidate) []model.Candidate {
	if p.DB == nil || p.ReuseWithin <= 0 {
		return searched
	}
	recent, err := p.DB.RecentHosts(key.Region, key.ISP, p.now().Add(-p.ReuseWithin))
	if err != nil {
		logging.Error(ctx, err, "load recent hosts failed")
		return searched
	}
	if len(recent) == 0 {
		return searched
	}

	seen := make(map[string]bool, len(recent)+len(searched))
	out := make([]model.Candidate, 0, len(recent)+len(searched))
	for _, list := range [][]model.Candidate{recent, searched} {
		for _, c := range list {
			if seen[c.Addr()] {
				continue
			}
			seen[c.Addr()] = true
			out = append(out, c)
		}
	}
	logging.Debug(ctx, "reseeded recent hosts", "recent", len(recent), "total", len(out))
	return out
}

// logKnownCandidates 统计本次搜索结果中已验证过与新发现的节点
func (p *Pipeline) logKnownCandidates(ctx context.Context, key loader.RegionKey, candidates []model.Candidate) {
	known, err := p.DB.GetExistingIPs(key.Region, key.ISP)
	if err != nil {
		logging.Error(ctx, err, "load known hosts failed")
		return
	}
	seen := 0
	for _, c := range candidates {
		if known[c.Addr()] {
			seen++
		}
	}
	logging.Info(ctx, "search done", "candidates", len(candidates), "known", seen, "new", len(candidates)-seen)
}

// probeAddrs 参考地址在前，其后是模板中的其它组播地址
func probeAddrs(profile *model.RegionProfile) []string {
	addrs := []string{profile.ReferenceAddr}
	for _, ch := range profile.Template {
		if addr := util.FindRTPAddr(ch.Template); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

func (p *Pipeline) printStatus(r model.RegionReport) {
	name := r.Region + r.ISP
	switch {
	case r.Err == nil:
		fmt.Fprintf(p.out(), "[*] %s: candidates=%d validated=%d -> %s\n", name, r.Candidates, r.Validated, r.OutputPath)
	case errors.Is(r.Err, ErrNoValidatedHost):
		fmt.Fprintf(p.out(), "[!] %s: %v (candidates=%d)\n", name, r.Err, r.Candidates)
	default:
		fmt.Fprintf(p.out(), "[!] %s: %v\n", name, r.Err)
	}
}

// Merge 合并 rtp 目录下所有地区对应的片段以及额外片段，写出 txt 和 m3u
func (p *Pipeline) Merge(ctx context.Context) (*model.FinalArtifact, error) {
	keys, err := loader.DiscoverRegions(p.Paths.RTPDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取地区目录失败: %w", err)
	}

	paths := make([]string, 0, len(keys)+len(p.ExtraFragments))
	for _, k := range keys {
		paths = append(paths, filepath.Join(p.Paths.PlaylistDir, util.FragmentFileName(k.Region, k.ISP)))
	}
	paths = append(paths, p.ExtraFragments...)

	fragments, missing, err := merge.ReadFragments(paths)
	if err != nil {
		return nil, err
	}
	for _, m := range missing {
		logging.Debug(ctx, "fragment missing, skipped", "path", m)
	}
	if len(fragments) == 0 {
		return nil, ErrNoFragments
	}

	artifact, err := p.Engine.Merge(fragments)
	if err != nil {
		return nil, err
	}
	if err := merge.WriteArtifacts(artifact, p.Paths.OutputTXT, p.Paths.OutputM3U, p.M3U, p.now()); err != nil {
		return nil, err
	}

	p.stats().SetMergedLines(artifact.Lines)
	fmt.Fprintf(p.out(), "[✔] merged %d lines -> %s\n", artifact.Lines, p.Paths.OutputTXT)
	return artifact, nil
}

// writeReports 导出节点库与C段、稳定 IP 分析，失败只记录日志
func (p *Pipeline) writeReports(ctx context.Context, taskID string) {
	dir := filepath.Join(p.Paths.ResultsDir, taskID)
	if p.DB == nil && !p.Textfile {
		return
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Error(ctx, err, "create results dir failed", "dir", dir)
		return
	}

	if p.DB != nil {
		hostsPath := filepath.Join(dir, util.GenerateCSVFileName(taskID, "hosts"))
		if n, err := exporter.ExportHostsToCSV(p.DB, hostsPath); err != nil {
			logging.Error(ctx, err, "export hosts failed")
		} else {
			fmt.Fprintf(p.out(), "[*] 已导出 %d 个有效节点到: %s\n", n, hostsPath)
		}

		if p.Report.MinHostsPerCIDR >= 0 {
			p.exportSegments(ctx, dir, taskID)
		}
		p.exportStableIPs(ctx, dir, taskID)
	}

	if p.Textfile {
		path := filepath.Join(dir, "metrics.prom")
		if err := p.stats().WriteTextfile(path); err != nil {
			logging.Error(ctx, err, "write metrics textfile failed", "path", path)
		}
	}
}

func (p *Pipeline) exportSegments(ctx context.Context, dir, taskID string) {
	infos, err := analysis.CSegmentAnalysis(p.DB, p.Report.MinHostsPerCIDR)
	if err != nil {
		logging.Error(ctx, err, "c-segment analysis failed")
		return
	}
	if len(infos) == 0 {
		return
	}
	path := filepath.Join(dir, util.GenerateCSVFileName(taskID, "segments"))
	if err := analysis.ExportCSegments(infos, path); err != nil {
		logging.Error(ctx, err, "export c-segments failed")
		return
	}
	fmt.Fprintf(p.out(), "[*] 已导出C段分析到: %s\n", path)
}

func (p *Pipeline) exportStableIPs(ctx context.Context, dir, taskID string) {
	results, err := analysis.AnalyzeIPServiceCount(p.DB, p.Report.MinHitsPerIP)
	if err != nil {
		logging.Error(ctx, err, "ip analysis failed")
		return
	}
	if len(results) == 0 {
		return
	}
	path := filepath.Join(dir, util.GenerateCSVFileName(taskID, "stable_ips"))
	if err := analysis.ExportIPAnalysisResults(results, path); err != nil {
		logging.Error(ctx, err, "export ip analysis failed")
		return
	}
	fmt.Fprintf(p.out(), "[*] 已导出稳定节点IP到: %s\n", path)
}
