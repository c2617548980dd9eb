package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/juju/ratelimit"

	"github.com/luoye20230624/ZB/internal/ctxutil"
	"github.com/luoye20230624/ZB/internal/logging"
	"github.com/luoye20230624/ZB/internal/model"
)

// relaySignature udpxy/msd_lite 中继在测绘平台中的服务特征
const relaySignature = "Rozhuk"

// Searcher 按省份和运营商搜索候选中继节点
type Searcher interface {
	Name() string
	Search(ctx context.Context, region, isp string) ([]model.Candidate, error)
}

// Options 分页、重试与限速参数
type Options struct {
	PageSize     int
	MaxPages     int
	PageInterval time.Duration
	Attempts     int
	Backoff      time.Duration
	Client       *http.Client
}

// DefaultOptions 与默认配置一致
func DefaultOptions() Options {
	return Options{
		PageSize:     50,
		MaxPages:     20,
		PageInterval: time.Second,
		Attempts:     3,
		Backoff:      5 * time.Second,
		Client:       &http.Client{Timeout: 15 * time.Second},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.MaxPages <= 0 {
		o.MaxPages = d.MaxPages
	}
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.Backoff < 0 {
		o.Backoff = 0
	}
	if o.Client == nil {
		o.Client = d.Client
	}
	return o
}

// page 单页查询结果
type page struct {
	Candidates []model.Candidate
	Total      int  // 平台报告的总数，未知时为 0
	Last       bool // 平台确定没有下一页
}

type pageFetcher func(ctx context.Context, pageIndex int) (page, error)

// paginate 逐页查询直到总数耗尽、某页没有新结果或达到页数上限。
// 重试耗尽或接口返回非零状态码时返回已收集的部分结果。
// AuthError、ctx 取消以及首页网络重试耗尽（平台不可用）会返回错误。
func paginate(ctx context.Context, platform, target string, opts Options, fetch pageFetcher) ([]model.Candidate, error) {
	set := newCandidateSet()

	var bucket *ratelimit.Bucket
	if opts.PageInterval > 0 {
		bucket = ratelimit.NewBucket(opts.PageInterval, 1)
	}

	for pageIndex := 0; pageIndex < opts.MaxPages; pageIndex++ {
		if bucket != nil {
			if err := sleepContext(ctx, bucket.Take(1)); err != nil {
				return set.list(), err
			}
		}

		p, err := retryWithBackoff(ctx, platform, target, opts.Attempts, opts.Backoff, func() (page, error) {
			return fetch(ctx, pageIndex)
		})
		if err != nil {
			if ctx.Err() != nil {
				return set.list(), ctx.Err()
			}
			if IsAuthError(err) {
				return set.list(), err
			}
			var transportErr *TransportError
			if pageIndex == 0 && errors.As(err, &transportErr) {
				return set.list(), err
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				logging.Error(ctx, err, "search stopped by api status, keeping partial result",
					"platform", platform, "target", target, "page", pageIndex+1, "candidates", len(set.list()))
				return set.list(), nil
			}
			logging.Error(ctx, err, "search degraded to partial result",
				"platform", platform, "target", target, "page", pageIndex+1, "candidates", len(set.list()))
			return set.list(), nil
		}

		added := set.add(p.Candidates...)
		logging.Debug(ctx, "page done", "platform", platform, "target", target,
			"page", pageIndex+1, "results", len(p.Candidates), "new", added, "total", p.Total)

		if added == 0 || p.Last {
			break
		}
		if p.Total > 0 && (pageIndex+1)*opts.PageSize >= p.Total {
			break
		}
	}

	return set.list(), nil
}

// readBody 执行请求并读取响应，非 200 时按状态码分类
func readBody(client *http.Client, req *http.Request, platform string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Platform: platform, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Platform: platform, Err: fmt.Errorf("read response failed: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPStatus(platform, resp.StatusCode, body)
	}
	return body, nil
}

// New 按平台名构造 Searcher
func New(platform, apiKey string, opts Options) (Searcher, error) {
	switch strings.ToLower(platform) {
	case "quake":
		return NewQuakeSearcher(apiKey, opts), nil
	case "fofa":
		return NewFofaSearcher(apiKey, opts), nil
	case "hunter":
		return NewHunterSearcher(apiKey, opts), nil
	case "fofaweb":
		return NewFofaWebSearcher(opts), nil
	}
	return nil, fmt.Errorf("unknown search platform %q", platform)
}

// Multi 依次查询多个平台并按 host:port 去重
type Multi struct {
	searchers []Searcher
}

func NewMulti(searchers ...Searcher) *Multi {
	return &Multi{searchers: searchers}
}

func (m *Multi) Name() string {
	names := make([]string, 0, len(m.searchers))
	for _, s := range m.searchers {
		names = append(names, s.Name())
	}
	return strings.Join(names, "+")
}

// Search AuthError 立即返回；其他错误记录后继续下一个平台，最终与结果一并返回
// 只有全部平台都不可用时返回的错误才满足 IsUnavailable，否则为 *PartialError
func (m *Multi) Search(ctx context.Context, region, isp string) ([]model.Candidate, error) {
	set := newCandidateSet()
	var errs []error
	unavailable := 0

	for _, s := range m.searchers {
		sctx := ctxutil.WithPlatform(ctx, s.Name())
		cands, err := s.Search(sctx, region, isp)
		set.add(cands...)
		if err != nil {
			if IsAuthError(err) || ctx.Err() != nil {
				return set.list(), err
			}
			logging.Error(sctx, err, "search platform failed, keeping partial result", "candidates", len(cands))
			errs = append(errs, err)
			if IsUnavailable(err) {
				unavailable++
			}
		}
	}

	switch {
	case len(errs) == 0:
		return set.list(), nil
	case unavailable == len(m.searchers):
		return set.list(), errors.Join(errs...)
	}
	return set.list(), &PartialError{Errs: errs}
}
