package query

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/luoye20230624/ZB/internal/model"
)

const fofaEndpoint = "https://fofa.info/api/v1/search/all"

// FofaSearcher FOFA API 搜索，results 为 [ip, port] 数组
type FofaSearcher struct {
	apiKey   string
	endpoint string
	opts     Options
}

func NewFofaSearcher(apiKey string, opts Options) *FofaSearcher {
	return &FofaSearcher{apiKey: apiKey, endpoint: fofaEndpoint, opts: opts.withDefaults()}
}

// WithEndpoint 替换接口地址，测试使用
func (f *FofaSearcher) WithEndpoint(endpoint string) *FofaSearcher {
	f.endpoint = endpoint
	return f
}

func (f *FofaSearcher) Name() string { return "fofa" }

// buildFofaQuery 构造FOFA查询参数
func buildFofaQuery(query, apiKey string, page, size int) url.Values {
	params := url.Values{}
	params.Set("qbase64", base64.StdEncoding.EncodeToString([]byte(query)))
	params.Set("fields", "ip,port")
	params.Set("page", strconv.Itoa(page))
	params.Set("size", strconv.Itoa(size))
	params.Set("full", "false")
	params.Set("key", apiKey)
	return params
}

func buildFofaSyntax(region, isp string) string {
	return fmt.Sprintf(`"%s" && country="CN" && region="%s" && org="%s"`,
		relaySignature, region, OrgForISP(region, isp))
}

func (f *FofaSearcher) Search(ctx context.Context, region, isp string) ([]model.Candidate, error) {
	query := buildFofaSyntax(region, isp)
	return paginate(ctx, f.Name(), region+isp, f.opts, func(ctx context.Context, pageIndex int) (page, error) {
		return f.fetchPage(ctx, query, pageIndex)
	})
}

func (f *FofaSearcher) fetchPage(ctx context.Context, query string, pageIndex int) (page, error) {
	// FOFA 页码从 1 开始
	params := buildFofaQuery(query, f.apiKey, pageIndex+1, f.opts.PageSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return page{}, fmt.Errorf("request creation failed: %w", err)
	}

	body, err := readBody(f.opts.Client, req, f.Name())
	if err != nil {
		return page{}, err
	}
	if !gjson.ValidBytes(body) {
		return page{}, &DecodeError{Platform: f.Name(), Err: fmt.Errorf("invalid json")}
	}

	res := gjson.ParseBytes(body)
	if res.Get("error").Bool() {
		return page{}, classifyAPIMessage(f.Name(), "error", res.Get("errmsg").String())
	}

	result := page{Total: int(res.Get("size").Int())}
	res.Get("results").ForEach(func(_, row gjson.Result) bool {
		if c, ok := newCandidate(f.Name(), pageIndex+1, row.Get("0").String(), int(row.Get("1").Int())); ok {
			result.Candidates = append(result.Candidates, c)
		}
		return true
	})
	return result, nil
}
