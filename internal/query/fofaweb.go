package query

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/PuerkitoBio/goquery"

	"github.com/luoye20230624/ZB/internal/model"
)

const fofaWebEndpoint = "https://fofa.info/result"

// FofaWebSearcher 抓取 FOFA 网页搜索结果，不需要 API Key，只有一页
type FofaWebSearcher struct {
	endpoint string
	opts     Options
}

func NewFofaWebSearcher(opts Options) *FofaWebSearcher {
	return &FofaWebSearcher{endpoint: fofaWebEndpoint, opts: opts.withDefaults()}
}

// WithEndpoint 替换页面地址，测试使用
func (f *FofaWebSearcher) WithEndpoint(endpoint string) *FofaWebSearcher {
	f.endpoint = endpoint
	return f
}

func (f *FofaWebSearcher) Name() string { return "fofaweb" }

func buildFofaWebSyntax(region string) string {
	return fmt.Sprintf(`"%s" && country="CN" && region="%s"`, relaySignature, region)
}

func (f *FofaWebSearcher) Search(ctx context.Context, region, isp string) ([]model.Candidate, error) {
	query := buildFofaWebSyntax(region)
	opts := f.opts
	opts.MaxPages = 1
	return paginate(ctx, f.Name(), region+isp, opts, func(ctx context.Context, _ int) (page, error) {
		return f.fetchPage(ctx, query)
	})
}

func (f *FofaWebSearcher) fetchPage(ctx context.Context, query string) (page, error) {
	reqURL := f.endpoint + "?qbase64=" + base64.StdEncoding.EncodeToString([]byte(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return page{}, fmt.Errorf("request creation failed: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")

	body, err := readBody(f.opts.Client, req, f.Name())
	if err != nil {
		return page{}, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return page{}, &DecodeError{Platform: f.Name(), Err: err}
	}

	set := newCandidateSet()
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		set.add(extractRelayCandidates(f.Name(), 1, href)...)
	})
	// 结果页部分地址只以文本形式出现
	set.add(extractRelayCandidates(f.Name(), 1, doc.Text())...)

	return page{Candidates: set.list(), Last: true}, nil
}
