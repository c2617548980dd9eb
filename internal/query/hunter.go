package query

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/luoye20230624/ZB/internal/model"
)

const hunterEndpoint = "https://hunter.qianxin.com/openApi/search"

// HunterAPIResponse 定义API返回结构
type HunterAPIResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Total int                      `json:"total"`
		Arr   []map[string]interface{} `json:"arr"`
	} `json:"data"`
}

// HunterSearcher 奇安信 Hunter 搜索
type HunterSearcher struct {
	apiKey   string
	endpoint string
	opts     Options
}

func NewHunterSearcher(apiKey string, opts Options) *HunterSearcher {
	return &HunterSearcher{apiKey: apiKey, endpoint: hunterEndpoint, opts: opts.withDefaults()}
}

// WithEndpoint 替换接口地址，测试使用
func (h *HunterSearcher) WithEndpoint(endpoint string) *HunterSearcher {
	h.endpoint = endpoint
	return h
}

func (h *HunterSearcher) Name() string { return "hunter" }

func buildHunterSyntax(region, isp string) string {
	return fmt.Sprintf(`web.body="%s"&&ip.country="CN"&&ip.province="%s"&&ip.isp="%s"`, relaySignature, region, isp)
}

// buildHunterQuery 构造Hunter查询参数，Hunter 使用 base64url 编码
func buildHunterQuery(query, apiKey string, page, pageSize int) url.Values {
	params := url.Values{}
	params.Set("api-key", apiKey)
	params.Set("search", base64.URLEncoding.EncodeToString([]byte(query)))
	params.Set("page", strconv.Itoa(page))
	params.Set("page_size", strconv.Itoa(pageSize))
	params.Set("is_web", "3")
	return params
}

func (h *HunterSearcher) Search(ctx context.Context, region, isp string) ([]model.Candidate, error) {
	query := buildHunterSyntax(region, isp)
	return paginate(ctx, h.Name(), region+isp, h.opts, func(ctx context.Context, pageIndex int) (page, error) {
		return h.fetchPage(ctx, query, pageIndex)
	})
}

func (h *HunterSearcher) fetchPage(ctx context.Context, query string, pageIndex int) (page, error) {
	params := buildHunterQuery(query, h.apiKey, pageIndex+1, h.opts.PageSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return page{}, fmt.Errorf("request creation failed: %w", err)
	}

	body, err := readBody(h.opts.Client, req, h.Name())
	if err != nil {
		return page{}, err
	}

	var hunterResp HunterAPIResponse
	if err := json.Unmarshal(body, &hunterResp); err != nil {
		return page{}, &DecodeError{Platform: h.Name(), Err: err}
	}

	switch hunterResp.Code {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return page{}, &AuthError{Platform: h.Name(), Message: hunterResp.Message}
	default:
		return page{}, classifyAPIMessage(h.Name(), strconv.Itoa(hunterResp.Code), hunterResp.Message)
	}

	result := page{Total: hunterResp.Data.Total}
	for _, item := range hunterResp.Data.Arr {
		if c, ok := newCandidate(h.Name(), pageIndex+1, stringFromAny(item["ip"]), intFromAny(item["port"])); ok {
			result.Candidates = append(result.Candidates, c)
		}
	}
	return result, nil
}
