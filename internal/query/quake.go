package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/luoye20230624/ZB/internal/model"
)

const quakeEndpoint = "https://quake.360.net/api/v3/search/quake_service"

// QuakeAPIResponse 定义API返回结构，code 成功时为 0，失败时可能为字符串
type QuakeAPIResponse struct {
	Code    interface{}              `json:"code"`
	Message string                   `json:"message"`
	Data    []map[string]interface{} `json:"data"`
	Meta    map[string]interface{}   `json:"meta"`
}

// QuakeSearcher 360 Quake 服务数据搜索
type QuakeSearcher struct {
	apiKey   string
	endpoint string
	opts     Options
}

func NewQuakeSearcher(apiKey string, opts Options) *QuakeSearcher {
	return &QuakeSearcher{apiKey: apiKey, endpoint: quakeEndpoint, opts: opts.withDefaults()}
}

// WithEndpoint 替换接口地址，测试使用
func (q *QuakeSearcher) WithEndpoint(endpoint string) *QuakeSearcher {
	q.endpoint = endpoint
	return q
}

func (q *QuakeSearcher) Name() string { return "quake" }

// buildQuakeQuery 构造查询语法
func buildQuakeQuery(region, isp string) string {
	return fmt.Sprintf(`service:"%s" AND country:"CN" AND region:"%s" AND org:"%s"`,
		relaySignature, region, OrgForISP(region, isp))
}

// buildQuakePayload 构造分页查询体
func buildQuakePayload(query string, pageIndex, size int) map[string]interface{} {
	return map[string]interface{}{
		"query":   query,
		"start":   pageIndex * size,
		"size":    size,
		"include": []string{"service.ip", "service.port", "ip", "port"},
	}
}

// Search 查询省份+运营商的候选节点
func (q *QuakeSearcher) Search(ctx context.Context, region, isp string) ([]model.Candidate, error) {
	query := buildQuakeQuery(region, isp)
	return paginate(ctx, q.Name(), region+isp, q.opts, func(ctx context.Context, pageIndex int) (page, error) {
		return q.fetchPage(ctx, query, pageIndex)
	})
}

func (q *QuakeSearcher) fetchPage(ctx context.Context, query string, pageIndex int) (page, error) {
	body, err := json.Marshal(buildQuakePayload(query, pageIndex, q.opts.PageSize))
	if err != nil {
		return page{}, fmt.Errorf("json marshal failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.endpoint, bytes.NewReader(body))
	if err != nil {
		return page{}, fmt.Errorf("request creation failed: %w", err)
	}
	req.Header.Set("X-QuakeToken", q.apiKey)
	req.Header.Set("Content-Type", "application/json")

	respBody, err := readBody(q.opts.Client, req, q.Name())
	if err != nil {
		return page{}, err
	}

	var quakeResp QuakeAPIResponse
	if err := json.Unmarshal(respBody, &quakeResp); err != nil {
		return page{}, &DecodeError{Platform: q.Name(), Err: err}
	}

	if code := stringFromAny(quakeResp.Code); quakeResp.Code != nil && code != "0" {
		return page{}, classifyAPIMessage(q.Name(), code, quakeResp.Message)
	}

	result := page{Total: quakeTotal(quakeResp.Meta)}
	for _, item := range quakeResp.Data {
		if c, ok := convertQuakeItemToCandidate(pageIndex+1, item); ok {
			result.Candidates = append(result.Candidates, c)
		}
	}
	return result, nil
}

// convertQuakeItemToCandidate 兼容 service.ip/service.port 与顶层 ip/port 两种结构
func convertQuakeItemToCandidate(pageNo int, item map[string]interface{}) (model.Candidate, bool) {
	ip := stringFromAny(item["ip"])
	port := intFromAny(item["port"])

	if serviceMap, ok := item["service"].(map[string]interface{}); ok {
		if v := stringFromAny(serviceMap["ip"]); v != "" {
			ip = v
		}
		if v := intFromAny(serviceMap["port"]); v != 0 {
			port = v
		}
	}

	return newCandidate("quake", pageNo, ip, port)
}

// quakeTotal 兼容 meta.total 与 meta.pagination.total
func quakeTotal(meta map[string]interface{}) int {
	if meta == nil {
		return 0
	}
	if total := intFromAny(meta["total"]); total > 0 {
		return total
	}
	if pagination, ok := meta["pagination"].(map[string]interface{}); ok {
		return intFromAny(pagination["total"])
	}
	return 0
}
