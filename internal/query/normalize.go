package query

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/luoye20230624/ZB/internal/model"
	"github.com/luoye20230624/ZB/internal/util"
)

// 网页结果中的中继地址
var relayURLRegexp = regexp.MustCompile(`http://(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d+)`)

// stringFromAny 助手函数，interface{}转string
func stringFromAny(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// intFromAny 助手函数，接口转int，兼容字符串形式的端口
func intFromAny(value interface{}) int {
	switch v := value.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return n
		}
	}
	return 0
}

// newCandidate 校验 ip/端口 后构造候选，非法时返回 false
func newCandidate(platform string, page int, ip string, port int) (model.Candidate, bool) {
	ip = strings.TrimSpace(ip)
	if !util.IsStrictIPv4(ip) || !util.IsValidPort(port) {
		return model.Candidate{}, false
	}
	return model.Candidate{Host: ip, Port: port, Source: platform, Page: page}, true
}

// extractRelayCandidates 从文本中提取 http://ip:port 形式的地址
func extractRelayCandidates(platform string, page int, text string) []model.Candidate {
	var out []model.Candidate
	for _, m := range relayURLRegexp.FindAllStringSubmatch(text, -1) {
		port, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if c, ok := newCandidate(platform, page, m[1], port); ok {
			out = append(out, c)
		}
	}
	return out
}

// candidateSet 按 host:port 去重并保持发现顺序
type candidateSet struct {
	seen  map[string]bool
	items []model.Candidate
}

func newCandidateSet() *candidateSet {
	return &candidateSet{seen: make(map[string]bool)}
}

// add 返回新增数量
func (s *candidateSet) add(cands ...model.Candidate) int {
	added := 0
	for _, c := range cands {
		key := c.Addr()
		if s.seen[key] {
			continue
		}
		s.seen[key] = true
		s.items = append(s.items, c)
		added++
	}
	return added
}

func (s *candidateSet) list() []model.Candidate {
	return s.items
}
