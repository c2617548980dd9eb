package geo

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"github.com/luoye20230624/ZB/internal/logging"
	"github.com/luoye20230624/ZB/internal/model"
)

// ASNLookup 返回 IP 所属自治系统的组织名
type ASNLookup func(ip net.IP) (string, error)

// 运营商对应的 ASN 组织名关键字（小写）
var ispKeywords = map[string][]string{
	"电信": {"chinanet", "china telecom", "chinatelecom"},
	"联通": {"unicom", "china169", "cncgroup"},
	"移动": {"china mobile", "chinamobile", "cmnet"},
}

// Filter 按 GeoLite2-ASN 数据库过滤运营商不符的候选
type Filter struct {
	lookup ASNLookup
	reader *geoip2.Reader
}

// Open 加载 ASN 数据库
func Open(path string) (*Filter, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开 ASN 数据库失败: %w", err)
	}
	f := &Filter{reader: reader}
	f.lookup = func(ip net.IP) (string, error) {
		record, err := reader.ASN(ip)
		if err != nil {
			return "", err
		}
		return record.AutonomousSystemOrganization, nil
	}
	return f, nil
}

func NewFilter(lookup ASNLookup) *Filter {
	return &Filter{lookup: lookup}
}

func (f *Filter) Close() error {
	if f.reader != nil {
		return f.reader.Close()
	}
	return nil
}

// Match 查询失败、组织名为空或运营商未知时都保留
func (f *Filter) Match(ip, isp string) bool {
	keywords := keywordsFor(isp)
	if len(keywords) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	org, err := f.lookup(parsed)
	if err != nil || org == "" {
		return true
	}
	org = strings.ToLower(org)
	for _, kw := range keywords {
		if strings.Contains(org, kw) {
			return true
		}
	}
	return false
}

func keywordsFor(isp string) []string {
	for name, kws := range ispKeywords {
		if strings.Contains(isp, name) {
			return kws
		}
	}
	return nil
}

// FilterCandidates 保持原有顺序，返回保留的候选与丢弃数量
func (f *Filter) FilterCandidates(ctx context.Context, candidates []model.Candidate, isp string) ([]model.Candidate, int) {
	kept := make([]model.Candidate, 0, len(candidates))
	dropped := 0
	for _, c := range candidates {
		if f.Match(c.Host, isp) {
			kept = append(kept, c)
			continue
		}
		dropped++
		logging.Debug(ctx, "candidate dropped by asn filter", "host", c.Addr(), "isp", isp)
	}
	return kept, dropped
}
