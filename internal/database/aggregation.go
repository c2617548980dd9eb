package database

import (
	"fmt"
	"net"
	"sort"
	"strings"
)

// CSegmentOf 返回 IPv4 地址所在的 /24，非 IPv4 返回空串
func CSegmentOf(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return ""
	}
	ipParts := strings.Split(ip, ".")
	if len(ipParts) != 4 {
		return ""
	}
	return fmt.Sprintf("%s.%s.%s.0/24", ipParts[0], ipParts[1], ipParts[2])
}

// GetHighDensityCIDRs 统计验证主机的 C 段，返回主机数不少于 threshold 的 C 段
func (db *DB) GetHighDensityCIDRs(threshold int) ([]string, error) {
	rows, err := db.Query(fmt.Sprintf("SELECT DISTINCT ip FROM %s", HostsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cSegmentCount := make(map[string]int)

	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			continue
		}
		cidr := CSegmentOf(ip)
		if cidr == "" {
			continue // skip non-IPv4
		}
		cSegmentCount[cidr]++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var result []string
	for cidr, count := range cSegmentCount {
		if count >= threshold {
			result = append(result, cidr)
		}
	}

	sort.Strings(result)
	return result, nil
}

// RegionsInCIDR 返回 C 段内验证主机所属的 省份+运营商
func (db *DB) RegionsInCIDR(cidr string) ([]string, error) {
	base, _, ok := strings.Cut(cidr, "/")
	if !ok {
		return nil, fmt.Errorf("无效的CIDR格式: %s", cidr)
	}
	prefix := strings.TrimSuffix(base, ".0") + "."

	query := db.rebind(fmt.Sprintf("SELECT DISTINCT region, isp FROM %s WHERE ip LIKE ? ORDER BY region, isp", HostsTable))
	rows, err := db.Query(query, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regions []string
	for rows.Next() {
		var region, isp string
		if err := rows.Scan(&region, &isp); err != nil {
			continue
		}
		regions = append(regions, region+isp)
	}
	return regions, rows.Err()
}
