package util

import (
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	// 组播模板中的地址：rtp://a.b.c.d:port
	rtpAddrRegexp = regexp.MustCompile(`rtp://(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}:\d+)`)

	// 私有 IP 网段（内网）
	privateCIDRs = []*net.IPNet{
		mustCIDR("10.0.0.0/8"),
		mustCIDR("172.16.0.0/12"),
		mustCIDR("192.168.0.0/16"),
		mustCIDR("127.0.0.0/8"),    // Loopback
		mustCIDR("169.254.0.0/16"), // Link-local
	}
)

// mustCIDR 用于初始化 IP 网段
func mustCIDR(cidr string) *net.IPNet {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		panic("invalid CIDR: " + cidr)
	}
	return ipnet
}

// isPrivateIP 判断是否为内网 IP
func isPrivateIP(ip net.IP) bool {
	for _, cidr := range privateCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// IsStrictIPv4 校验四段十进制、每段 0-255 的 IPv4 地址
func IsStrictIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return false
			}
		}
		n, err := strconv.Atoi(p)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}

// IsValidPort 端口范围 1-65535
func IsValidPort(port int) bool {
	return port > 0 && port <= 65535
}

// IsValidAddr 校验 ip:port 形式的组播/中继地址
func IsValidAddr(addr string) bool {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return false
	}
	return IsStrictIPv4(host) && IsValidPort(port)
}

// FindRTPAddr 从文本中找出第一个合法的 rtp:// 地址，找不到时返回空串
func FindRTPAddr(content string) string {
	for _, m := range rtpAddrRegexp.FindAllStringSubmatch(content, -1) {
		if IsValidAddr(m[1]) {
			return m[1]
		}
	}
	return ""
}

// IsPublicHost 判断候选主机是否为合法公网 IPv4
func IsPublicHost(host string) bool {
	host = strings.TrimSpace(host)
	if !IsStrictIPv4(host) {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return false
	}
	return !isPrivateIP(ip)
}
