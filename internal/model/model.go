package model

import (
	"net"
	"strconv"
	"time"
)

// ChannelTemplate 表示地区模板中的一行：频道名 + 组播模板地址
type ChannelTemplate struct {
	Name     string // 频道名称
	Template string // 原始模板，如 rtp://239.1.1.1:5000
}

// RegionProfile 表示 rtp/<省份>_<运营商>.txt 加载后的地区配置，加载后不再修改
type RegionProfile struct {
	Region        string            // 省份
	ISP           string            // 运营商
	ReferenceAddr string            // 参考组播地址 ip:port
	Header        string            // 可选的 分类,#genre# 行
	Template      []ChannelTemplate // 按文件顺序排列的频道模板
	Raw           string            // 文件原文
	Path          string            // 文件路径
}

// Name 返回 省份+运营商，用于输出文件名和状态行
func (p RegionProfile) Name() string {
	return p.Region + p.ISP
}

// Candidate 是搜索平台返回的候选主机
type Candidate struct {
	Host   string // IP
	Port   int    // 端口
	Source string // 数据来源平台，例如 quake/fofa/hunter
	Page   int    // 发现页码
}

// Addr 返回 host:port，作为候选去重键
func (c Candidate) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ChannelCheck 多频道置信模式下单个组播地址的检测结果
type ChannelCheck struct {
	Addr string
	OK   bool
}

// ValidatedHost 是通过探测的候选主机
type ValidatedHost struct {
	Candidate
	ValidatedAt time.Time
	Checks      []ChannelCheck
	Width       int
	Height      int
}

// PlaylistEntry 是一条 频道名,地址 记录
type PlaylistEntry struct {
	Name     string
	URL      string
	Category string
}

// CategoryBucket 是一个分类及其去重后的频道
type CategoryBucket struct {
	Name    string
	Entries []PlaylistEntry
}

// FinalArtifact 是合并后的最终结果，按分类顺序排列
type FinalArtifact struct {
	Buckets []CategoryBucket
	Lines   int // 去重后的频道行数（不含分类行）
}

// Entries 按分类顺序展开全部频道
func (a *FinalArtifact) Entries() []PlaylistEntry {
	var out []PlaylistEntry
	for _, b := range a.Buckets {
		out = append(out, b.Entries...)
	}
	return out
}

// RegionReport 单个地区的处理结果，用于输出状态行
type RegionReport struct {
	Region     string
	ISP        string
	Candidates int
	Validated  int
	OutputPath string
	Err        error
}
