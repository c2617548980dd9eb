package analysis

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/luoye20230624/ZB/internal/database"
)

// CSegmentInfo 表示C段信息
type CSegmentInfo struct {
	CIDR    string
	Hosts   int
	Regions []string // 省份+运营商
	IsMixed bool
}

// CSegmentAnalysis 统计验证主机的C段密度，threshold 为C段内最少主机数
func CSegmentAnalysis(db *database.DB, threshold int) ([]CSegmentInfo, error) {
	fmt.Printf("[*] 开始C段分析，阈值: %d\n", threshold)

	cidrs, err := db.GetHighDensityCIDRs(threshold)
	if err != nil {
		return nil, fmt.Errorf("获取高密度C段失败: %w", err)
	}

	records, err := db.Hosts()
	if err != nil {
		return nil, fmt.Errorf("读取验证主机失败: %w", err)
	}
	hostsPerCIDR := make(map[string]map[string]bool)
	for _, r := range records {
		cidr := database.CSegmentOf(r.IP)
		if hostsPerCIDR[cidr] == nil {
			hostsPerCIDR[cidr] = make(map[string]bool)
		}
		hostsPerCIDR[cidr][r.IP] = true
	}

	var infos []CSegmentInfo
	fmt.Printf("[*] 发现 %d 个高密度C段\n", len(cidrs))

	for i, cidr := range cidrs {
		regions, err := db.RegionsInCIDR(cidr)
		if err != nil {
			fmt.Printf("[!] 分析C段 %s 地区归属失败: %v\n", cidr, err)
			continue
		}

		info := CSegmentInfo{
			CIDR:    cidr,
			Hosts:   len(hostsPerCIDR[cidr]),
			Regions: regions,
			IsMixed: len(regions) > 1,
		}
		infos = append(infos, info)

		fmt.Printf("[%d] %s (主机: %d, 地区: %s, 混合: %t)\n",
			i+1, cidr, info.Hosts, strings.Join(regions, ";"), info.IsMixed)
	}

	return infos, nil
}

// ExportCSegments 导出C段分析结果
func ExportCSegments(infos []CSegmentInfo, outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer file.Close()

	// 写入UTF-8 BOM
	if _, err := file.Write(utf8BOM); err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"C段", "主机数", "地区", "混合C段", "生成时间"}); err != nil {
		return fmt.Errorf("写入CSV头部失败: %w", err)
	}

	currentTime := getCurrentTime()
	for _, info := range infos {
		row := []string{
			info.CIDR,
			fmt.Sprintf("%d", info.Hosts),
			strings.Join(info.Regions, ";"),
			fmt.Sprintf("%t", info.IsMixed),
			currentTime,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("写入CSV数据行失败: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}
