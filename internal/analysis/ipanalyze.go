package analysis

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/luoye20230624/ZB/internal/database"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// IPAnalysisResult 单个 IP 上的中继服务统计
type IPAnalysisResult struct {
	IP      string
	Ports   []string
	Regions []string
	Sources []string
	Hits    int // 所有端口累计验证通过次数
}

// AnalyzeIPServiceCount 统计每个 IP 的中继端口与命中次数，返回 Hits 不少于 threshold 的 IP
func AnalyzeIPServiceCount(db *database.DB, threshold int) ([]IPAnalysisResult, error) {
	fmt.Printf("[*] 开始IP服务数量分析，阈值: %d\n", threshold)

	records, err := db.Hosts()
	if err != nil {
		return nil, fmt.Errorf("查询验证主机失败: %w", err)
	}

	byIP := make(map[string]*IPAnalysisResult)
	var order []string
	for _, r := range records {
		res, ok := byIP[r.IP]
		if !ok {
			res = &IPAnalysisResult{IP: r.IP}
			byIP[r.IP] = res
			order = append(order, r.IP)
		}
		res.Ports = append(res.Ports, fmt.Sprintf("%d", r.Port))
		res.Regions = append(res.Regions, r.Region+r.ISP)
		res.Sources = append(res.Sources, strings.Split(r.Source, ";")...)
		res.Hits += r.Hits
	}

	var results []IPAnalysisResult
	for _, ip := range order {
		res := byIP[ip]
		if res.Hits < threshold {
			continue
		}
		res.Ports = removeDuplicates(res.Ports)
		res.Regions = removeDuplicates(res.Regions)
		res.Sources = removeDuplicates(res.Sources)
		results = append(results, *res)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Hits > results[j].Hits
	})

	fmt.Printf("[*] 发现 %d 个稳定中继IP\n", len(results))
	return results, nil
}

// ExportIPAnalysisResults 导出IP分析结果
func ExportIPAnalysisResults(results []IPAnalysisResult, outputPath string) error {
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

	header := []string{"IP地址", "端口", "地区", "数据来源", "命中次数", "生成时间"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入CSV头部失败: %w", err)
	}

	currentTime := getCurrentTime()
	for _, result := range results {
		row := []string{
			result.IP,
			strings.Join(result.Ports, ";"),
			strings.Join(result.Regions, ";"),
			strings.Join(result.Sources, ";"),
			fmt.Sprintf("%d", result.Hits),
			currentTime,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("写入CSV数据行失败: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// removeDuplicates 去除字符串切片中的重复项和空串
func removeDuplicates(slice []string) []string {
	seen := make(map[string]bool)
	var result []string

	for _, item := range slice {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		result = append(result, item)
	}

	return result
}

// getCurrentTime 获取当前时间字符串
func getCurrentTime() string {
	return time.Now().Format("2006-01-02 15:04:05")
}
