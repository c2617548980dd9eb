package util

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// GenerateTaskID 生成统一的任务ID
func GenerateTaskID() string {
	return taskIDAt(time.Now())
}

func taskIDAt(now time.Time) string {
	dateStr := now.Format("20060102")
	tsStr := fmt.Sprintf("%d", now.Unix())
	shortTS := tsStr[len(tsStr)-8:]
	return fmt.Sprintf("%s_%s", dateStr, shortTS)
}

// GenerateCSVFileName 生成CSV文件名
func GenerateCSVFileName(taskID, suffix string) string {
	return fmt.Sprintf("%s_%s.csv", taskID, suffix)
}

// RegionFileName 地区配置文件名：广东_电信.txt
func RegionFileName(region, isp string) string {
	return region + "_" + isp + ".txt"
}

// SplitRegionFileName 拆分地区配置文件名，要求恰好一个下划线且以 .txt 结尾
func SplitRegionFileName(name string) (region, isp string, ok bool) {
	name = filepath.Base(name)
	if !strings.HasSuffix(name, ".txt") {
		return "", "", false
	}
	stem := strings.TrimSuffix(name, ".txt")
	if strings.Count(stem, "_") != 1 {
		return "", "", false
	}
	parts := strings.SplitN(stem, "_", 2)
	if parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// FragmentFileName 地区播放列表文件名：广东电信.txt
func FragmentFileName(region, isp string) string {
	return region + isp + ".txt"
}
