package probe

import (
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

// LoadFunc 返回当前 CPU 与内存使用率（百分比）
type LoadFunc func() (cpuPercent, memPercent float64)

// SystemLoad 采样一次系统负载，取不到时按 0 处理
func SystemLoad() (float64, float64) {
	var cpuUsage, memUsage float64
	if v, err := mem.VirtualMemory(); err == nil {
		memUsage = v.UsedPercent
	}
	if percentages, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(percentages) > 0 {
		cpuUsage = percentages[0]
	}
	return cpuUsage, memUsage
}

// RecommendedConcurrency CPU 或内存高于 80% 时并发减半
func RecommendedConcurrency(max int, load LoadFunc) int {
	if max < 1 {
		max = 1
	}
	if load == nil {
		return max
	}
	cpuUsage, memUsage := load()
	if cpuUsage > 80.0 || memUsage > 80.0 {
		reduced := max / 2
		if reduced < 1 {
			return 1
		}
		return reduced
	}
	return max
}
