package exporter

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/luoye20230624/ZB/internal/database"
)

// ExportHostsToCSV 导出全部验证主机
func ExportHostsToCSV(db *database.DB, outputPath string) (int, error) {
	records, err := db.Hosts()
	if err != nil {
		return 0, err
	}

	file, err := os.Create(outputPath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	// 写入UTF-8 BOM，确保Excel等软件能正确识别中文
	if _, err := file.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return 0, err
	}

	writer := csv.NewWriter(file)

	// 写入表头
	writer.Write([]string{
		"Region", "ISP", "IP", "Port", "Source", "Width", "Height", "Hits", "FirstSeen", "ValidatedAt",
	})

	for _, r := range records {
		record := []string{
			r.Region,
			r.ISP,
			r.IP,
			fmt.Sprintf("%d", r.Port),
			r.Source,
			fmt.Sprintf("%d", r.Width),
			fmt.Sprintf("%d", r.Height),
			fmt.Sprintf("%d", r.Hits),
			r.FirstSeen.Format("2006-01-02 15:04:05"),
			r.ValidatedAt.Format("2006-01-02 15:04:05"),
		}
		writer.Write(record)
	}

	writer.Flush()
	return len(records), writer.Error()
}
