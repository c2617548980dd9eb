package merge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/luoye20230624/ZB/internal/model"
)

const catchupSource = "?playseek=${(b)yyyyMMddHHmmss}-${(e)yyyyMMddHHmmss}"

var beijing = time.FixedZone("CST", 8*3600)

// M3UOptions m3u 头部、台标与更新时间标记
type M3UOptions struct {
	EPGURL          string
	LogoBase        string
	UpdateMarkerURL string // 为空时不输出更新时间条目
}

// RenderText 每个非空分类输出 分类,#genre# 及其频道行
func RenderText(a *model.FinalArtifact) string {
	var sb strings.Builder
	for _, b := range a.Buckets {
		sb.WriteString(b.Name)
		sb.WriteString("," + genreMarker + "\n")
		for _, e := range b.Entries {
			sb.WriteString(e.Name)
			sb.WriteByte(',')
			sb.WriteString(e.URL)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// RenderM3U 生成带回看参数的 m3u
func RenderM3U(a *model.FinalArtifact, opts M3UOptions, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#EXTM3U x-tvg-url=\"%s\" catchup=\"append\" catchup-source=\"%s\"\n", opts.EPGURL, catchupSource)

	if opts.UpdateMarkerURL != "" {
		stamp := now.In(beijing).Format("01-02 15:04")
		fmt.Fprintf(&sb, "#EXTINF:-1 group-title=\"更新时间%s\",更新时间\n%s\n", stamp, opts.UpdateMarkerURL)
	}

	logoBase := strings.TrimSuffix(opts.LogoBase, "/")
	for _, b := range a.Buckets {
		for _, e := range b.Entries {
			fmt.Fprintf(&sb, "#EXTINF:-1 tvg-id=\"%s\" tvg-name=\"%s\" tvg-logo=\"%s/%s.png\" group-title=\"%s\",%s\n",
				e.Name, e.Name, logoBase, e.Name, b.Name, e.Name)
			sb.WriteString(e.URL)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// WriteArtifacts 写出 txt 与 m3u，m3uPath 为空时只写 txt
func WriteArtifacts(a *model.FinalArtifact, txtPath, m3uPath string, opts M3UOptions, now time.Time) error {
	if err := writeFile(txtPath, RenderText(a)); err != nil {
		return err
	}
	if m3uPath == "" {
		return nil
	}
	return writeFile(m3uPath, RenderM3U(a, opts, now))
}

func writeFile(path, content string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建目录失败: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", path, err)
	}
	return nil
}
