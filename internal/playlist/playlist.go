package playlist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/luoye20230624/ZB/internal/model"
	"github.com/luoye20230624/ZB/internal/util"
)

const rtpScheme = "rtp://"

// RewriteURL 将 rtp:// 模板替换为中继转发地址 http://host:port/rtp/
func RewriteURL(template string, host model.Candidate) string {
	return strings.Replace(template, rtpScheme, "http://"+host.Addr()+"/rtp/", 1)
}

// Synthesize 按主机发现顺序、模板顺序生成频道，这一步不去重
func Synthesize(profile *model.RegionProfile, hosts []model.ValidatedHost) []model.PlaylistEntry {
	entries := make([]model.PlaylistEntry, 0, len(hosts)*len(profile.Template))
	for _, h := range hosts {
		for _, ch := range profile.Template {
			entries = append(entries, model.PlaylistEntry{
				Name: ch.Name,
				URL:  RewriteURL(ch.Template, h.Candidate),
			})
		}
	}
	return entries
}

// Render 生成地区播放列表正文，每个主机块前重复一次分类行
func Render(profile *model.RegionProfile, entries []model.PlaylistEntry) string {
	var sb strings.Builder
	block := len(profile.Template)
	for i, e := range entries {
		if profile.Header != "" && (block == 0 || i%block == 0) {
			sb.WriteString(profile.Header)
			sb.WriteByte('\n')
		}
		sb.WriteString(e.Name)
		sb.WriteByte(',')
		sb.WriteString(e.URL)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// WriteFragment 写入 <dir>/<省份><运营商>.txt，返回文件路径
func WriteFragment(dir string, profile *model.RegionProfile, body string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create playlist dir failed: %w", err)
	}
	path := filepath.Join(dir, util.FragmentFileName(profile.Region, profile.ISP))
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		return "", fmt.Errorf("write playlist %s failed: %w", path, err)
	}
	return path, nil
}
