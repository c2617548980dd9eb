package merge

import (
	"fmt"

	"github.com/jamesnetherton/m3u"
)

// Track m3u 中解析出的一个频道
type Track struct {
	Name  string
	URL   string
	Group string
}

// ParseM3U 读取 m3u 文件，返回 (频道名, 地址, 分组)
func ParseM3U(path string) ([]Track, error) {
	playlist, err := m3u.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("解析 m3u 失败: %w", err)
	}

	tracks := make([]Track, 0, len(playlist.Tracks))
	for _, t := range playlist.Tracks {
		track := Track{Name: t.Name, URL: t.URI}
		for _, tag := range t.Tags {
			if tag.Name == "group-title" {
				track.Group = tag.Value
				break
			}
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}
