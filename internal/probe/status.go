package probe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// StatInfo /stat 页面摘要
type StatInfo struct {
	Title    string
	Software string
}

var relaySoftware = []string{"msd_lite", "udpxy", "Rozhuk"}

// CheckStat 请求中继的 /stat 状态页，非 200 视为不可用
func CheckStat(ctx context.Context, client *http.Client, host string, port int, timeout time.Duration) (StatInfo, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	statURL := fmt.Sprintf("http://%s/stat", joinHostPort(host, port))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statURL, nil)
	if err != nil {
		return StatInfo{}, fmt.Errorf("request creation failed: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return StatInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatInfo{}, fmt.Errorf("stat returned status %d", resp.StatusCode)
	}

	info := StatInfo{}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		// 状态页可达即可，内容不是 HTML 不算失败
		return info, nil
	}
	info.Title = strings.TrimSpace(doc.Find("title").First().Text())
	text := doc.Text()
	for _, sw := range relaySoftware {
		if strings.Contains(text, sw) || strings.Contains(info.Title, sw) {
			info.Software = sw
			break
		}
	}
	if info.Software == "" {
		info.Software = resp.Header.Get("Server")
	}
	return info, nil
}
