package verify

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luoye20230624/ZB/internal/logging"
)

// Options 复检参数
type Options struct {
	Timeout     time.Duration
	Concurrency int
	Client      *http.Client
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	if o.Concurrency < 1 {
		o.Concurrency = 16
	}
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	return o
}

// Result 复检统计
type Result struct {
	Checked int
	Kept    int
	Dropped int
}

// CheckURL 在超时内返回 200 视为可用
func CheckURL(ctx context.Context, client *http.Client, url string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type lineKind int

const (
	lineSkip lineKind = iota
	lineKeep
	lineCheck
)

// classifyLine 分类行原样保留，name,url 需要检测，其余丢弃
func classifyLine(line string) (lineKind, string) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 2 {
		return lineSkip, ""
	}
	if strings.Contains(strings.ToLower(line), "genre") {
		return lineKeep, ""
	}
	return lineCheck, strings.TrimSpace(parts[1])
}

// Filter 有界并发检测每个地址，输出保持原有顺序
func Filter(ctx context.Context, lines []string, opts Options) ([]string, Result) {
	opts = opts.withDefaults()
	keep := make([]bool, len(lines))
	var res Result

	var g errgroup.Group
	g.SetLimit(opts.Concurrency)
	for i, line := range lines {
		kind, url := classifyLine(line)
		switch kind {
		case lineKeep:
			keep[i] = true
			continue
		case lineSkip:
			continue
		}
		if ctx.Err() != nil {
			break
		}
		res.Checked++
		i := i
		g.Go(func() error {
			keep[i] = CheckURL(ctx, opts.Client, url, opts.Timeout)
			return nil
		})
	}
	_ = g.Wait()

	var out []string
	for i, line := range lines {
		if !keep[i] {
			continue
		}
		out = append(out, strings.TrimSpace(line))
		if kind, _ := classifyLine(line); kind == lineCheck {
			res.Kept++
		}
	}
	res.Dropped = res.Checked - res.Kept
	return out, res
}

// FilterFile 读取 name,url 列表，把可用的行写到 out
func FilterFile(ctx context.Context, in, out string, opts Options) (Result, error) {
	data, err := os.ReadFile(in)
	if err != nil {
		return Result{}, err
	}

	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	kept, res := Filter(ctx, lines, opts)
	logging.Info(ctx, "verify done", "in", in, "checked", res.Checked, "kept", res.Kept)

	body := strings.Join(kept, "\n")
	if body != "" {
		body += "\n"
	}
	if err := os.WriteFile(out, []byte(body), 0644); err != nil {
		return res, fmt.Errorf("写入 %s 失败: %w", out, err)
	}
	return res, nil
}
