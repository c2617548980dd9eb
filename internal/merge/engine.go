package merge

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/width"

	"github.com/luoye20230624/ZB/internal/config"
	"github.com/luoye20230624/ZB/internal/model"
)

const (
	genreMarker = "#genre#"

	DedupExact      = "exact"
	DedupNormalized = "normalized"
)

// Fragment 一个待合并的播放列表片段
type Fragment struct {
	Name string
	Body string
}

// Converter 繁简转换
type Converter interface {
	Convert(in string) (string, error)
}

// Options 合并参数
type Options struct {
	Dedup     string    // exact 或 normalized
	Converter Converter // 为空时不做繁简转换
	Narrow    bool      // 全角 ASCII 转半角
}

// Engine 合并、替换、去重并分类
type Engine struct {
	rules *config.Rules
	opts  Options
}

func NewEngine(rules *config.Rules, opts Options) *Engine {
	if rules == nil {
		rules = config.DefaultRules()
	}
	if opts.Dedup == "" {
		opts.Dedup = DedupExact
	}
	return &Engine{rules: rules, opts: opts}
}

// Merge 按调用方顺序拼接片段，首次出现的行保留
func (e *Engine) Merge(fragments []Fragment) (*model.FinalArtifact, error) {
	body := concat(fragments)
	if firstLineIsHTML(body) {
		body = ""
	}

	if e.opts.Converter != nil && body != "" {
		converted, err := e.opts.Converter.Convert(body)
		if err != nil {
			return nil, fmt.Errorf("繁简转换失败: %w", err)
		}
		body = converted
	}
	if e.opts.Narrow {
		body = width.Narrow.String(body)
	}
	body = e.substitute(body)

	artifact := e.classify(e.dedup(body))
	return artifact, nil
}

func concat(fragments []Fragment) string {
	var sb strings.Builder
	for _, f := range fragments {
		if f.Body == "" {
			continue
		}
		sb.WriteString(f.Body)
		if !strings.HasSuffix(f.Body, "\n") {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// firstLineIsHTML 源站返回错误页时首行是 <html>
func firstLineIsHTML(body string) bool {
	first, _, _ := strings.Cut(body, "\n")
	return strings.Contains(strings.ToLower(first), "<html>")
}

func (e *Engine) substitute(body string) string {
	if len(e.rules.Substitutions) == 0 {
		return body
	}
	pairs := make([]string, 0, len(e.rules.Substitutions)*2)
	for _, s := range e.rules.Substitutions {
		pairs = append(pairs, s.From, s.To)
	}
	return strings.NewReplacer(pairs...).Replace(body)
}

func (e *Engine) dedupKey(line string) string {
	if e.opts.Dedup == DedupNormalized {
		return strings.Join(strings.Fields(line), "")
	}
	return line
}

// dedup 去掉分类行、注释行和无逗号行，其余按首次出现保留
func (e *Engine) dedup(body string) []string {
	seen := make(map[string]struct{})
	var lines []string
	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || strings.Contains(line, genreMarker) {
			continue
		}
		if !strings.Contains(line, ",") {
			continue
		}
		key := e.dedupKey(line)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		lines = append(lines, line)
	}
	return lines
}

// Classify 按规则顺序返回第一个命中的分类
func (e *Engine) Classify(name string) string {
	for _, r := range e.rules.Categories {
		if matchRule(r, name) {
			return r.Name
		}
	}
	return e.rules.DefaultCategory
}

func matchRule(r config.CategoryRule, name string) bool {
	for _, ex := range r.Exclude {
		if ex != "" && strings.Contains(name, ex) {
			return false
		}
	}
	for _, kw := range r.Keywords {
		if kw != "" && strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

func (e *Engine) classify(lines []string) *model.FinalArtifact {
	index := make(map[string]int, len(e.rules.Categories)+1)
	buckets := make([]model.CategoryBucket, 0, len(e.rules.Categories)+1)
	for _, r := range e.rules.Categories {
		index[r.Name] = len(buckets)
		buckets = append(buckets, model.CategoryBucket{Name: r.Name})
	}
	if _, ok := index[e.rules.DefaultCategory]; !ok {
		index[e.rules.DefaultCategory] = len(buckets)
		buckets = append(buckets, model.CategoryBucket{Name: e.rules.DefaultCategory})
	}

	for _, line := range lines {
		name, url, _ := strings.Cut(line, ",")
		category := e.Classify(name)
		i := index[category]
		buckets[i].Entries = append(buckets[i].Entries, model.PlaylistEntry{Name: name, URL: url, Category: category})
	}

	artifact := &model.FinalArtifact{}
	for _, b := range buckets {
		if len(b.Entries) == 0 {
			continue
		}
		artifact.Buckets = append(artifact.Buckets, b)
		artifact.Lines += len(b.Entries)
	}
	return artifact
}

// ReadFragments 读取片段文件，缺失的文件跳过并返回其路径
func ReadFragments(paths []string) ([]Fragment, []string, error) {
	var fragments []Fragment
	var missing []string
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				missing = append(missing, p)
				continue
			}
			return nil, missing, fmt.Errorf("读取片段 %s 失败: %w", p, err)
		}
		fragments = append(fragments, Fragment{Name: p, Body: strings.ReplaceAll(string(data), "\r\n", "\n")})
	}
	return fragments, missing, nil
}
