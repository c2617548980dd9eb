package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/luoye20230624/ZB/internal/model"
	"github.com/luoye20230624/ZB/internal/util"
)

var (
	ErrConfigNotFound  = errors.New("region config not found")
	ErrConfigMalformed = errors.New("region config malformed")
)

const genreMarker = "#genre#"

// RegionKey 地区标识：省份 + 运营商
type RegionKey struct {
	Region string
	ISP    string
}

func (k RegionKey) String() string {
	return k.Region + "_" + k.ISP
}

// ParseRegionKey 解析 广东_电信 形式的地区标识
func ParseRegionKey(s string) (RegionKey, error) {
	region, isp, ok := util.SplitRegionFileName(strings.TrimSuffix(s, ".txt") + ".txt")
	if !ok {
		return RegionKey{}, fmt.Errorf("invalid region %q, want <省份>_<运营商>", s)
	}
	return RegionKey{Region: region, ISP: isp}, nil
}

// DiscoverRegions 列出目录中所有 <省份>_<运营商>.txt，按文件名排序
func DiscoverRegions(dir string) ([]RegionKey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var keys []RegionKey
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		region, isp, ok := util.SplitRegionFileName(e.Name())
		if !ok {
			continue
		}
		keys = append(keys, RegionKey{Region: region, ISP: isp})
	}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}

// LoadRegionProfile 读取 dir/<region>_<isp>.txt 并解析出参考组播地址和频道模板
func LoadRegionProfile(dir, region, isp string) (*model.RegionProfile, error) {
	path := filepath.Join(dir, util.RegionFileName(region, isp))

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("读取地区配置失败 %s: %w", path, err)
	}

	content, err := decodeText(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigMalformed, path, err)
	}

	addr := util.FindRTPAddr(content)
	if addr == "" {
		return nil, fmt.Errorf("%w: %s: no rtp://ip:port address", ErrConfigMalformed, path)
	}

	profile := &model.RegionProfile{
		Region:        region,
		ISP:           isp,
		ReferenceAddr: addr,
		Raw:           content,
		Path:          path,
	}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, tmpl, ok := strings.Cut(line, ",")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		tmpl = strings.TrimSpace(tmpl)
		if tmpl == genreMarker {
			if profile.Header == "" && len(profile.Template) == 0 {
				profile.Header = line
			}
			continue
		}
		profile.Template = append(profile.Template, model.ChannelTemplate{Name: name, Template: tmpl})
	}

	if len(profile.Template) == 0 {
		return nil, fmt.Errorf("%w: %s: no channel lines", ErrConfigMalformed, path)
	}

	return profile, nil
}

// decodeText 检测文件编码，非 UTF-8 时按 GBK 解码
func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(data) {
		return normalizeNewlines(string(data)), nil
	}

	utf8Reader := transform.NewReader(bytes.NewReader(data), simplifiedchinese.GBK.NewDecoder())
	decoded, err := io.ReadAll(utf8Reader)
	if err != nil {
		return "", err
	}
	return normalizeNewlines(string(decoded)), nil
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
