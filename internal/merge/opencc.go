package merge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/liuzl/gocc"
)

// NewOpenCC 创建繁体转简体转换器
// dir 为 gocc 字典目录，需包含 config/t2s.json 与 dictionary/
func NewOpenCC(dir string) (Converter, error) {
	if dir == "" {
		return nil, errors.New("未指定 opencc_dir")
	}
	if _, err := os.Stat(filepath.Join(dir, "config", "t2s.json")); err != nil {
		return nil, fmt.Errorf("gocc 字典目录不可用: %w", err)
	}
	*gocc.Dir = dir
	converter, err := gocc.New("t2s")
	if err != nil {
		return nil, fmt.Errorf("初始化繁简转换失败: %w", err)
	}
	return converter, nil
}
