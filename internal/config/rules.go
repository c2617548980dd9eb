package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CategoryRule 分类规则：频道名包含任一关键字且不包含排除词时命中
type CategoryRule struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Exclude  []string `yaml:"exclude"`
}

// Substitution 频道行文本替换
type Substitution struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Rules 分类与替换规则，按顺序匹配
type Rules struct {
	DefaultCategory string         `yaml:"default_category"`
	Categories      []CategoryRule `yaml:"categories"`
	Substitutions   []Substitution `yaml:"substitutions"`
}

// LoadRules 读取规则文件，文件不存在时写入默认规则并返回默认值
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("读取规则文件失败: %w", err)
		}
		fmt.Printf("规则文件 %s 不存在，已写入默认分类规则\n", path)
		if err := os.WriteFile(path, []byte(defaultRulesContent), 0644); err != nil {
			return nil, fmt.Errorf("生成默认规则文件失败: %w", err)
		}
		data = []byte(defaultRulesContent)
	}
	return ParseRules(data)
}

// ParseRules 解析规则内容
func ParseRules(data []byte) (*Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("解析规则文件失败: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return &rules, nil
}

// DefaultRules 返回内置规则
func DefaultRules() *Rules {
	rules, err := ParseRules([]byte(defaultRulesContent))
	if err != nil {
		panic("invalid built-in rules: " + err.Error())
	}
	return rules
}

func (r *Rules) Validate() error {
	if r.DefaultCategory == "" {
		r.DefaultCategory = "其他频道"
	}
	seen := make(map[string]bool)
	for i, c := range r.Categories {
		path := fmt.Sprintf("categories[%d]", i)
		if c.Name == "" {
			return fieldError(path+".name", "must not be empty")
		}
		if seen[c.Name] {
			return fieldError(path+".name", "duplicate category %q", c.Name)
		}
		seen[c.Name] = true
		if len(c.Keywords) == 0 {
			return fieldError(path+".keywords", "must not be empty")
		}
	}
	for i, s := range r.Substitutions {
		if s.From == "" {
			return fieldError(fmt.Sprintf("substitutions[%d].from", i), "must not be empty")
		}
	}
	return nil
}

const defaultRulesContent = `# rules.yaml
# 分类规则按顺序匹配，第一个命中的分类生效；都不命中时归入 default_category

default_category: 其他频道

categories:
  - name: 4K频道
    keywords: ["4K", "8K"]
  - name: 央视频道
    keywords: ["CCTV", "电视指南", "兵器科技", "世界地理", "文化精品", "风云剧场", "风云音乐", "怀旧剧场", "第一剧场", "女性时尚", "风云足球", "央视台球", "央视高网"]
    exclude: ["$GD"]
  - name: 卫视频道
    keywords: ["卫视"]
    exclude: ["北京IPTV", "CHC"]
  - name: 数字频道
    keywords: ["IHOT爱", "北京IPTV", "梨园", "kk"]
    exclude: ["$GD", "调解"]
  - name: 凤凰CHC
    keywords: ["凤凰", "CHC"]
  - name: 省级频道
    keywords: ["湖南", "河南", "陕西", "北京", "江苏", "广东", "浙江", "上海", "天津", "湖北", "四川", "重庆", "河北", "移动戏曲"]

substitutions:
  - {from: "008广", to: "广"}
  - {from: "家庭电影", to: "家庭影院"}
  - {from: "地理世界", to: "世界地理"}
  - {from: "四川康巴卫视", to: "康巴卫视"}
  - {from: "黑龙江卫视+", to: "黑龙江卫视"}
  - {from: "[1920*1080]", to: ""}
  # 央视频道名统一为 CCTVn-栏目
  - {from: "CCTV1,", to: "CCTV1-综合,"}
  - {from: "CCTV2,", to: "CCTV2-财经,"}
  - {from: "CCTV3,", to: "CCTV3-综艺,"}
  - {from: "CCTV4,", to: "CCTV4-国际,"}
  - {from: "CCTV5,", to: "CCTV5-体育,"}
  - {from: "CCTV5+,", to: "CCTV5-体育plus,"}
  - {from: "CCTV6,", to: "CCTV6-电影,"}
  - {from: "CCTV7,", to: "CCTV7-军事,"}
  - {from: "CCTV8,", to: "CCTV8-电视剧,"}
  - {from: "CCTV9,", to: "CCTV9-纪录,"}
  - {from: "CCTV10,", to: "CCTV10-科教,"}
  - {from: "CCTV11,", to: "CCTV11-戏曲,"}
  - {from: "CCTV11+,", to: "CCTV11-戏曲,"}
  - {from: "CCTV12,", to: "CCTV12-社会与法,"}
  - {from: "CCTV13,", to: "CCTV13-新闻,"}
  - {from: "CCTV14,", to: "CCTV14-少儿,"}
  - {from: "CCTV15,", to: "CCTV15-音乐,"}
  - {from: "CCTV16,", to: "CCTV16-奥林匹克,"}
  - {from: "CCTV17,", to: "CCTV17-农业农村,"}
  - {from: "CCTV风", to: "风"}
  - {from: "CCTV兵", to: "兵"}
  - {from: "CCTV世", to: "世"}
  - {from: "CCTV女", to: "女"}
  - {from: "湖北电视台", to: "湖北综合"}
  - {from: "星河", to: "TVB星河"}
`
