package routing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"ARC-Router/internal/task"
)

// RuleFile models the structure of configs/routes.yaml.
type RuleFile struct {
	Default *Rule  `yaml:"default"`
	Rules   []Rule `yaml:"rules"`
}

// All 返回文件中的全部规则，默认规则（若存在）排在最前。
func (f RuleFile) All() []Rule {
	rules := make([]Rule, 0, len(f.Rules)+1)
	if f.Default != nil {
		def := *f.Default
		def.Kind = task.KindUnspecified
		rules = append(rules, def)
	}
	return append(rules, f.Rules...)
}

// LoadRules parses the YAML routing file and validates every rule.
func LoadRules(path string) (RuleFile, error) {
	if strings.TrimSpace(path) == "" {
		return RuleFile{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return RuleFile{}, fmt.Errorf("读取路由配置失败: %w", err)
	}
	return ParseRules(content)
}

// ParseRules 解析 YAML 内容。
func ParseRules(content []byte) (RuleFile, error) {
	var file RuleFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return RuleFile{}, fmt.Errorf("解析路由配置失败: %w", err)
	}
	seen := make(map[task.Kind]struct{}, len(file.Rules))
	for _, rule := range file.All() {
		if err := rule.Validate(); err != nil {
			return RuleFile{}, err
		}
		if _, dup := seen[rule.Kind]; dup {
			return RuleFile{}, fmt.Errorf("路由配置中 kind %s 重复", rule.Kind)
		}
		seen[rule.Kind] = struct{}{}
	}
	return file, nil
}

// Apply 将规则文件整体替换到路由表中。
func (f RuleFile) Apply(table *Table) error {
	return table.Replace(f.All())
}
