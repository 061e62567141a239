package routing

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/task"
)

// Rule 将任务类型映射到主适配器、有序的备选适配器以及调度模式。
type Rule struct {
	Kind      task.Kind `json:"kind" yaml:"kind"`
	Primary   string    `json:"primary" yaml:"primary"`
	Fallbacks []string  `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
	Ensemble  bool      `json:"ensemble" yaml:"ensemble"`
}

// Validate 检查规则是否完整。
func (r Rule) Validate() error {
	if strings.TrimSpace(string(r.Kind)) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "路由规则缺少 kind")
	}
	if strings.TrimSpace(r.Primary) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("路由规则 %s 缺少 primary", r.Kind))
	}
	for i, name := range r.Fallbacks {
		if strings.TrimSpace(name) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("路由规则 %s 的第 %d 个 fallback 为空", r.Kind, i))
		}
	}
	return nil
}

func (r Rule) clone() Rule {
	r.Fallbacks = append([]string(nil), r.Fallbacks...)
	return r
}

// Candidates 返回候选适配器列表：主适配器在前，随后是备选，按出现顺序去重。
// 关闭 fallback 时只返回主适配器。
func Candidates(rule Rule, fallbackEnabled bool) []string {
	names := make([]string, 0, 1+len(rule.Fallbacks))
	seen := make(map[string]struct{}, 1+len(rule.Fallbacks))
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	add(rule.Primary)
	if fallbackEnabled {
		for _, name := range rule.Fallbacks {
			add(name)
		}
	}
	return names
}

// Table 保存任务类型到路由规则的映射。读多写少，使用读写锁保护。
// 默认规则（unspecified）始终存在且不可删除。
type Table struct {
	mu    sync.RWMutex
	rules map[task.Kind]Rule
}

// NewTable 使用默认规则构造路由表。defaultRule 的 Kind 会被强制设为 unspecified。
func NewTable(defaultRule Rule) (*Table, error) {
	defaultRule.Kind = task.KindUnspecified
	if err := defaultRule.Validate(); err != nil {
		return nil, err
	}
	return &Table{rules: map[task.Kind]Rule{task.KindUnspecified: defaultRule.clone()}}, nil
}

// SetRule 按 kind 插入或覆盖规则，最后一次写入生效。
func (t *Table) SetRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	t.rules[rule.Kind] = rule.clone()
	t.mu.Unlock()
	return nil
}

// GetRule 返回 kind 对应的规则，未注册时回退到默认规则。第二个返回值表示是否精确命中。
func (t *Table) GetRule(kind task.Kind) (Rule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rule, ok := t.rules[kind]; ok {
		return rule.clone(), true
	}
	return t.rules[task.KindUnspecified].clone(), false
}

// Has 判断是否为 kind 注册了专属规则。
func (t *Table) Has(kind task.Kind) bool {
	t.mu.RLock()
	_, ok := t.rules[kind]
	t.mu.RUnlock()
	return ok
}

// ListRules 按 kind 字典序返回全部规则的副本。
func (t *Table) ListRules() []Rule {
	t.mu.RLock()
	rules := make([]Rule, 0, len(t.rules))
	for _, rule := range t.rules {
		rules = append(rules, rule.clone())
	}
	t.mu.RUnlock()
	sort.Slice(rules, func(i, j int) bool { return rules[i].Kind < rules[j].Kind })
	return rules
}

// RemoveRule 删除 kind 的规则。默认规则不可删除。
func (t *Table) RemoveRule(kind task.Kind) error {
	if kind == task.KindUnspecified || kind == "" {
		return xerrors.New(xerrors.CodeConflict, "默认路由规则不可删除")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rules[kind]; !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("路由规则 %s 不存在", kind))
	}
	delete(t.rules, kind)
	return nil
}

// Replace 原子替换全部规则。新规则集缺少默认规则时保留当前默认规则。
func (t *Table) Replace(rules []Rule) error {
	next := make(map[task.Kind]Rule, len(rules)+1)
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return err
		}
		next[rule.Kind] = rule.clone()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := next[task.KindUnspecified]; !ok {
		next[task.KindUnspecified] = t.rules[task.KindUnspecified]
	}
	t.rules = next
	return nil
}
