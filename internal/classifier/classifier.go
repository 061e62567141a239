package classifier

import (
	"encoding/json"
	"regexp"
	"strings"

	"ARC-Router/internal/task"
)

// Classification 描述一次分类的结果及命中的关键字。
type Classification struct {
	Kind       task.Kind `json:"kind"`
	Confidence float64   `json:"confidence"`
	Matched    string    `json:"matched,omitempty"`
	Explicit   bool      `json:"explicit"`
}

// Recognizer 判断一个非内置类型是否被系统接受，通常由路由表提供。
type Recognizer func(kind task.Kind) bool

// Classifier 通过有序的关键字组推断任务类型。实例本身无状态，可并发使用。
type Classifier struct {
	recognize Recognizer
	groups    []group
}

// Option 定义分类器的可选配置。
type Option func(*Classifier)

// WithRecognizer 允许调用方接受自定义的任务类型。
func WithRecognizer(r Recognizer) Option {
	return func(c *Classifier) {
		c.recognize = r
	}
}

// New 构造分类器。
func New(opts ...Option) *Classifier {
	c := &Classifier{groups: defaultGroups()}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Classify 返回任务类型。显式指定且可识别的类型永远不会被覆盖。
func (c *Classifier) Classify(t *task.Task) task.Kind {
	return c.Explain(t).Kind
}

// Explain 返回分类结果及命中依据。
func (c *Classifier) Explain(t *task.Task) Classification {
	if t == nil {
		return Classification{Kind: task.KindUnspecified}
	}
	if c.recognized(t.Kind) {
		return Classification{Kind: t.Kind, Confidence: 1, Explicit: true}
	}

	text := signal(t)
	for _, g := range c.groups {
		if matched, ok := g.match(text, t); ok {
			return Classification{Kind: g.kind, Confidence: g.confidence, Matched: matched}
		}
	}
	return Classification{Kind: task.KindUnspecified}
}

func (c *Classifier) recognized(kind task.Kind) bool {
	if !kind.IsSet() {
		return false
	}
	if kind.IsBuiltin() {
		return true
	}
	return c.recognize != nil && c.recognize(kind)
}

// signal 提取小写的文本信号：优先使用主内容字段，否则序列化 payload。
// 图像字段不参与序列化，base64 数据里的片段不应触发关键字。
func signal(t *task.Task) string {
	if content, ok := t.PrimaryContent(); ok {
		return strings.ToLower(content)
	}
	rest := task.CloneMap(t.Payload)
	for _, field := range task.ImageFields {
		delete(rest, field)
	}
	if len(rest) == 0 {
		return ""
	}
	// encoding/json 对 map 键排序，结果是确定的。
	encoded, err := json.Marshal(rest)
	if err != nil {
		return ""
	}
	return strings.ToLower(string(encoded))
}

type group struct {
	kind       task.Kind
	confidence float64
	match      func(text string, t *task.Task) (string, bool)
}

func defaultGroups() []group {
	multiStep := newMatcher("then", "after that", "first", "next", "finally")
	percentage := newMatcher("%", "percent", "percentage", "discount", "tax", "tip")
	variable := newMatcher("x", "y", "unknown", "what number", "how many", "how much")
	comparison := newMatcher("twice", "double", "triple", "half", "times as much", "more than", "less than")
	rateMarker := newMatcher("per", "an hour", "per hour", "each", "at")
	rateContext := newMatcher("work", "worked", "works", "earn", "earns", "make", "makes",
		"buy", "buys", "cost", "costs", "speed", "dollar", "dollars", "$")
	statistics := newMatcher("average", "mean", "median")
	visual := newMatcher("image", "picture", "photo", "diagram", "chart", "screenshot")

	return []group{
		{kind: task.KindMultiStep, confidence: 0.95, match: single(multiStep)},
		{kind: task.KindPercentage, confidence: 0.95, match: single(percentage)},
		{kind: task.KindEquation, confidence: 0.95, match: func(text string, _ *task.Task) (string, bool) {
			if !strings.Contains(text, "=") {
				return "", false
			}
			v, ok := variable.find(text)
			if !ok {
				return "", false
			}
			return v + " =", true
		}},
		{kind: task.KindComparison, confidence: 0.90, match: single(comparison)},
		{kind: task.KindRate, confidence: 0.92, match: func(text string, _ *task.Task) (string, bool) {
			marker, ok := rateMarker.find(text)
			if !ok {
				return "", false
			}
			ctx, ok := rateContext.find(text)
			if !ok {
				return "", false
			}
			return marker + " + " + ctx, true
		}},
		{kind: task.KindStatistics, confidence: 0.95, match: single(statistics)},
		{kind: task.KindMultimodal, confidence: 0.95, match: func(text string, t *task.Task) (string, bool) {
			if t.HasImage() {
				return "image field", true
			}
			return visual.find(text)
		}},
	}
}

func single(m *matcher) func(string, *task.Task) (string, bool) {
	return func(text string, _ *task.Task) (string, bool) {
		return m.find(text)
	}
}

// matcher 按关键字顺序查找。字母关键字要求两侧不是字母（"2x" 命中 x，"tax" 不命中 x），符号按子串匹配。
type matcher struct {
	keywords []string
	patterns []*regexp.Regexp
}

func newMatcher(keywords ...string) *matcher {
	m := &matcher{keywords: keywords, patterns: make([]*regexp.Regexp, len(keywords))}
	for i, kw := range keywords {
		if isWord(kw) {
			m.patterns[i] = regexp.MustCompile(`(?:^|[^a-z])` + regexp.QuoteMeta(kw) + `(?:[^a-z]|$)`)
		}
	}
	return m
}

func (m *matcher) find(text string) (string, bool) {
	for i, kw := range m.keywords {
		if p := m.patterns[i]; p != nil {
			if p.MatchString(text) {
				return kw, true
			}
			continue
		}
		if strings.Contains(text, kw) {
			return kw, true
		}
	}
	return "", false
}

func isWord(kw string) bool {
	for _, r := range kw {
		if !(r >= 'a' && r <= 'z') && r != ' ' {
			return false
		}
	}
	return kw != ""
}
