package task

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ARC-Router/internal/errors"
)

// Kind 表示任务类型标签。
type Kind string

const (
	KindUnspecified    Kind = "unspecified"
	KindMultiStep      Kind = "multi_step"
	KindPercentage     Kind = "percentage"
	KindEquation       Kind = "equation"
	KindComparison     Kind = "comparison"
	KindRate           Kind = "rate"
	KindStatistics     Kind = "statistics"
	KindMultimodal     Kind = "multimodal"
	KindTextGeneration Kind = "text-generation"
	KindCompletion     Kind = "completion"
	KindAnalysis       Kind = "analysis"
	KindSummarization  Kind = "summarization"
)

var builtinKinds = map[Kind]struct{}{
	KindUnspecified:    {},
	KindMultiStep:      {},
	KindPercentage:     {},
	KindEquation:       {},
	KindComparison:     {},
	KindRate:           {},
	KindStatistics:     {},
	KindMultimodal:     {},
	KindTextGeneration: {},
	KindCompletion:     {},
	KindAnalysis:       {},
	KindSummarization:  {},
}

// IsBuiltin 判断类型是否为内置枚举值。
func (k Kind) IsBuiltin() bool {
	_, ok := builtinKinds[k]
	return ok
}

// BuiltinKinds 按字典序返回全部内置类型。
func BuiltinKinds() []Kind {
	kinds := make([]Kind, 0, len(builtinKinds))
	for kind := range builtinKinds {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// IsSet 判断任务是否携带了明确的类型。
func (k Kind) IsSet() bool {
	return k != "" && k != KindUnspecified
}

// ContentFields 按优先级列出可识别的文本内容字段。
var ContentFields = []string{"content", "prompt", "query", "text", "question", "message"}

// ImageFields 列出携带图像数据的字段。
var ImageFields = []string{"image", "image_url", "images", "image_base64"}

// Task 描述提交给路由引擎的一个工作单元。创建后 ID 不再改变。
type Task struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind,omitempty"`
	Payload     map[string]any `json:"payload"`
	RequesterID string         `json:"requester_id,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Option 定义任务的可选字段。
type Option func(*Task)

// WithID 使用调用方提供的 ID。
func WithID(id string) Option {
	return func(t *Task) {
		t.ID = strings.TrimSpace(id)
	}
}

// WithKind 指定任务类型。
func WithKind(kind Kind) Option {
	return func(t *Task) {
		t.Kind = kind
	}
}

// WithRequester 记录请求方。
func WithRequester(requester string) Option {
	return func(t *Task) {
		t.RequesterID = requester
	}
}

// WithPriority 设置优先级。
func WithPriority(priority int) Option {
	return func(t *Task) {
		t.Priority = priority
	}
}

// WithMetadata 附加任务元数据。
func WithMetadata(metadata map[string]any) Option {
	return func(t *Task) {
		t.Metadata = CloneMap(metadata)
	}
}

// New 构造并校验任务，未指定 ID 时自动生成。
func New(payload map[string]any, opts ...Option) (*Task, error) {
	t := &Task{
		Payload:   CloneMap(payload),
		Kind:      KindUnspecified,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Kind == "" {
		t.Kind = KindUnspecified
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate 检查任务的不变量。
func (t *Task) Validate() error {
	if t == nil {
		return xerrors.New(CodeValidation, "task 不能为空")
	}
	if strings.TrimSpace(t.ID) == "" {
		return xerrors.New(CodeValidation, "任务 ID 不能为空")
	}
	if t.Priority < 0 {
		return xerrors.New(CodeValidation, fmt.Sprintf("任务优先级不能为负数: %d", t.Priority))
	}
	if len(t.Payload) == 0 {
		return xerrors.New(CodeValidation, "任务 payload 不能为空")
	}
	if !t.hasContent() {
		return xerrors.New(CodeValidation,
			fmt.Sprintf("payload 缺少可识别的内容字段 (%s)", strings.Join(append(append([]string{}, ContentFields...), ImageFields...), ", ")))
	}
	return nil
}

func (t *Task) hasContent() bool {
	for _, field := range ContentFields {
		if v, ok := t.Payload[field]; ok && v != nil {
			return true
		}
	}
	return t.HasImage()
}

// HasImage 判断 payload 是否携带图像字段。
func (t *Task) HasImage() bool {
	if t == nil {
		return false
	}
	for _, field := range ImageFields {
		if v, ok := t.Payload[field]; ok && v != nil {
			if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
				continue
			}
			return true
		}
	}
	return false
}

// PrimaryContent 返回第一个可识别内容字段的文本形式。
func (t *Task) PrimaryContent() (string, bool) {
	if t == nil {
		return "", false
	}
	for _, field := range ContentFields {
		v, ok := t.Payload[field]
		if !ok || v == nil {
			continue
		}
		return Stringify(v), true
	}
	return "", false
}

// WithKind 返回更换了类型的副本，ID 保持不变。
func (t *Task) WithKind(kind Kind) *Task {
	clone := t.Clone()
	clone.Kind = kind
	return clone
}

// Clone 深拷贝顶层 map。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Payload = CloneMap(t.Payload)
	clone.Metadata = CloneMap(t.Metadata)
	return &clone
}

// CloneMap 复制一个 map，nil 保持为 nil。
func CloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	cloned := make(map[string]any, len(src))
	for key, value := range src {
		cloned[key] = value
	}
	return cloned
}

// Stringify 将任意输出转换为文本：字符串原样返回，其他值编码为 JSON。
func Stringify(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case fmt.Stringer:
		return value.String()
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(encoded)
}
