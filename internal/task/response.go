package task

import (
	"time"

	xerrors "ARC-Router/internal/errors"
)

// MetaAdapter 是记录产出适配器名称的元数据键。
const MetaAdapter = "adapter"

// DefaultConfidence 是缺失置信度在合并计算中的取值。
const DefaultConfidence = 0.5

// Response 描述一次适配器调用或合并得到的结果。Success 为 false 时 Output 必为 nil。
type Response struct {
	TaskID     string         `json:"task_id"`
	Output     any            `json:"output"`
	Confidence *float64       `json:"confidence,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Metadata   map[string]any `json:"metadata"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Confidence 构造一个置信度指针，取值被限制在 [0,1]。
func Confidence(v float64) *float64 {
	c := ClampConfidence(v)
	return &c
}

// ClampConfidence 将数值限制在 [0,1]。
func ClampConfidence(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Succeeded 构造成功响应。
func Succeeded(taskID, adapter string, output any, confidence *float64) *Response {
	return &Response{
		TaskID:     taskID,
		Output:     output,
		Confidence: confidence,
		Success:    true,
		Metadata:   map[string]any{MetaAdapter: adapter},
		Timestamp:  time.Now().UTC(),
	}
}

// Failed 构造失败响应。code 为空时从 err 中推断。
func Failed(taskID, adapter string, code xerrors.Code, err error) *Response {
	message := "unknown failure"
	if err != nil {
		message = err.Error()
	}
	if code == "" {
		code = xerrors.CodeOf(err)
	}
	return &Response{
		TaskID:    taskID,
		Success:   false,
		Error:     message,
		ErrorCode: string(code),
		Metadata:  map[string]any{MetaAdapter: adapter},
		Timestamp: time.Now().UTC(),
	}
}

// ConfidenceOr 返回置信度，缺失时返回 def。
func (r *Response) ConfidenceOr(def float64) float64 {
	if r == nil || r.Confidence == nil {
		return def
	}
	return *r.Confidence
}

// Adapter 返回产出该响应的适配器名称。
func (r *Response) Adapter() string {
	if r == nil {
		return ""
	}
	name, _ := r.Metadata[MetaAdapter].(string)
	return name
}

// WithMetadata 返回追加了元数据的副本，原响应保持不变。
func (r *Response) WithMetadata(key string, value any) *Response {
	clone := r.Clone()
	if clone.Metadata == nil {
		clone.Metadata = make(map[string]any, 1)
	}
	clone.Metadata[key] = value
	return clone
}

// Clone 复制响应及其元数据。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Metadata = CloneMap(r.Metadata)
	if r.Confidence != nil {
		c := *r.Confidence
		clone.Confidence = &c
	}
	return &clone
}

// Normalize 修正违反不变量的响应：失败响应不携带输出，且必须有错误描述。
func (r *Response) Normalize(taskID, adapter string) *Response {
	if r == nil {
		return nil
	}
	clone := r.Clone()
	if clone.TaskID == "" {
		clone.TaskID = taskID
	}
	if clone.Metadata == nil {
		clone.Metadata = make(map[string]any, 1)
	}
	if _, ok := clone.Metadata[MetaAdapter]; !ok && adapter != "" {
		clone.Metadata[MetaAdapter] = adapter
	}
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now().UTC()
	}
	if clone.Confidence != nil {
		clone.Confidence = Confidence(*clone.Confidence)
	}
	if !clone.Success {
		clone.Output = nil
		if clone.Error == "" {
			clone.Error = "adapter reported failure without detail"
		}
	} else {
		clone.Error = ""
		clone.ErrorCode = ""
	}
	return clone
}
