package dispatch

import (
	"time"

	"ARC-Router/internal/classifier"
	"ARC-Router/internal/merge"
	"ARC-Router/internal/task"
)

// Mode 描述一次调度采用的路径。
type Mode string

const (
	ModeFallback Mode = "fallback"
	ModeEnsemble Mode = "ensemble"
)

// EngineAdapter 是引擎自身产生的失败响应所记录的适配器名称。
const EngineAdapter = "dispatch"

// Attempt 记录单个候选适配器的执行情况。
type Attempt struct {
	Adapter   string        `json:"adapter"`
	Skipped   bool          `json:"skipped"`
	Success   bool          `json:"success"`
	Calls     int           `json:"calls"`
	Retries   int           `json:"retries"`
	Error     string        `json:"error,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Result 是一次调度的最终响应及过程信息。
type Result struct {
	task.Response
	Kind           task.Kind                  `json:"kind"`
	Mode           Mode                       `json:"mode"`
	Classification *classifier.Classification `json:"classification,omitempty"`
	Attempts       []Attempt                  `json:"attempts"`
	Merge          *merge.Result              `json:"merge,omitempty"`
}

// Attempted 返回实际调用过的适配器名称。
func (r *Result) Attempted() []string {
	names := make([]string, 0, len(r.Attempts))
	for _, a := range r.Attempts {
		if !a.Skipped {
			names = append(names, a.Adapter)
		}
	}
	return names
}

// Skipped 返回因未注册而被跳过的适配器名称。
func (r *Result) Skipped() []string {
	names := make([]string, 0)
	for _, a := range r.Attempts {
		if a.Skipped {
			names = append(names, a.Adapter)
		}
	}
	return names
}
