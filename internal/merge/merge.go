package merge

import (
	"fmt"
	"strconv"

	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/task"
)

// EnsembleAdapter 是合成响应记录的适配器名称。
const EnsembleAdapter = "ensemble"

// Config 控制一次合并。
type Config struct {
	Strategy Strategy `json:"strategy"`
	// ConfidenceFloor 为 0 表示不过滤。缺失的置信度按 0.5 参与比较。
	ConfidenceFloor float64 `json:"confidence_floor"`
	// MinSources 是合并所需的最少成功响应数，小于 1 时按 1 处理。
	MinSources           int  `json:"min_sources"`
	DetectContradictions bool `json:"detect_contradictions"`
}

// DefaultConfig 返回引擎默认使用的合并配置。
func DefaultConfig() Config {
	return Config{Strategy: Consensus, DetectContradictions: true}
}

// Quality 汇总合并结果的可信程度。
type Quality struct {
	OverallConfidence float64  `json:"overall_confidence"`
	AgreementScore    float64  `json:"agreement_score"`
	HasContradictions bool     `json:"has_contradictions"`
	ReliabilityScore  float64  `json:"reliability_score"`
	Warnings          []string `json:"warnings"`
}

// SourceSummary 描述参与合并的单个响应。
type SourceSummary struct {
	ID         string   `json:"id"`
	Adapter    string   `json:"adapter"`
	Confidence *float64 `json:"confidence,omitempty"`
	Success    bool     `json:"success"`
}

// Result 是合并后的响应及合并元数据。
type Result struct {
	task.Response
	Strategy      Strategy        `json:"strategy"`
	TotalSources  int             `json:"total_sources"`
	Succeeded     int             `json:"succeeded"`
	Failed        int             `json:"failed"`
	Quality       Quality         `json:"quality"`
	Contradiction *Contradiction  `json:"contradiction,omitempty"`
	Sources       []SourceSummary `json:"sources"`
}

// source 是一个合格响应及其派生属性。
type source struct {
	resp       *task.Response
	label      string
	key        string
	confidence float64
}

// Merge 将响应集合归并为一个结果。
//
// 只有空集合会返回 error；其余失败（成功数不足、置信度下限未满足）以
// Success=false 的 Result 表示。
func Merge(responses []*task.Response, cfg Config) (*Result, error) {
	if len(responses) == 0 {
		return nil, xerrors.New(task.CodeEmptyResponseSet, "merge 至少需要一个响应")
	}
	if !cfg.Strategy.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的合并策略: %d", int(cfg.Strategy)))
	}

	result := &Result{
		Strategy:     cfg.Strategy,
		TotalSources: len(responses),
		Sources:      make([]SourceSummary, 0, len(responses)),
	}

	taskID := ""
	var successes []source
	for i, resp := range responses {
		if resp == nil {
			result.Failed++
			result.Sources = append(result.Sources, SourceSummary{ID: "#" + strconv.Itoa(i), Adapter: labelFor(nil, i)})
			continue
		}
		if taskID == "" {
			taskID = resp.TaskID
		}
		label := labelFor(resp, i)
		result.Sources = append(result.Sources, SourceSummary{
			ID:         sourceID(resp, i),
			Adapter:    label,
			Confidence: resp.Confidence,
			Success:    resp.Success,
		})
		if !resp.Success {
			result.Failed++
			continue
		}
		result.Succeeded++
		successes = append(successes, source{
			resp:       resp,
			label:      label,
			key:        normalize(resp.Output),
			confidence: resp.ConfidenceOr(task.DefaultConfidence),
		})
	}

	minSources := cfg.MinSources
	if minSources < 1 {
		minSources = 1
	}
	if len(successes) < minSources {
		err := xerrors.New(task.CodeInsufficientSources,
			fmt.Sprintf("仅有 %d 个成功响应，至少需要 %d 个", len(successes), minSources))
		return result.fail(taskID, err), nil
	}

	qualified := successes
	if cfg.ConfidenceFloor > 0 {
		qualified = make([]source, 0, len(successes))
		for _, s := range successes {
			if s.confidence >= cfg.ConfidenceFloor {
				qualified = append(qualified, s)
			}
		}
		if len(qualified) == 0 {
			err := xerrors.New(task.CodeConfidenceFloorUnmet,
				fmt.Sprintf("没有响应达到置信度下限 %.2f", cfg.ConfidenceFloor))
			return result.fail(taskID, err), nil
		}
	}

	labels := make([]string, len(qualified))
	keys := make([]string, len(qualified))
	for i, s := range qualified {
		labels[i] = s.label
		keys[i] = s.key
	}
	pairs := pairwise(keys)
	if cfg.DetectContradictions {
		result.Contradiction = detectContradictions(labels, pairs)
	}

	var merged *task.Response
	if len(qualified) == 1 {
		merged = qualified[0].resp.Clone()
	} else {
		merged = result.apply(cfg.Strategy, taskID, qualified)
	}
	result.Quality = assess(qualified, pairs, result.Contradiction)

	merged = merged.WithMetadata("merge_strategy", result.Strategy.String())
	merged.Metadata["merged_sources"] = len(qualified)
	result.Response = *merged
	return result, nil
}

func (r *Result) fail(taskID string, err error) *Result {
	resp := task.Failed(taskID, EnsembleAdapter, xerrors.CodeOf(err), err)
	resp.Metadata["merge_strategy"] = r.Strategy.String()
	r.Response = *resp
	r.Quality = assess(nil, nil, nil)
	if e, ok := xerrors.From(err); ok {
		r.Quality.Warnings = append([]string{e.Message()}, r.Quality.Warnings...)
	}
	return r
}

func labelFor(resp *task.Response, index int) string {
	if name := resp.Adapter(); name != "" {
		return name
	}
	return "source-" + strconv.Itoa(index+1)
}

func sourceID(resp *task.Response, index int) string {
	if id, ok := resp.Metadata["response_id"].(string); ok && id != "" {
		return id
	}
	return resp.TaskID + "#" + strconv.Itoa(index)
}

// assess 基于合格响应计算质量评估，与所用策略无关。
func assess(qualified []source, pairs []pair, contradiction *Contradiction) Quality {
	q := Quality{AgreementScore: 1, Warnings: []string{}}
	if len(qualified) > 0 {
		var total float64
		for _, s := range qualified {
			total += s.confidence
		}
		q.OverallConfidence = total / float64(len(qualified))
	}
	if len(pairs) > 0 {
		var total float64
		for _, p := range pairs {
			total += p.similarity
		}
		q.AgreementScore = total / float64(len(pairs))
	}
	q.HasContradictions = contradiction != nil && contradiction.Detected
	q.ReliabilityScore = 0.6*q.OverallConfidence + 0.4*q.AgreementScore

	if q.HasContradictions {
		q.Warnings = append(q.Warnings, "sources contradict each other: "+contradiction.Description)
	}
	for _, s := range qualified {
		if s.confidence < 0.5 {
			q.Warnings = append(q.Warnings, fmt.Sprintf("low confidence from %s (%.2f)", s.label, s.confidence))
		}
	}
	if q.AgreementScore < 0.5 {
		q.Warnings = append(q.Warnings, fmt.Sprintf("low agreement between sources (%.2f)", q.AgreementScore))
	}
	if len(qualified) < 2 {
		q.Warnings = append(q.Warnings, "fewer than two qualified sources; no cross-validation possible")
	}
	return q
}
