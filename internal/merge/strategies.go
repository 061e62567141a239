package merge

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"ARC-Router/internal/task"
)

// Divider 分隔拼接策略中的各段输出。
const Divider = "\n\n---\n\n"

func (r *Result) apply(strategy Strategy, taskID string, qualified []source) *task.Response {
	switch strategy {
	case HighestConfidence:
		return highestConfidence(qualified)
	case Consensus:
		return consensus(taskID, qualified)
	case WeightedAverage:
		resp, ok := weightedAverage(taskID, qualified)
		if ok {
			return resp
		}
		r.Strategy = Concatenation
		return concatenate(taskID, qualified).WithMetadata("requested_strategy", WeightedAverage.String())
	case Concatenation:
		return concatenate(taskID, qualified)
	case StructuredEnsemble:
		return structuredEnsemble(taskID, qualified)
	default:
		return qualified[0].resp.Clone()
	}
}

// highestConfidence 选出置信度最高的响应，缺失按 0 比较，平局取先出现者。
func highestConfidence(qualified []source) *task.Response {
	best := 0
	bestScore := qualified[0].resp.ConfidenceOr(0)
	for i := 1; i < len(qualified); i++ {
		if score := qualified[i].resp.ConfidenceOr(0); score > bestScore {
			best, bestScore = i, score
		}
	}
	return qualified[best].resp.Clone()
}

// Vote 是共识策略中一个答案分组的得票情况。
type Vote struct {
	Value    string   `json:"value"`
	Votes    int      `json:"votes"`
	Adapters []string `json:"adapters"`
}

// consensus 按规范化输出分组，票数最多者胜；平局比较置信度之和，再按首次出现顺序。
func consensus(taskID string, qualified []source) *task.Response {
	type group struct {
		first   int
		members []int
		sum     float64
	}
	index := make(map[string]*group)
	order := make([]string, 0, len(qualified))
	for i, s := range qualified {
		g, ok := index[s.key]
		if !ok {
			g = &group{first: i}
			index[s.key] = g
			order = append(order, s.key)
		}
		g.members = append(g.members, i)
		g.sum += s.confidence
	}

	winnerKey := order[0]
	for _, key := range order[1:] {
		g, w := index[key], index[winnerKey]
		if len(g.members) > len(w.members) || (len(g.members) == len(w.members) && g.sum > w.sum) {
			winnerKey = key
		}
	}

	votes := make([]Vote, 0, len(order))
	for _, key := range order {
		g := index[key]
		v := Vote{Value: key, Votes: len(g.members), Adapters: make([]string, 0, len(g.members))}
		for _, m := range g.members {
			v.Adapters = append(v.Adapters, qualified[m].label)
		}
		votes = append(votes, v)
	}

	winner := index[winnerKey]
	size := float64(len(winner.members))
	ratio := size / float64(len(qualified))
	confidence := ratio * (winner.sum / size)

	resp := task.Succeeded(taskID, EnsembleAdapter, qualified[winner.first].resp.Output, task.Confidence(confidence))
	resp.Metadata["votes"] = votes
	resp.Metadata["agreement_ratio"] = ratio
	resp.Metadata["adapters"] = labels(qualified)
	return resp
}

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// numericValue 解析数值：数字类型直接使用，字符串取第一个数字子串。
func numericValue(output any) (float64, bool) {
	switch v := output.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		match := numberPattern.FindString(v)
		if match == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(match, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// weightedAverage 计算置信度加权平均值，并按加权标准差收缩置信度。
// 没有可解析的数值时返回 false。
func weightedAverage(taskID string, qualified []source) (*task.Response, bool) {
	values := make([]float64, 0, len(qualified))
	weights := make([]float64, 0, len(qualified))
	used := make([]string, 0, len(qualified))
	excluded := []string{}
	for _, s := range qualified {
		v, ok := numericValue(s.resp.Output)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			excluded = append(excluded, s.label)
			continue
		}
		values = append(values, v)
		weights = append(weights, s.confidence)
		used = append(used, s.label)
	}
	if len(values) == 0 {
		return nil, false
	}

	var weightSum float64
	for _, w := range weights {
		weightSum += w
	}
	// 置信度基于原始置信度的均值，等权只用于数值计算。
	baseConfidence := weightSum / float64(len(weights))
	if weightSum == 0 {
		for i := range weights {
			weights[i] = 1
		}
		weightSum = float64(len(weights))
	}

	var mean float64
	for i, v := range values {
		mean += v * weights[i]
	}
	mean /= weightSum

	var variance float64
	for i, v := range values {
		variance += weights[i] * (v - mean) * (v - mean)
	}
	stdDev := math.Sqrt(variance / weightSum)

	confidence := baseConfidence * (1 / (1 + stdDev))

	resp := task.Succeeded(taskID, EnsembleAdapter, mean, task.Confidence(confidence))
	resp.Metadata["std_dev"] = stdDev
	resp.Metadata["adapters"] = used
	resp.Metadata["excluded"] = excluded
	return resp, true
}

// concatenate 按输入顺序拼接各输出，每段带有来源与置信度前缀。
func concatenate(taskID string, qualified []source) *task.Response {
	parts := make([]string, 0, len(qualified))
	var total float64
	for _, s := range qualified {
		confidence := "unknown"
		if s.resp.Confidence != nil {
			confidence = fmt.Sprintf("%.2f", *s.resp.Confidence)
		}
		parts = append(parts, fmt.Sprintf("[%s | confidence %s]\n%s", s.label, confidence, task.Stringify(s.resp.Output)))
		total += s.confidence
	}
	resp := task.Succeeded(taskID, EnsembleAdapter, strings.Join(parts, Divider), task.Confidence(total/float64(len(qualified))))
	resp.Metadata["adapters"] = labels(qualified)
	return resp
}

// EnsembleOutput 是结构化集成策略的输出。
type EnsembleOutput struct {
	Summary   string         `json:"summary"`
	Sources   []SourceOutput `json:"sources"`
	Aggregate Aggregate      `json:"aggregate"`
}

// SourceOutput 是结构化集成中的单个来源。
type SourceOutput struct {
	Adapter    string   `json:"adapter"`
	Output     any      `json:"output"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Aggregate 汇总结构化集成的统计值。
type Aggregate struct {
	MeanConfidence float64 `json:"mean_confidence"`
	Count          int     `json:"count"`
}

func structuredEnsemble(taskID string, qualified []source) *task.Response {
	out := EnsembleOutput{Sources: make([]SourceOutput, 0, len(qualified))}
	distinct := make(map[string]struct{}, len(qualified))
	var total float64
	for _, s := range qualified {
		out.Sources = append(out.Sources, SourceOutput{Adapter: s.label, Output: s.resp.Output, Confidence: s.resp.Confidence})
		distinct[s.key] = struct{}{}
		total += s.confidence
	}
	out.Aggregate = Aggregate{MeanConfidence: total / float64(len(qualified)), Count: len(qualified)}
	out.Summary = fmt.Sprintf("%d sources returned %d distinct answers with mean confidence %.2f.",
		len(qualified), len(distinct), out.Aggregate.MeanConfidence)

	resp := task.Succeeded(taskID, EnsembleAdapter, out, task.Confidence(out.Aggregate.MeanConfidence))
	resp.Metadata["adapters"] = labels(qualified)
	return resp
}

func labels(qualified []source) []string {
	out := make([]string, len(qualified))
	for i, s := range qualified {
		out[i] = s.label
	}
	return out
}
