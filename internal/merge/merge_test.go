package merge

import (
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/task"
)

func ok(adapter string, output any, confidence float64) *task.Response {
	return task.Succeeded("t1", adapter, output, task.Confidence(confidence))
}

func TestMergeEmptySetFailsLoudly(t *testing.T) {
	_, err := Merge(nil, DefaultConfig())
	if xerrors.CodeOf(err) != task.CodeEmptyResponseSet {
		t.Fatalf("expected EMPTY_RESPONSE_SET, got %v", err)
	}
}

func TestIdentityLaw(t *testing.T) {
	original := ok("a", "42", 0.7)
	original.Metadata["response_id"] = "r-1"
	for _, strategy := range Strategies() {
		res, err := Merge([]*task.Response{original, task.Failed("t1", "b", "", nil)}, Config{Strategy: strategy})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", strategy, err)
		}
		got := res.Response
		if !got.Success || got.Output != "42" || got.ConfidenceOr(0) != 0.7 || got.Adapter() != "a" {
			t.Fatalf("%s: response changed: %+v", strategy, got)
		}
		if diff := cmp.Diff(original, &got,
			cmpopts.IgnoreMapEntries(func(k string, _ any) bool { return k == "merge_strategy" || k == "merged_sources" })); diff != "" {
			t.Fatalf("%s: identity violated (-want +got):\n%s", strategy, diff)
		}
		if got.Metadata["merge_strategy"] != strategy.String() {
			t.Fatalf("%s: merge metadata missing", strategy)
		}
	}
	if _, ok := original.Metadata["merge_strategy"]; ok {
		t.Fatalf("input response was mutated")
	}
}

func TestConsensus(t *testing.T) {
	responses := []*task.Response{
		ok("a", "A", 0.9),
		ok("b", "A", 0.8),
		ok("c", "A", 0.7),
		ok("d", "B", 0.95),
	}
	res, err := Merge(responses, Config{Strategy: Consensus})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "A" {
		t.Fatalf("expected A to win, got %v", res.Output)
	}
	if ratio := res.Metadata["agreement_ratio"]; ratio != 0.75 {
		t.Fatalf("unexpected agreement ratio: %v", ratio)
	}
	if got := res.ConfidenceOr(0); math.Abs(got-0.6) > 1e-9 {
		t.Fatalf("unexpected confidence: %v", got)
	}
	votes, _ := res.Metadata["votes"].([]Vote)
	want := []Vote{{Value: "A", Votes: 3, Adapters: []string{"a", "b", "c"}}, {Value: "B", Votes: 1, Adapters: []string{"d"}}}
	if diff := cmp.Diff(want, votes); diff != "" {
		t.Fatalf("votes mismatch (-want +got):\n%s", diff)
	}
}

func TestConsensusTieBreaks(t *testing.T) {
	bySum := []*task.Response{ok("a", "x", 0.4), ok("b", "y", 0.9), ok("c", "x", 0.4), ok("d", "y", 0.9)}
	res, _ := Merge(bySum, Config{Strategy: Consensus})
	if res.Output != "y" {
		t.Fatalf("summed confidence should break ties, got %v", res.Output)
	}

	byOrder := []*task.Response{ok("a", "x", 0.5), ok("b", "y", 0.5)}
	res, _ = Merge(byOrder, Config{Strategy: Consensus})
	if res.Output != "x" {
		t.Fatalf("first appearance should break remaining ties, got %v", res.Output)
	}

	ws := []*task.Response{ok("a", "the  answer", 0.5), ok("b", " the answer ", 0.5), ok("c", "other", 0.9)}
	res, _ = Merge(ws, Config{Strategy: Consensus})
	if res.Output != "the  answer" {
		t.Fatalf("whitespace should be normalized before grouping, got %v", res.Output)
	}
}

func TestWeightedAverage(t *testing.T) {
	responses := []*task.Response{
		ok("a", 7.5, 0.95),
		ok("b", "about 8.0 hours", 0.90),
		ok("c", 7.8, 0.85),
		ok("d", "7.2", 0.80),
	}
	res, err := Merge(responses, Config{Strategy: WeightedAverage})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	value, _ := res.Output.(float64)
	if math.Abs(value-7.63) > 0.01 {
		t.Fatalf("unexpected weighted average: %v", value)
	}
	rawMean := (0.95 + 0.90 + 0.85 + 0.80) / 4
	if res.ConfidenceOr(1) >= rawMean {
		t.Fatalf("confidence should shrink with spread: %v >= %v", res.ConfidenceOr(1), rawMean)
	}
	if res.Strategy != WeightedAverage {
		t.Fatalf("unexpected strategy: %s", res.Strategy)
	}
}

func TestWeightedAverageExcludesNonNumeric(t *testing.T) {
	responses := []*task.Response{ok("a", 10, 0.5), ok("b", "no idea", 0.9), ok("c", 10, 0.5)}
	res, _ := Merge(responses, Config{Strategy: WeightedAverage})
	if res.Output != 10.0 {
		t.Fatalf("unexpected value: %v", res.Output)
	}
	if diff := cmp.Diff([]string{"b"}, res.Metadata["excluded"]); diff != "" {
		t.Fatalf("excluded mismatch (-want +got):\n%s", diff)
	}
	if res.ConfidenceOr(0) != 0.5 {
		t.Fatalf("zero spread should keep mean confidence, got %v", res.ConfidenceOr(0))
	}
}

func TestWeightedAverageZeroConfidence(t *testing.T) {
	responses := []*task.Response{ok("a", 5.0, 0), ok("b", 5.0, 0)}
	res, err := Merge(responses, Config{Strategy: WeightedAverage})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != 5.0 {
		t.Fatalf("equal weights should still average values, got %v", res.Output)
	}
	if res.ConfidenceOr(1) != 0 {
		t.Fatalf("zero-confidence inputs must merge to zero confidence, got %v", res.ConfidenceOr(1))
	}
}

func TestWeightedAverageFallsBackToConcatenation(t *testing.T) {
	responses := []*task.Response{ok("a", "yes", 0.6), ok("b", "no", 0.8)}
	res, _ := Merge(responses, Config{Strategy: WeightedAverage})
	if res.Strategy != Concatenation || res.Metadata["requested_strategy"] != "weighted-average" {
		t.Fatalf("expected concatenation fallback, got %s %+v", res.Strategy, res.Metadata)
	}
}

func TestHighestConfidenceIgnoresOrder(t *testing.T) {
	a, b, c := ok("a", "x", 0.88), ok("b", "y", 0.95), ok("c", "z", 0.75)
	for _, order := range [][]*task.Response{{a, b, c}, {c, a, b}, {b, c, a}} {
		res, _ := Merge(order, Config{Strategy: HighestConfidence})
		if res.Output != "y" {
			t.Fatalf("expected 0.95 response, got %v", res.Output)
		}
	}
	absent := task.Succeeded("t1", "n", "none", nil)
	res, _ := Merge([]*task.Response{absent, ok("low", "low", 0.1)}, Config{Strategy: HighestConfidence})
	if res.Output != "low" {
		t.Fatalf("absent confidence must compare as 0, got %v", res.Output)
	}
}

func TestConcatenation(t *testing.T) {
	responses := []*task.Response{ok("a", "first", 0.9), task.Succeeded("t1", "b", map[string]any{"k": 1}, nil)}
	res, _ := Merge(responses, Config{Strategy: Concatenation})
	text, _ := res.Output.(string)
	want := "[a | confidence 0.90]\nfirst" + Divider + "[b | confidence unknown]\n{\"k\":1}"
	if text != want {
		t.Fatalf("unexpected concatenation:\n%s", text)
	}
	if math.Abs(res.ConfidenceOr(0)-0.7) > 1e-9 {
		t.Fatalf("unexpected confidence: %v", res.ConfidenceOr(0))
	}
}

func TestStructuredEnsemble(t *testing.T) {
	responses := []*task.Response{ok("a", "x", 0.6), ok("b", "x", 0.8), ok("c", "y", 0.7)}
	res, _ := Merge(responses, Config{Strategy: StructuredEnsemble})
	out, ok := res.Output.(EnsembleOutput)
	if !ok {
		t.Fatalf("unexpected output type %T", res.Output)
	}
	if out.Aggregate.Count != 3 || math.Abs(out.Aggregate.MeanConfidence-0.7) > 1e-9 {
		t.Fatalf("unexpected aggregate: %+v", out.Aggregate)
	}
	if len(out.Sources) != 3 || out.Sources[2].Adapter != "c" {
		t.Fatalf("unexpected sources: %+v", out.Sources)
	}
	if !strings.Contains(out.Summary, "2 distinct answers") {
		t.Fatalf("unexpected summary: %s", out.Summary)
	}
}

func TestInsufficientSources(t *testing.T) {
	responses := []*task.Response{ok("a", "x", 0.9), ok("b", "x", 0.9), task.Failed("t1", "c", "", nil)}
	res, err := Merge(responses, Config{Strategy: Consensus, MinSources: 3})
	if err != nil {
		t.Fatalf("insufficient sources must be data, got error %v", err)
	}
	if res.Success || res.ErrorCode != string(task.CodeInsufficientSources) || res.Output != nil {
		t.Fatalf("unexpected result: %+v", res.Response)
	}
	if res.Succeeded != 2 || res.Failed != 1 || res.TotalSources != 3 {
		t.Fatalf("unexpected counts: %+v", res)
	}
	if len(res.Quality.Warnings) == 0 || !strings.Contains(res.Quality.Warnings[0], "3") {
		t.Fatalf("expected explicit warning, got %v", res.Quality.Warnings)
	}
}

func TestConfidenceFloor(t *testing.T) {
	responses := []*task.Response{ok("a", "x", 0.3), task.Succeeded("t1", "b", "y", nil)}
	res, _ := Merge(responses, Config{Strategy: Consensus, ConfidenceFloor: 0.8})
	if res.Success || res.ErrorCode != string(task.CodeConfidenceFloorUnmet) || !strings.Contains(res.Error, "0.80") {
		t.Fatalf("unexpected result: %+v", res.Response)
	}

	res, _ = Merge(responses, Config{Strategy: Consensus, ConfidenceFloor: 0.5})
	if !res.Success || res.Output != "y" {
		t.Fatalf("absent confidence should count as 0.5: %+v", res.Response)
	}
}

const (
	longA = "The treaty was signed in the spring after months of negotiation between the coastal states and the inland federation."
	longB = "Photosynthesis converts light energy into chemical energy stored in glucose molecules inside plant chloroplasts."
	longC = "The treaty was signed in the spring after many months of negotiation between the coastal states and the inland federation."
)

func TestContradictionDetection(t *testing.T) {
	res, _ := Merge([]*task.Response{ok("a", longA, 0.9), ok("b", longB, 0.9)},
		Config{Strategy: Concatenation, DetectContradictions: true})
	if res.Contradiction == nil || !res.Contradiction.Detected || len(res.Contradiction.ConflictingPairs) == 0 {
		t.Fatalf("expected contradiction: %+v", res.Contradiction)
	}
	if res.Contradiction.ConflictingPairs[0] != "a vs b" {
		t.Fatalf("unexpected pair label: %v", res.Contradiction.ConflictingPairs)
	}
	if !res.Quality.HasContradictions {
		t.Fatalf("quality should flag contradiction")
	}

	res, _ = Merge([]*task.Response{ok("a", longA, 0.9), ok("c", longC, 0.9)},
		Config{Strategy: Concatenation, DetectContradictions: true})
	if res.Contradiction == nil || res.Contradiction.Detected || res.Quality.HasContradictions {
		t.Fatalf("near-identical outputs must not contradict: %+v", res.Contradiction)
	}

	res, _ = Merge([]*task.Response{ok("a", longA, 0.9), ok("b", longB, 0.9)}, Config{Strategy: Concatenation})
	if res.Contradiction != nil {
		t.Fatalf("detection disabled should not produce a record")
	}
}

func TestSimilarity(t *testing.T) {
	if Similarity("Yes", "yes") != 1 || Similarity("yes", "no") != 0 {
		t.Fatalf("short strings use case-insensitive equality")
	}
	if s := Similarity(longA, longC); s < 0.8 {
		t.Fatalf("expected high similarity, got %v", s)
	}
	if s := Similarity(longA, longB); s >= contradictionThreshold {
		t.Fatalf("expected low similarity, got %v", s)
	}

	// 28 个字符但超过 50 字节，仍按短文本比较。
	cjkA := "今天天气 非常很好 我们一起 去公园 散步聊天 吃饭喝茶"
	cjkB := "今天天气 非常糟糕 我们一起 去商场 散步聊天 吃饭喝茶"
	if len(cjkA) < shortTextLimit {
		t.Fatalf("fixture should exceed the limit in bytes")
	}
	if s := Similarity(cjkA, cjkB); s != 0 {
		t.Fatalf("short multibyte text should use exact comparison, got %v", s)
	}
}

func TestQualityAssessment(t *testing.T) {
	responses := []*task.Response{ok("a", "x", 0.4), ok("b", "y", 0.6)}
	res, _ := Merge(responses, Config{Strategy: FirstSuccess})
	q := res.Quality
	if q.OverallConfidence != 0.5 || q.AgreementScore != 0 {
		t.Fatalf("unexpected quality: %+v", q)
	}
	if math.Abs(q.ReliabilityScore-0.3) > 1e-9 {
		t.Fatalf("unexpected reliability: %v", q.ReliabilityScore)
	}
	if len(q.Warnings) != 2 {
		t.Fatalf("expected low-confidence and low-agreement warnings, got %v", q.Warnings)
	}
	if res.Output != "x" {
		t.Fatalf("first-success should return first qualified response")
	}
}

func TestSourceSummaries(t *testing.T) {
	a := ok("a", "x", 0.9)
	a.Metadata["response_id"] = "resp-a"
	res, _ := Merge([]*task.Response{a, task.Failed("t1", "", "", nil)}, Config{Strategy: FirstSuccess})
	want := []SourceSummary{
		{ID: "resp-a", Adapter: "a", Confidence: task.Confidence(0.9), Success: true},
		{ID: "t1#1", Adapter: "source-2", Success: false},
	}
	if diff := cmp.Diff(want, res.Sources); diff != "" {
		t.Fatalf("sources mismatch (-want +got):\n%s", diff)
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range Strategies() {
		parsed, err := ParseStrategy(strings.ToUpper(strings.ReplaceAll(s.String(), "-", "_")))
		if err != nil || parsed != s {
			t.Fatalf("round trip failed for %s: %v", s, err)
		}
	}
	if _, err := ParseStrategy("vote"); err == nil {
		t.Fatalf("unknown strategy should fail")
	}
	var s Strategy
	if err := s.UnmarshalText([]byte("structured-ensemble")); err != nil || s != StructuredEnsemble {
		t.Fatalf("unmarshal text failed: %v", err)
	}
}
