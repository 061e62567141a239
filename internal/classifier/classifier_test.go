package classifier

import (
	"testing"

	"ARC-Router/internal/task"
)

func textTask(text string) *task.Task {
	return &task.Task{ID: "t", Kind: task.KindUnspecified, Payload: map[string]any{"content": text}}
}

func TestClassifyKeywordGroups(t *testing.T) {
	c := New()
	cases := []struct {
		text string
		want task.Kind
	}{
		{"First add 5, then multiply by 2", task.KindMultiStep},
		{"What is 15% of 200?", task.KindPercentage},
		{"Solve for x: 2x + 3 = 11", task.KindEquation},
		{"John has twice as many apples as Mary", task.KindComparison},
		{"Sarah earns $15 per hour and worked 8 hours", task.KindRate},
		{"Find the average of 4, 8 and 12", task.KindStatistics},
		{"Describe this picture for me", task.KindMultimodal},
		{"Tell me a joke", task.KindUnspecified},
		{"the syntax = valid", task.KindUnspecified},
	}
	for _, tc := range cases {
		if got := c.Classify(textTask(tc.text)); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}

func TestGroupOrderIsObservable(t *testing.T) {
	c := New()
	if got := c.Classify(textTask("First compute 20% of 50")); got != task.KindMultiStep {
		t.Fatalf("multi-step must win over percentage, got %s", got)
	}
	if got := c.Classify(textTask("What is half the average?")); got != task.KindComparison {
		t.Fatalf("comparison must win over statistics, got %s", got)
	}
}

func TestRateNeedsBothMarkers(t *testing.T) {
	c := New()
	if got := c.Classify(textTask("Meet me at noon")); got != task.KindUnspecified {
		t.Fatalf("rate marker without context should not match, got %s", got)
	}
}

func TestExplicitKindWins(t *testing.T) {
	c := New()
	tk := textTask("first do this, then that")
	tk.Kind = task.KindRate
	res := c.Explain(tk)
	if res.Kind != task.KindRate || !res.Explicit {
		t.Fatalf("explicit kind overridden: %+v", res)
	}
}

func TestCustomKindNeedsRecognizer(t *testing.T) {
	tk := textTask("Find the median")
	tk.Kind = "translation"

	if got := New().Classify(tk); got != task.KindStatistics {
		t.Fatalf("unrecognized kind should be reclassified, got %s", got)
	}
	c := New(WithRecognizer(func(k task.Kind) bool { return k == "translation" }))
	if got := c.Classify(tk); got != "translation" {
		t.Fatalf("recognized custom kind should be kept, got %s", got)
	}
}

func TestImagePayload(t *testing.T) {
	tk := &task.Task{ID: "t", Payload: map[string]any{"image_url": "https://cdn.example.com/a.png"}}
	res := New().Explain(tk)
	if res.Kind != task.KindMultimodal {
		t.Fatalf("image payload should be multimodal, got %s", res.Kind)
	}
}

func TestFallsBackToPayloadSerialization(t *testing.T) {
	tk := &task.Task{ID: "t", Payload: map[string]any{"image": "", "notes": "the mean score"}}
	if got := New().Classify(tk); got != task.KindStatistics {
		t.Fatalf("expected statistics from serialized payload, got %s", got)
	}
}

func TestExplainIsDeterministic(t *testing.T) {
	c := New()
	tk := textTask("A car travels at a speed of 60 miles per hour")
	first := c.Explain(tk)
	for i := 0; i < 10; i++ {
		if again := c.Explain(tk); again != first {
			t.Fatalf("non-deterministic classification: %+v vs %+v", first, again)
		}
	}
	if first.Kind != task.KindRate || first.Confidence != 0.92 {
		t.Fatalf("unexpected classification: %+v", first)
	}
	if first.Matched == "" {
		t.Fatalf("expected matched keyword")
	}
}
