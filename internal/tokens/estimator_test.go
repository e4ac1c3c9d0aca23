package tokens

import (
	"strings"
	"testing"
)

type fixedTokenizer struct{ n int }

func (f fixedTokenizer) Count(string) int { return f.n }

func TestEstimateEmptyTextIsZero(t *testing.T) {
	e := NewEstimator(fixedTokenizer{n: 100})
	if got := e.Estimate("", "gpt-4o"); got != 0 {
		t.Fatalf("expected 0 for empty text, got %d", got)
	}
}

func TestEstimateLatinUsesLatinFactor(t *testing.T) {
	e := NewEstimator(fixedTokenizer{n: 100})
	// deepseek latin factor 1.11
	if got := e.Estimate("hello world", "deepseek-chat"); got != 111 {
		t.Fatalf("expected 111, got %d", got)
	}
	// unknown family scales by 1
	if got := e.Estimate("hello world", "some-new-model"); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
}

func TestEstimateCJKUsesCJKFactor(t *testing.T) {
	e := NewEstimator(fixedTokenizer{n: 100})
	text := strings.Repeat("你好", 5)
	// qwen cjk factor 0.50
	if got := e.Estimate(text, "qwen-max"); got != 50 {
		t.Fatalf("expected 50, got %d", got)
	}
	// claude cjk factor 1.25
	if got := e.Estimate(text, "claude-sonnet"); got != 125 {
		t.Fatalf("expected 125, got %d", got)
	}
}

func TestEstimateMixedInterpolates(t *testing.T) {
	e := NewEstimator(fixedTokenizer{n: 100})
	// half latin, half CJK: claude factor = 1.25*0.5 + 1.11*0.5 = 1.18
	text := "ab" + "你好"
	if got := e.Estimate(text, "claude-opus"); got != 118 {
		t.Fatalf("expected 118, got %d", got)
	}
}

func TestFactorsForMatchesFamilies(t *testing.T) {
	cases := []struct {
		model string
		want  FamilyFactors
	}{
		{"gpt-4o-mini", FamilyFactors{Latin: 1.00, CJK: 1.00}},
		{"Claude-3-Haiku", FamilyFactors{Latin: 1.11, CJK: 1.25}},
		{"chatglm-6b", FamilyFactors{Latin: 1.00, CJK: 0.56}},
		{"glm-4", FamilyFactors{Latin: 1.00, CJK: 0.56}},
		{"kimi-k2", FamilyFactors{Latin: 1.00, CJK: 0.50}},
		{"mistral-large", FamilyFactors{Latin: 0.91, CJK: 0.77}},
		{"gemma-2-9b", FamilyFactors{Latin: 1.00, CJK: 0.67}},
		{"mystery", FamilyFactors{Latin: 1.00, CJK: 1.00}},
	}
	for _, tc := range cases {
		if got := FactorsFor(tc.model); got != tc.want {
			t.Fatalf("%s: expected %+v, got %+v", tc.model, tc.want, got)
		}
	}
}

func TestHeuristicTokenizer(t *testing.T) {
	h := HeuristicTokenizer{}
	if got := h.Count(""); got != 0 {
		t.Fatalf("empty count: %d", got)
	}
	if got := h.Count("abcd"); got != 1 {
		t.Fatalf("expected 1 for four latin chars, got %d", got)
	}
	if got := h.Count("你好"); got != 2 {
		t.Fatalf("expected 2 for two cjk runes, got %d", got)
	}
	// longer text never estimates below shorter text
	short := h.Count("short text")
	long := h.Count("short text plus quite a bit more of it")
	if long < short {
		t.Fatalf("count not monotonic: %d < %d", long, short)
	}
}

func TestEstimatorMonotonicOnRepeatedText(t *testing.T) {
	e := NewEstimator(nil)
	prev := 0
	for i := 1; i <= 5; i++ {
		got := e.Estimate(strings.Repeat("some words here ", i), "gpt-4o")
		if got < prev {
			t.Fatalf("estimate shrank at %d repeats: %d < %d", i, got, prev)
		}
		prev = got
	}
}
