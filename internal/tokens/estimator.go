// Package tokens estimates billable token counts for text without calling any
// provider tokenizer. A base count from an injectable tokenizer is scaled by a
// per-model-family factor interpolated between the text's Latin and CJK share.
package tokens

import (
	"math"
	"strings"
	"unicode/utf8"
)

// BaseTokenizer produces the raw token count the family factor scales.
type BaseTokenizer interface {
	Count(text string) int
}

// FamilyFactors holds the per-script multipliers measured for one model family.
type FamilyFactors struct {
	Latin float64
	CJK   float64
}

type familyEntry struct {
	match   string
	factors FamilyFactors
}

// Ordered so that more specific names ("chatglm") win over shorter substrings.
var familyTable = []familyEntry{
	{"chatglm", FamilyFactors{Latin: 1.00, CJK: 0.56}},
	{"glm", FamilyFactors{Latin: 1.00, CJK: 0.56}},
	{"deepseek", FamilyFactors{Latin: 1.11, CJK: 0.56}},
	{"claude", FamilyFactors{Latin: 1.11, CJK: 1.25}},
	{"anthropic", FamilyFactors{Latin: 1.11, CJK: 1.25}},
	{"qwen", FamilyFactors{Latin: 1.00, CJK: 0.50}},
	{"kimi", FamilyFactors{Latin: 1.00, CJK: 0.50}},
	{"mistral", FamilyFactors{Latin: 0.91, CJK: 0.77}},
	{"gemini", FamilyFactors{Latin: 1.00, CJK: 0.67}},
	{"gemma", FamilyFactors{Latin: 1.00, CJK: 0.67}},
	{"gpt", FamilyFactors{Latin: 1.00, CJK: 1.00}},
	{"openai", FamilyFactors{Latin: 1.00, CJK: 1.00}},
	{"grok", FamilyFactors{Latin: 1.00, CJK: 1.00}},
}

var defaultFactors = FamilyFactors{Latin: 1.00, CJK: 1.00}

// FactorsFor matches the lowercased model name against known family
// substrings. Unknown families scale by 1.
func FactorsFor(modelName string) FamilyFactors {
	name := strings.ToLower(modelName)
	for _, e := range familyTable {
		if strings.Contains(name, e.match) {
			return e.factors
		}
	}
	return defaultFactors
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x3000 && r <= 0x9FFF:
		return true
	case r >= 0xAC00 && r <= 0xD7AF:
		return true
	case r >= 0xFF00 && r <= 0xFFEF:
		return true
	}
	return false
}

// cjkRatio is the fraction of runes in the CJK blocks, 0 for empty text.
func cjkRatio(text string) float64 {
	total := utf8.RuneCountInString(text)
	if total == 0 {
		return 0
	}
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	return float64(cjk) / float64(total)
}

// Estimator combines a base tokenizer with the family factor table.
type Estimator struct {
	base BaseTokenizer
}

func NewEstimator(base BaseTokenizer) *Estimator {
	if base == nil {
		base = HeuristicTokenizer{}
	}
	return &Estimator{base: base}
}

// Estimate returns round(base * (F_cjk*ratio + F_latin*(1-ratio))). Empty text
// estimates to zero.
func (e *Estimator) Estimate(text, modelName string) int {
	if text == "" {
		return 0
	}
	base := e.base.Count(text)
	if base <= 0 {
		return 0
	}
	f := FactorsFor(modelName)
	ratio := cjkRatio(text)
	factor := f.CJK*ratio + f.Latin*(1-ratio)
	return int(math.Round(float64(base) * factor))
}

// HeuristicTokenizer is the fallback base tokenizer: one token per CJK rune
// plus roughly one per four remaining characters. Deterministic and
// dependency-free, reasonable for billing estimates.
type HeuristicTokenizer struct{}

func (HeuristicTokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	cjk := 0
	other := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	n := cjk + (other+3)/4
	if n == 0 {
		n = 1
	}
	return n
}
