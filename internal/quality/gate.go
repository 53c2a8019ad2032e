// Package quality decides which generated records are kept.
package quality

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/lamim/distillforge/internal/mapper"
	"github.com/lamim/distillforge/pkg/models"
)

// Gate accepts or rejects generated records by length and a heuristic score
type Gate struct {
	MinLength int
	MaxLength int
	Threshold float64
}

// NewGate builds a gate from task parameters
func NewGate(p models.Params) *Gate {
	return &Gate{
		MinLength: p.MinLength,
		MaxLength: p.MaxLength,
		Threshold: p.QualityThreshold,
	}
}

// Accepts reports whether rec should be written to the output
func (g *Gate) Accepts(rec models.Record) bool {
	score, ok := g.Score(rec)
	return ok && score >= g.Threshold
}

// Score returns the heuristic score of rec. ok is false when a hard check rejects it.
func (g *Gate) Score(rec models.Record) (float64, bool) {
	if len(rec) == 0 {
		return 0, false
	}

	hasContent := false
	totalChars := 0
	values := make([]string, 0, len(rec))
	for k, v := range rec {
		text := mapper.Stringify(v)
		if strings.ContainsRune(text, 0) {
			return 0, false
		}
		values = append(values, strings.ToLower(text))

		if !strings.HasPrefix(k, "original") && strings.TrimSpace(text) != "" {
			hasContent = true
		}
		if isScalar(v) {
			totalChars += utf8.RuneCountInString(text)
		}
	}

	if !hasContent {
		return 0, false
	}
	if totalChars < g.MinLength || totalChars > g.MaxLength {
		return 0, false
	}

	score := 1.0
	if len(rec) < 2 {
		score *= 0.8
	}
	if totalChars < 50 {
		score *= 0.7
	} else if totalChars > 1000 {
		score *= 1.1
	}
	if hasDuplicates(values) {
		score *= 0.9
	}
	if score > 1.0 {
		score = 1.0
	}
	return score, true
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, json.Number, float64, float32, int, int64, int32:
		return true
	}
	return false
}

func hasDuplicates(values []string) bool {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			return true
		}
		seen[v] = struct{}{}
	}
	return false
}
