package quality

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lamim/distillforge/pkg/models"
)

func defaultGate() *Gate {
	return NewGate(models.Params{MinLength: 10, MaxLength: 200000, QualityThreshold: 0.7})
}

func TestGateLengthBoundary(t *testing.T) {
	g := defaultGate()

	exact := models.Record{"a": "abcde", "b": "fghij"}
	assert.True(t, g.Accepts(exact), "exactly min_length must be accepted")

	short := models.Record{"a": "abcde", "b": "fghi"}
	assert.False(t, g.Accepts(short), "one below min_length must be rejected")

	g.MaxLength = 20
	assert.True(t, g.Accepts(models.Record{"a": strings.Repeat("x", 10), "b": strings.Repeat("y", 10)}))
	assert.False(t, g.Accepts(models.Record{"a": strings.Repeat("x", 10), "b": strings.Repeat("y", 11)}))
}

func TestGateHardRejections(t *testing.T) {
	g := defaultGate()

	tests := []struct {
		name string
		rec  models.Record
	}{
		{name: "nil", rec: nil},
		{name: "empty", rec: models.Record{}},
		{name: "whitespace only", rec: models.Record{"a": "   ", "b": "\n\t"}},
		{name: "only original fields have content", rec: models.Record{"original_text": "long enough content here", "output": " "}},
		{name: "nul byte", rec: models.Record{"a": "valid text\x00", "b": "more text here"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := g.Score(tt.rec)
			assert.False(t, ok)
			assert.False(t, g.Accepts(tt.rec))
		})
	}
}

func TestGateScore(t *testing.T) {
	g := defaultGate()
	long := strings.Repeat("z", 60)

	tests := []struct {
		name  string
		rec   models.Record
		score float64
	}{
		{name: "two fields medium", rec: models.Record{"q": long, "a": long + "!"}, score: 1.0},
		{name: "single field", rec: models.Record{"a": long}, score: 0.8},
		{name: "short total", rec: models.Record{"a": "hello", "b": "world!!"}, score: 0.7},
		{name: "duplicate values", rec: models.Record{"a": long, "b": strings.ToUpper(long)}, score: 0.9},
		{name: "long bonus capped", rec: models.Record{"a": strings.Repeat("q", 600), "b": strings.Repeat("w", 600)}, score: 1.0},
		{name: "long single field", rec: models.Record{"a": strings.Repeat("q", 1200)}, score: 0.8 * 1.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, ok := g.Score(tt.rec)
			assert.True(t, ok)
			assert.InDelta(t, tt.score, score, 1e-9)
		})
	}
}

func TestGateCountsOnlyScalars(t *testing.T) {
	g := defaultGate()
	rec := models.Record{
		"n":      json.Number("12345"),
		"nested": map[string]any{"k": strings.Repeat("x", 100)},
		"s":      "abcde",
	}
	score, ok := g.Score(rec)
	assert.True(t, ok)
	// 10 scalar characters keeps the short-text penalty
	assert.InDelta(t, 0.7, score, 1e-9)
}

func TestGateThreshold(t *testing.T) {
	rec := models.Record{"a": strings.Repeat("z", 60)} // scores 0.8
	assert.True(t, NewGate(models.Params{MinLength: 10, MaxLength: 1000, QualityThreshold: 0.8}).Accepts(rec))
	assert.False(t, NewGate(models.Params{MinLength: 10, MaxLength: 1000, QualityThreshold: 0.81}).Accepts(rec))
}
