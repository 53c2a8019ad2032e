// Package mapper turns raw model output into output records.
package mapper

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/lamim/distillforge/internal/util"
	"github.com/lamim/distillforge/pkg/models"
)

// questionFallbackFields is the lookup order for the question of a q_to_a record
var questionFallbackFields = []string{"question", "instruction", "input", "query", "prompt"}

var boxedRegex = regexp.MustCompile(`\\boxed\{([^{}]*)\}`)

// Map normalizes raw model output into zero or more output records derived from original
func Map(raw string, strategy models.Strategy, original models.Record, p models.Params) []models.Record {
	target := p.TargetField
	if target == "" {
		target = models.DefaultTargetField
	}

	if strategy == models.StrategyQuestionToAnswer {
		qField := p.QFieldName
		if qField == "" {
			qField = models.DefaultQFieldName
		}
		return []models.Record{{
			qField: QuestionText(original, p.SelectedFields),
			target: raw,
		}}
	}

	if strategy == models.StrategyClassifyLabel {
		if label := ClassifyAnswer(raw); label != "" {
			raw = label
		}
	}

	parsed := Parse(raw)
	switch parsed.Kind {
	case KindObject:
		return []models.Record{mapElement(parsed.Object, strategy, original, target)}
	case KindArray:
		out := make([]models.Record, 0, len(parsed.Items))
		for _, item := range parsed.Items {
			out = append(out, mapElement(item, strategy, original, target))
		}
		return out
	default:
		return mapText(parsed.Text, strategy, original, target)
	}
}

func mapElement(v any, strategy models.Strategy, original models.Record, target string) models.Record {
	rec := original.Clone()
	if obj, ok := v.(map[string]any); ok && strategy == models.StrategyExpand {
		for k, val := range obj {
			rec[k] = val
		}
		return rec
	}
	rec[target] = Stringify(v)
	return rec
}

func mapText(text string, strategy models.Strategy, original models.Record, target string) []models.Record {
	lines := nonEmptyLines(text)
	if len(lines) == 0 {
		return nil
	}

	with := func(value string) models.Record {
		rec := original.Clone()
		rec[target] = value
		return rec
	}

	switch strategy {
	case models.StrategyParaphrase:
		out := make([]models.Record, 0, len(lines))
		for _, line := range lines {
			out = append(out, with(line))
		}
		return out
	case models.StrategyClassifyLabel:
		return []models.Record{with(lines[0])}
	default:
		return []models.Record{with(strings.Join(lines, "\n"))}
	}
}

func nonEmptyLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// QuestionText resolves the question of a record: the first present selected field,
// else the first present fallback field, else the whole record as text.
func QuestionText(rec models.Record, selected []string) string {
	for _, f := range selected {
		if v, ok := rec[f]; ok {
			return Stringify(v)
		}
	}
	for _, f := range questionFallbackFields {
		if v, ok := rec[f]; ok {
			return Stringify(v)
		}
	}
	return Stringify(map[string]any(rec))
}

// Stringify renders a decoded JSON value as text. Strings pass through unchanged.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// ClassifyAnswer returns the label a classification response commits to: the last
// \boxed{...} value outside reasoning blocks, else the first non-empty answer line.
func ClassifyAnswer(raw string) string {
	_, answer := util.SplitReasoning(raw)
	if matches := boxedRegex.FindAllStringSubmatch(answer, -1); len(matches) > 0 {
		return strings.TrimSpace(matches[len(matches)-1][1])
	}
	if lines := nonEmptyLines(answer); len(lines) > 0 {
		return lines[0]
	}
	return ""
}

// ValidLabel reports whether label is allowed by labelSet. An empty set allows any non-empty label.
func ValidLabel(label string, labelSet []string) bool {
	if label == "" {
		return false
	}
	if len(labelSet) == 0 {
		return true
	}
	for _, l := range labelSet {
		if strings.EqualFold(strings.TrimSpace(l), label) {
			return true
		}
	}
	return false
}
