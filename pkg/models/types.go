package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Strategy is the transformation applied to each input record
type Strategy string

const (
	StrategyExpand           Strategy = "expand"
	StrategyEnhance          Strategy = "enhance"
	StrategyParaphrase       Strategy = "paraphrase"
	StrategyClassifyLabel    Strategy = "classify_label"
	StrategyQuestionToAnswer Strategy = "q_to_a"
	StrategyCustom           Strategy = "custom"
)

var strategyDescriptions = map[Strategy]string{
	StrategyExpand:           "Generate new records that extend the source record",
	StrategyEnhance:          "Rewrite the source content to improve quality and detail",
	StrategyParaphrase:       "Produce multiple rephrasings of the source content",
	StrategyClassifyLabel:    "Assign a label to the source record",
	StrategyQuestionToAnswer: "Answer the question contained in the source record",
	StrategyCustom:           "Apply a caller-supplied prompt to the source record",
}

// Strategies returns all supported strategies in a stable order
func Strategies() []Strategy {
	return []Strategy{
		StrategyExpand,
		StrategyEnhance,
		StrategyParaphrase,
		StrategyClassifyLabel,
		StrategyQuestionToAnswer,
		StrategyCustom,
	}
}

// Valid reports whether s is a known strategy
func (s Strategy) Valid() bool {
	_, ok := strategyDescriptions[s]
	return ok
}

// Description returns a human-readable summary of the strategy
func (s Strategy) Description() string {
	if d, ok := strategyDescriptions[s]; ok {
		return d
	}
	return "unknown strategy"
}

// Record is a single decoded JSON object
type Record map[string]any

// Clone returns a shallow copy of the record
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// InputRecord is one line of the input file
type InputRecord struct {
	Line   int // 1-based
	Fields Record
}

// GenParams are the sampling parameters passed to a model backend
type GenParams struct {
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"top_p"`
	TopK         int     `json:"top_k,omitempty"` // 0 = unset
	SystemPrompt string  `json:"system_prompt,omitempty"`
}

// GenerationRequest is built once per input record
type GenerationRequest struct {
	Record   InputRecord
	Strategy Strategy
	ModelID  string
	Count    int
	Params   Params
}

// GenerationResult holds the output records produced for one input line
type GenerationResult struct {
	Line    int
	Records []Record
	Err     error
}

// StringList decodes from either a JSON array of strings or a comma-separated string
type StringList []string

// UnmarshalJSON implements json.Unmarshaler
func (l *StringList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = SplitList(s)
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*l = out
	return nil
}

// SplitList splits a comma-separated string, dropping empty items
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
