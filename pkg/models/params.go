package models

import (
	"encoding/json"
	"fmt"
	"os"
)

// Built-in defaults for a generation run
const (
	DefaultTargetField        = "output"
	DefaultQFieldName         = "instruction"
	DefaultGenerationCount    = 5
	DefaultMaxTokens          = 2048
	DefaultTemperature        = 0.7
	DefaultTopP               = 0.9
	DefaultTimeoutSeconds     = 120
	DefaultMaxWorkers         = 4
	DefaultBatchSize          = 10
	DefaultMaxRetries         = 3
	DefaultQualityThreshold   = 0.7
	DefaultFsyncInterval      = 50
	DefaultCheckpointInterval = 100
	DefaultInflightMultiplier = 4
	DefaultMaxBackoff         = 8.0
	DefaultMinLength          = 10
	DefaultMaxLength          = 200000
)

// Params is the full parameter set of a generation task.
// It is echoed into the checkpoint and the quality report.
type Params struct {
	Strategy        Strategy   `json:"strategy"`
	ModelID         string     `json:"model_id"`
	InputFile       string     `json:"input_file"`
	GenerationCount int        `json:"generation_count,omitempty"`
	TargetField     string     `json:"target_field,omitempty"`
	SourceField     string     `json:"source_field,omitempty"`
	SelectedFields  StringList `json:"selected_fields,omitempty"`
	QFieldName      string     `json:"q_field_name,omitempty"`
	LabelSet        StringList `json:"label_set,omitempty"`
	SystemPrompt    string     `json:"system_prompt,omitempty"`
	QPrompt         string     `json:"q_prompt,omitempty"`
	APrompt         string     `json:"a_prompt,omitempty"`
	CustomPrompt    string     `json:"custom_prompt,omitempty"`

	MaxTokens      int     `json:"max_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	TopP           float64 `json:"top_p,omitempty"`
	TopK           int     `json:"top_k,omitempty"`
	TimeoutSeconds int     `json:"timeout,omitempty"`

	MaxWorkers         int     `json:"max_workers,omitempty"`
	BatchSize          int     `json:"batch_size,omitempty"`
	MaxRetries         int     `json:"max_retries,omitempty"`
	QualityThreshold   float64 `json:"quality_threshold,omitempty"`
	FsyncInterval      int     `json:"fsync_interval,omitempty"`
	CheckpointInterval int     `json:"checkpoint_interval,omitempty"`
	InflightMultiplier int     `json:"inflight_multiplier,omitempty"`
	UnorderedWrite     bool    `json:"unordered_write,omitempty"`
	RateLimitRPS       float64 `json:"rate_limit_rps,omitempty"`
	MaxBackoff         float64 `json:"max_backoff,omitempty"`
	MinLength          int     `json:"min_length,omitempty"`
	MaxLength          int     `json:"max_length,omitempty"`
}

// ApplyDefaults fills zero-valued fields from base, then from the built-in defaults
func (p *Params) ApplyDefaults(base Params) {
	fillInt(&p.MaxTokens, base.MaxTokens, DefaultMaxTokens)
	fillFloat(&p.Temperature, base.Temperature, DefaultTemperature)
	fillFloat(&p.TopP, base.TopP, DefaultTopP)
	fillInt(&p.TopK, base.TopK, 0)
	fillInt(&p.TimeoutSeconds, base.TimeoutSeconds, DefaultTimeoutSeconds)
	fillInt(&p.MaxWorkers, base.MaxWorkers, DefaultMaxWorkers)
	fillInt(&p.BatchSize, base.BatchSize, DefaultBatchSize)
	fillInt(&p.MaxRetries, base.MaxRetries, DefaultMaxRetries)
	fillFloat(&p.QualityThreshold, base.QualityThreshold, DefaultQualityThreshold)
	fillInt(&p.FsyncInterval, base.FsyncInterval, DefaultFsyncInterval)
	fillInt(&p.CheckpointInterval, base.CheckpointInterval, DefaultCheckpointInterval)
	fillInt(&p.InflightMultiplier, base.InflightMultiplier, DefaultInflightMultiplier)
	fillFloat(&p.RateLimitRPS, base.RateLimitRPS, 0)
	fillFloat(&p.MaxBackoff, base.MaxBackoff, DefaultMaxBackoff)
	fillInt(&p.MinLength, base.MinLength, DefaultMinLength)
	fillInt(&p.MaxLength, base.MaxLength, DefaultMaxLength)
	if !p.UnorderedWrite {
		p.UnorderedWrite = base.UnorderedWrite
	}
	if p.SystemPrompt == "" {
		p.SystemPrompt = base.SystemPrompt
	}

	if p.TargetField == "" {
		p.TargetField = DefaultTargetField
	}
	if p.QFieldName == "" {
		p.QFieldName = DefaultQFieldName
	}
	if p.GenerationCount <= 0 {
		switch p.Strategy {
		case StrategyExpand, StrategyParaphrase, StrategyQuestionToAnswer:
			p.GenerationCount = DefaultGenerationCount
		default:
			p.GenerationCount = 1
		}
	}
}

func fillInt(dst *int, base, def int) {
	if *dst != 0 {
		return
	}
	if base != 0 {
		*dst = base
		return
	}
	*dst = def
}

func fillFloat(dst *float64, base, def float64) {
	if *dst != 0 {
		return
	}
	if base != 0 {
		*dst = base
		return
	}
	*dst = def
}

// Validate checks the parameters required to start a task
func (p *Params) Validate() error {
	if p.Strategy == "" {
		return fmt.Errorf("strategy is required")
	}
	if !p.Strategy.Valid() {
		return fmt.Errorf("unknown strategy: %s", p.Strategy)
	}
	if p.ModelID == "" {
		return fmt.Errorf("model_id is required")
	}
	if p.InputFile == "" {
		return fmt.Errorf("input_file is required")
	}
	info, err := os.Stat(p.InputFile)
	if err != nil {
		return fmt.Errorf("input_file not accessible: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input_file is a directory: %s", p.InputFile)
	}
	if p.Strategy == StrategyCustom && p.CustomPrompt == "" {
		return fmt.Errorf("custom_prompt is required for strategy %s", p.Strategy)
	}
	if p.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1")
	}
	if p.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	if p.InflightMultiplier < 1 {
		return fmt.Errorf("inflight_multiplier must be at least 1")
	}
	if p.QualityThreshold < 0 || p.QualityThreshold > 1 {
		return fmt.Errorf("quality_threshold must be between 0 and 1 (got %.2f)", p.QualityThreshold)
	}
	if p.MinLength > p.MaxLength {
		return fmt.Errorf("min_length (%d) must not exceed max_length (%d)", p.MinLength, p.MaxLength)
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if p.TopP < 0 || p.TopP > 1 {
		return fmt.Errorf("top_p must be between 0 and 1")
	}
	return nil
}

// GenParams returns the sampling parameters for the model backend
func (p *Params) GenParams() GenParams {
	return GenParams{
		MaxTokens:    p.MaxTokens,
		Temperature:  p.Temperature,
		TopP:         p.TopP,
		TopK:         p.TopK,
		SystemPrompt: p.SystemPrompt,
	}
}

// Merge returns a copy of p with overrides applied. Nil override values are ignored.
func (p Params) Merge(overrides map[string]any) (Params, error) {
	if len(overrides) == 0 {
		return p, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return p, fmt.Errorf("failed to marshal params: %w", err)
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return p, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	for k, v := range overrides {
		if v != nil {
			fields[k] = v
		}
	}
	data, err = json.Marshal(fields)
	if err != nil {
		return p, fmt.Errorf("failed to marshal merged params: %w", err)
	}
	var merged Params
	if err := json.Unmarshal(data, &merged); err != nil {
		return p, fmt.Errorf("invalid parameter override: %w", err)
	}
	return merged, nil
}

// AsMap returns the params as a generic map
func (p Params) AsMap() map[string]any {
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
