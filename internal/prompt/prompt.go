// Package prompt assembles the per-strategy prompt sent to the model.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lamim/distillforge/internal/mapper"
	"github.com/lamim/distillforge/internal/util"
	"github.com/lamim/distillforge/pkg/models"
)

var defaultTemplates = map[models.Strategy]string{
	models.StrategyExpand: `Generate {{.Count}} new data records modeled on the record below. Keep the same field names and vary the content.
{{- if .Fields}} Focus on the fields: {{.Fields}}.{{end}}
Return only a JSON array of {{.Count}} objects.

Record:
{{.Source}}`,

	models.StrategyEnhance: `Improve the following content so it is more accurate, complete and clear.
{{- if .Fields}} Focus on the fields: {{.Fields}}.{{end}}
Return only the improved content for the field "{{.TargetField}}".

Content:
{{.Source}}`,

	models.StrategyParaphrase: `Paraphrase the following text {{.Count}} times while preserving its meaning.
Write each paraphrase on its own line with no numbering or commentary.

Text:
{{.Source}}`,

	models.StrategyClassifyLabel: `Classify the following content.
{{- if .Labels}} Choose exactly one label from: {{.Labels}}.{{end}}
Give the final label inside \boxed{}.

Content:
{{.Source}}`,

	models.StrategyQuestionToAnswer: `{{if .QPrompt}}{{.QPrompt}}

{{end}}{{.Question}}{{if .APrompt}}

{{.APrompt}}{{end}}`,

	models.StrategyCustom: `{{.CustomPrompt}}

{{.Source}}`,
}

// Builder renders prompts for generation requests
type Builder struct {
	templates map[models.Strategy]string
}

// NewBuilder creates a builder. overrides maps strategy names to replacement templates.
func NewBuilder(overrides map[string]string) (*Builder, error) {
	templates := make(map[models.Strategy]string, len(defaultTemplates))
	for s, tmpl := range defaultTemplates {
		templates[s] = tmpl
	}
	for name, tmpl := range overrides {
		s := models.Strategy(name)
		if !s.Valid() {
			return nil, fmt.Errorf("prompt template for unknown strategy %q", name)
		}
		if err := util.ValidateTemplate(tmpl); err != nil {
			return nil, fmt.Errorf("prompt template %q: %w", name, err)
		}
		templates[s] = tmpl
	}
	return &Builder{templates: templates}, nil
}

// Build renders the prompt for req
func (b *Builder) Build(req models.GenerationRequest) (string, error) {
	tmpl, ok := b.templates[req.Strategy]
	if !ok {
		return "", fmt.Errorf("no prompt template for strategy %s", req.Strategy)
	}

	p := req.Params
	data := map[string]interface{}{
		"Source":       SourceText(req.Record.Fields, p.SourceField, p.SelectedFields),
		"Question":     mapper.QuestionText(req.Record.Fields, p.SelectedFields),
		"Count":        req.Count,
		"Fields":       strings.Join(p.SelectedFields, ", "),
		"TargetField":  p.TargetField,
		"Labels":       strings.Join(p.LabelSet, ", "),
		"QPrompt":      p.QPrompt,
		"APrompt":      p.APrompt,
		"CustomPrompt": p.CustomPrompt,
	}
	return util.RenderTemplate(tmpl, data)
}

// SourceText picks the text a prompt is built from: the source field when present,
// else the selected fields, else the whole record, as JSON.
func SourceText(rec models.Record, sourceField string, selected []string) string {
	if sourceField != "" {
		if v, ok := rec[sourceField]; ok {
			return mapper.Stringify(v)
		}
	}
	subset := rec
	if len(selected) > 0 {
		subset = make(models.Record, len(selected))
		for _, f := range selected {
			if v, ok := rec[f]; ok {
				subset[f] = v
			}
		}
		if len(subset) == 0 {
			subset = rec
		}
	}
	data, err := json.Marshal(subset)
	if err != nil {
		return fmt.Sprint(map[string]any(subset))
	}
	return string(data)
}
