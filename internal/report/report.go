// Package report writes the run summary and task metadata files.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lamim/distillforge/pkg/models"
)

// Build derives the quality report of a run. Rates are fractions in [0, 1] and
// zero when their denominator is zero.
func Build(taskID string, stats models.RunStatistics, params models.Params, partial bool) *models.QualityReport {
	return &models.QualityReport{
		TaskID:     taskID,
		Strategy:   params.Strategy,
		ModelID:    params.ModelID,
		Statistics: stats,
		QualityMetrics: models.QualityMetrics{
			TotalInput:                 stats.TotalInput,
			TotalGenerated:             stats.TotalGenerated,
			QualityPassed:              stats.QualityPassed,
			QualityFailed:              stats.QualityFailed,
			PassRate:                   ratio(stats.QualityPassed, stats.TotalGenerated),
			SuccessRate:                ratio(stats.SuccessfulGenerations, stats.TotalInput),
			AverageGenerationsPerInput: ratio(stats.TotalGenerated, stats.TotalInput),
		},
		Parameters:    params,
		GeneratedTime: time.Now(),
		IsPartial:     partial,
	}
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Write replaces the report at path
func Write(path string, r *models.QualityReport) error {
	return writeJSON(path, r)
}

// Load reads a report written by Write
func Load(path string) (*models.QualityReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var r models.QualityReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	return &r, nil
}

// BuildMeta describes a finished task
func BuildMeta(taskID string, status models.TaskStatus, params models.Params, stats models.RunStatistics,
	outputPath string, start, end time.Time) *models.TaskMeta {
	var size int64
	if info, err := os.Stat(outputPath); err == nil {
		size = info.Size()
	}
	return &models.TaskMeta{
		TaskID:            taskID,
		TaskType:          models.TaskTypeDistill,
		Strategy:          params.Strategy,
		ModelID:           params.ModelID,
		Status:            status,
		OutputPath:        outputPath,
		Params:            params,
		StartTime:         start,
		EndTime:           end,
		InputItemCount:    stats.TotalInput,
		OutputItemCount:   stats.QualityPassed,
		FileSize:          size,
		GenerationSummary: stats,
	}
}

// WriteMeta replaces the metadata file at path
func WriteMeta(path string, m *models.TaskMeta) error {
	return writeJSON(path, m)
}

// writeJSON writes v through a temp file in the same directory and renames it into place
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
