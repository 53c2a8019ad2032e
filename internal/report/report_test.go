package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamim/distillforge/pkg/models"
)

func TestBuildRates(t *testing.T) {
	tests := []struct {
		name        string
		stats       models.RunStatistics
		wantPass    float64
		wantSuccess float64
		wantAvg     float64
	}{
		{
			name:  "empty run",
			stats: models.RunStatistics{},
		},
		{
			name: "typical",
			stats: models.RunStatistics{
				TotalInput: 10, TotalGenerated: 20, SuccessfulGenerations: 8,
				FailedGenerations: 2, QualityPassed: 15, QualityFailed: 5,
			},
			wantPass:    0.75,
			wantSuccess: 0.8,
			wantAvg:     2,
		},
		{
			name:        "input without generations",
			stats:       models.RunStatistics{TotalInput: 4, FailedGenerations: 4},
			wantPass:    0,
			wantSuccess: 0,
			wantAvg:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Build("task-1", tt.stats, models.Params{Strategy: models.StrategyExpand, ModelID: "m"}, false)
			assert.Equal(t, tt.wantPass, r.QualityMetrics.PassRate)
			assert.Equal(t, tt.wantSuccess, r.QualityMetrics.SuccessRate)
			assert.Equal(t, tt.wantAvg, r.QualityMetrics.AverageGenerationsPerInput)
			assert.Equal(t, models.StrategyExpand, r.Strategy)
			assert.Equal(t, "m", r.ModelID)
		})
	}
}

func TestWriteSupersedes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quality_report.json")

	partial := Build("task-1", models.RunStatistics{TotalInput: 10, TotalGenerated: 3, QualityPassed: 3}, models.Params{}, true)
	require.NoError(t, Write(path, partial))

	final := Build("task-1", models.RunStatistics{TotalInput: 10, TotalGenerated: 9, QualityPassed: 6}, models.Params{}, false)
	require.NoError(t, Write(path, final))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.False(t, loaded.IsPartial)
	assert.Equal(t, 9, loaded.Statistics.TotalGenerated)
	assert.InDelta(t, 6.0/9.0, loaded.QualityMetrics.PassRate, 1e-9)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestBuildMeta(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "generated_data.jsonl")
	require.NoError(t, os.WriteFile(out, []byte("{\"a\":1}\n"), 0644))

	start := time.Now().Add(-time.Minute)
	stats := models.RunStatistics{TotalInput: 5, QualityPassed: 4}
	m := BuildMeta("task-1", models.StatusCompleted, models.Params{Strategy: models.StrategyEnhance}, stats, out, start, time.Now())

	assert.Equal(t, models.TaskTypeDistill, m.TaskType)
	assert.Equal(t, int64(8), m.FileSize)
	assert.Equal(t, 5, m.InputItemCount)
	assert.Equal(t, 4, m.OutputItemCount)

	metaPath := filepath.Join(dir, "meta.json")
	require.NoError(t, WriteMeta(metaPath, m))
	_, err := os.Stat(metaPath)
	assert.NoError(t, err)
}
