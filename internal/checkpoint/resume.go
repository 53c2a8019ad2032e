package checkpoint

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/lamim/distillforge/pkg/models"
)

// New creates the initial checkpoint of a task
func New(taskID string, params models.Params, totalLines int) *models.Checkpoint {
	now := time.Now()
	return &models.Checkpoint{
		TaskID:     taskID,
		InputFile:  params.InputFile,
		Format:     models.FormatJSONL,
		TotalLines: totalLines,
		Status:     models.StatusRunning,
		Params:     params,
		Stats:      models.RunStatistics{TotalInput: totalLines},
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy of cp
func Clone(cp *models.Checkpoint) *models.Checkpoint {
	out := *cp
	if cp.CommittedAhead != nil {
		out.CommittedAhead = append([]int(nil), cp.CommittedAhead...)
	}
	out.Params.SelectedFields = append(models.StringList(nil), cp.Params.SelectedFields...)
	out.Params.LabelSet = append(models.StringList(nil), cp.Params.LabelSet...)
	return &out
}

// CloneAs copies cp for a new task id, leaving the source untouched
func CloneAs(cp *models.Checkpoint, taskID string) *models.Checkpoint {
	out := Clone(cp)
	out.TaskID = taskID
	out.Status = models.StatusPaused
	return out
}

// ValidateForResume checks that a checkpoint can be resumed
func ValidateForResume(cp *models.Checkpoint) error {
	if cp.Format != "" && cp.Format != models.FormatJSONL {
		return fmt.Errorf("unsupported checkpoint format: %s", cp.Format)
	}
	if cp.InputFile == "" {
		return fmt.Errorf("checkpoint has no input file")
	}
	switch cp.Status {
	case models.StatusCompleted:
		return fmt.Errorf("checkpoint is already complete, nothing to resume")
	case models.StatusCancelled:
		return fmt.Errorf("task was cancelled and cannot be resumed")
	}
	if cp.TotalLines > 0 && cp.LastCommittedPosition > cp.TotalLines {
		return fmt.Errorf("checkpoint position %d exceeds input size %d", cp.LastCommittedPosition, cp.TotalLines)
	}
	return nil
}

// SameInput reports whether two input paths refer to the same file
func SameInput(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return absA == absB
}

// Committed reports whether line was already written before the checkpoint
func Committed(cp *models.Checkpoint, line int) bool {
	if line <= cp.LastCommittedPosition {
		return true
	}
	for _, l := range cp.CommittedAhead {
		if l == line {
			return true
		}
	}
	return false
}

// GetProgressPercentage returns the committed share of the input
func GetProgressPercentage(cp *models.Checkpoint) float64 {
	if cp.TotalLines == 0 {
		return 0.0
	}
	pct := float64(cp.LastCommittedPosition) / float64(cp.TotalLines) * 100.0
	if pct > 100 {
		return 100
	}
	return pct
}
