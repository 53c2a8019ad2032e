package checkpoint

import (
	"testing"

	"github.com/lamim/distillforge/pkg/models"
)

func TestValidateForResume(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cp *models.Checkpoint)
		wantErr bool
	}{
		{"paused", func(cp *models.Checkpoint) { cp.Status = models.StatusPaused }, false},
		{"running after crash", func(cp *models.Checkpoint) {}, false},
		{"completed", func(cp *models.Checkpoint) { cp.Status = models.StatusCompleted }, true},
		{"cancelled", func(cp *models.Checkpoint) { cp.Status = models.StatusCancelled }, true},
		{"wrong format", func(cp *models.Checkpoint) { cp.Format = "csv" }, true},
		{"no input", func(cp *models.Checkpoint) { cp.InputFile = "" }, true},
		{"position past end", func(cp *models.Checkpoint) { cp.LastCommittedPosition = 11 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := sampleCheckpoint()
			tt.mutate(cp)
			err := ValidateForResume(cp)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateForResume() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommitted(t *testing.T) {
	cp := sampleCheckpoint()
	cp.CommittedAhead = []int{7, 9}

	for line, want := range map[int]bool{1: true, 5: true, 6: false, 7: true, 8: false, 9: true, 10: false} {
		if got := Committed(cp, line); got != want {
			t.Errorf("Committed(%d) = %v, want %v", line, got, want)
		}
	}
}

func TestGetProgressPercentage(t *testing.T) {
	cp := sampleCheckpoint()
	if got := GetProgressPercentage(cp); got != 50.0 {
		t.Errorf("progress = %v, want 50", got)
	}
	cp.TotalLines = 0
	if got := GetProgressPercentage(cp); got != 0 {
		t.Errorf("progress with no input = %v, want 0", got)
	}
}

func TestCloneAs(t *testing.T) {
	cp := sampleCheckpoint()
	cp.CommittedAhead = []int{8}
	cp.Params.LabelSet = models.StringList{"a", "b"}

	clone := CloneAs(cp, "task-2")
	if clone.TaskID != "task-2" || cp.TaskID != "task-1" {
		t.Fatalf("task ids: clone %q, source %q", clone.TaskID, cp.TaskID)
	}
	clone.CommittedAhead[0] = 1
	clone.Params.LabelSet[0] = "z"
	if cp.CommittedAhead[0] != 8 || cp.Params.LabelSet[0] != "a" {
		t.Error("clone shares slices with the source")
	}
	if clone.LastCommittedPosition != cp.LastCommittedPosition {
		t.Error("clone should keep the committed position")
	}
}
