package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lamim/distillforge/pkg/models"
)

// StaleAfter is how long a running task may go without updates before RecoverStale claims it
const StaleAfter = time.Hour

// SetStatus moves a task to status, recording msg as the error message when non-empty
func SetStatus(ctx context.Context, r Registry, taskID string, status models.TaskStatus, msg string) error {
	if msg != "" {
		if err := r.SetField(ctx, taskID, "error_message", msg); err != nil {
			return err
		}
	}
	return r.SetField(ctx, taskID, "status", status)
}

// Pause requests a cooperative pause of a running task
func Pause(ctx context.Context, r Registry, taskID string) error {
	return transition(ctx, r, taskID, models.StatusPaused, models.StatusRunning)
}

// MarkResumed moves a paused task back to running
func MarkResumed(ctx context.Context, r Registry, taskID string) error {
	return transition(ctx, r, taskID, models.StatusRunning, models.StatusPaused)
}

// Cancel stops a task for good
func Cancel(ctx context.Context, r Registry, taskID string) error {
	return transition(ctx, r, taskID, models.StatusCancelled,
		models.StatusPending, models.StatusRunning, models.StatusPaused)
}

func transition(ctx context.Context, r Registry, taskID string, to models.TaskStatus, from ...models.TaskStatus) error {
	state, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	for _, s := range from {
		if state.Status == s {
			return r.SetField(ctx, taskID, "status", to)
		}
	}
	return fmt.Errorf("%w: cannot move task %s from %s to %s", ErrInvalidTransition, taskID, state.Status, to)
}

// RecoverStale resolves running tasks with no update for longer than maxAge, left behind by
// a crashed process. Tasks for which resumable returns true become paused, the rest failed.
func RecoverStale(ctx context.Context, r Registry, maxAge time.Duration, resumable func(taskID string) bool, logger *slog.Logger) (int, error) {
	tasks, err := r.ListTasks(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	cutoff := time.Now().Add(-maxAge)
	for _, t := range tasks {
		if t.Status != models.StatusRunning || t.LastUpdated.After(cutoff) {
			continue
		}
		if resumable != nil && resumable(t.ID) {
			err = r.SetField(ctx, t.ID, "status", models.StatusPaused)
		} else {
			err = SetStatus(ctx, r, t.ID, models.StatusFailed, "task stopped updating; marked failed on recovery")
		}
		if err != nil {
			return recovered, fmt.Errorf("recovering task %s: %w", t.ID, err)
		}
		logger.Warn("Recovered stale task", "task_id", t.ID, "last_updated", t.LastUpdated)
		recovered++
	}
	return recovered, nil
}

// StatusProbe caches task status reads so hot paths can poll without hitting the registry each time
type StatusProbe struct {
	registry Registry
	taskID   string
	interval time.Duration
	logger   *slog.Logger

	last    models.TaskStatus
	checked time.Time
}

// NewStatusProbe creates a probe. interval 0 reads through on every call.
func NewStatusProbe(r Registry, taskID string, interval time.Duration, logger *slog.Logger) *StatusProbe {
	return &StatusProbe{registry: r, taskID: taskID, interval: interval, logger: logger, last: models.StatusRunning}
}

// Status returns the most recent task status. Read failures keep the previous value.
// Not safe for concurrent use; callers serialize access.
func (p *StatusProbe) Status(ctx context.Context) models.TaskStatus {
	if p.interval > 0 && !p.checked.IsZero() && time.Since(p.checked) < p.interval {
		return p.last
	}
	state, err := p.registry.GetTask(ctx, p.taskID)
	if err != nil {
		p.logger.Debug("Status poll failed", "task_id", p.taskID, "error", err)
		return p.last
	}
	p.last = state.Status
	p.checked = time.Now()
	return p.last
}
