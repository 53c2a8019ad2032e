// Package registry stores task state shared between the scheduler and its operators.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lamim/distillforge/pkg/models"
)

var (
	// ErrNotFound is returned for unknown task ids
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a lifecycle change is not allowed from the current status
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Registry is the task state collaborator
type Registry interface {
	CreateTask(ctx context.Context, taskType, subtype string, params map[string]any) (string, error)
	SetField(ctx context.Context, taskID, key string, value any) error
	GetTask(ctx context.Context, taskID string) (*models.TaskState, error)
	ListTasks(ctx context.Context) ([]models.TaskState, error)
	Close() error
}

// applyField sets key on state. Keys of the form "statistics.x" and "metadata.x"
// address entries of the nested maps.
func applyField(state *models.TaskState, key string, value any, now time.Time) error {
	if section, sub, ok := strings.Cut(key, "."); ok {
		var m *map[string]any
		switch section {
		case "statistics":
			m = &state.Statistics
		case "metadata":
			m = &state.Metadata
		default:
			return fmt.Errorf("unknown nested field: %s", key)
		}
		if *m == nil {
			*m = make(map[string]any)
		}
		(*m)[sub] = normalize(value)
		state.LastUpdated = now
		return nil
	}

	switch key {
	case "status":
		status, err := toStatus(value)
		if err != nil {
			return err
		}
		state.Status = status
		if status == models.StatusRunning && state.StartTime == nil {
			t := now
			state.StartTime = &t
		}
		if status.Terminal() {
			t := now
			state.EndTime = &t
		}
	case "progress":
		p, err := toFloat(value)
		if err != nil {
			return fmt.Errorf("progress: %w", err)
		}
		state.Progress = p
	case "error_message":
		state.ErrorMessage = fmt.Sprint(value)
	case "statistics":
		m, err := toMap(value)
		if err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		state.Statistics = m
	case "metadata":
		m, err := toMap(value)
		if err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
		state.Metadata = m
	case "params":
		m, err := toMap(value)
		if err != nil {
			return fmt.Errorf("params: %w", err)
		}
		state.Params = m
	default:
		return fmt.Errorf("unknown task field: %s", key)
	}
	state.LastUpdated = now
	return nil
}

func toStatus(v any) (models.TaskStatus, error) {
	var s models.TaskStatus
	switch x := v.(type) {
	case models.TaskStatus:
		s = x
	case string:
		s = models.TaskStatus(x)
	default:
		return "", fmt.Errorf("status must be a string, got %T", v)
	}
	switch s {
	case models.StatusPending, models.StatusRunning, models.StatusPaused,
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("unknown status: %s", s)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

// toMap converts structs and maps into a JSON-shaped map
func toMap(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("expected an object: %w", err)
	}
	return m, nil
}

// normalize converts v to its JSON-decoded form so both backends return the same shapes
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

func cloneState(s *models.TaskState) *models.TaskState {
	out := *s
	out.Params, _ = toMap(s.Params)
	out.Statistics, _ = toMap(s.Statistics)
	out.Metadata, _ = toMap(s.Metadata)
	if s.StartTime != nil {
		t := *s.StartTime
		out.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return &out
}
