package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/distillforge/pkg/models"
)

// Memory is an in-process registry
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]*models.TaskState
	now   func() time.Time
}

// NewMemory creates an empty in-process registry
func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[string]*models.TaskState),
		now:   time.Now,
	}
}

// CreateTask registers a pending task and returns its id
func (m *Memory) CreateTask(ctx context.Context, taskType, subtype string, params map[string]any) (string, error) {
	p, err := toMap(params)
	if err != nil {
		return "", err
	}
	now := m.now()
	id := uuid.New().String()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[id] = &models.TaskState{
		ID:          id,
		Type:        taskType,
		Subtype:     subtype,
		Status:      models.StatusPending,
		Params:      p,
		Statistics:  map[string]any{},
		Metadata:    map[string]any{},
		CreatedAt:   now,
		LastUpdated: now,
	}
	return id, nil
}

// SetField updates one field of a task
func (m *Memory) SetField(ctx context.Context, taskID, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	return applyField(state, key, value, m.now())
}

// GetTask returns a copy of the task state
func (m *Memory) GetTask(ctx context.Context, taskID string) (*models.TaskState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneState(state), nil
}

// ListTasks returns all tasks, newest first
func (m *Memory) ListTasks(ctx context.Context) ([]models.TaskState, error) {
	m.mu.RLock()
	out := make([]models.TaskState, 0, len(m.tasks))
	for _, state := range m.tasks {
		out = append(out, *cloneState(state))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Close is a no-op
func (m *Memory) Close() error {
	return nil
}
