package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lamim/distillforge/pkg/models"
)

const CheckpointFilename = "checkpoint.json"

// ErrNoCheckpoint is returned when no usable checkpoint exists
var ErrNoCheckpoint = errors.New("no checkpoint")

// Store reads and writes the checkpoint of one task directory
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	writeMu sync.Mutex // Serializes disk writes
}

// NewStore creates a store for the given task directory
func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{dir: dir, logger: logger, now: time.Now}
}

// Dir returns the task directory
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the canonical checkpoint path
func (s *Store) Path() string {
	return filepath.Join(s.dir, CheckpointFilename)
}

// Save stamps UpdatedAt and writes cp atomically: temp file in the same
// directory, fsync, then rename over the canonical path.
func (s *Store) Save(cp *models.Checkpoint) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cp.UpdatedAt = s.now()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	tempPath := s.Path() + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync temp checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp checkpoint: %w", err)
	}

	if err := os.Rename(tempPath, s.Path()); err != nil {
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}

	s.logger.Debug("Checkpoint saved",
		"path", s.Path(),
		"position", cp.LastCommittedPosition,
		"written", cp.WrittenCount)
	return nil
}

// Load reads the checkpoint. A missing or corrupt canonical file falls back to
// the temp file left by an interrupted save; if neither decodes, ErrNoCheckpoint.
func (s *Store) Load() (*models.Checkpoint, error) {
	cp, err := readCheckpoint(s.Path())
	if err == nil {
		s.logger.Info("Checkpoint loaded",
			"task_id", cp.TaskID,
			"position", cp.LastCommittedPosition,
			"written", cp.WrittenCount)
		return cp, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("Checkpoint unreadable, trying temp file", "path", s.Path(), "error", err)
	}

	cp, tmpErr := readCheckpoint(s.Path() + ".tmp")
	if tmpErr == nil {
		s.logger.Warn("Recovered checkpoint from temp file", "task_id", cp.TaskID)
		return cp, nil
	}

	return nil, ErrNoCheckpoint
}

// Exists reports whether a checkpoint file is present
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

func readCheckpoint(path string) (*models.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if cp.TaskID == "" {
		return nil, fmt.Errorf("checkpoint has no task id")
	}
	return &cp, nil
}

// Manager tracks the live checkpoint of a running task and decides when to persist it.
// It is owned by the coordinating goroutine; the mutex only guards readers such as
// progress queries.
type Manager struct {
	store    *Store
	logger   *slog.Logger
	interval int
	counter  int // Advances since last save

	mu         sync.RWMutex
	checkpoint *models.Checkpoint

	// OnSaveError is called for every swallowed save failure
	OnSaveError func(err error)
}

// NewManager wraps cp for interval-based saving
func NewManager(store *Store, cp *models.Checkpoint, interval int, logger *slog.Logger) *Manager {
	if interval < 1 {
		interval = models.DefaultCheckpointInterval
	}
	return &Manager{
		store:      store,
		logger:     logger,
		interval:   interval,
		checkpoint: cp,
	}
}

// Update mutates the live checkpoint under the lock
func (m *Manager) Update(fn func(cp *models.Checkpoint)) {
	m.mu.Lock()
	fn(m.checkpoint)
	m.mu.Unlock()
}

// Advance records n advances and reports whether the save interval was reached
func (m *Manager) Advance(n int) bool {
	m.counter += n
	if m.counter >= m.interval {
		m.counter = 0
		return true
	}
	return false
}

// Save persists a snapshot of the live checkpoint. Failures are logged and swallowed.
func (m *Manager) Save() {
	snapshot := m.Snapshot()
	if err := m.store.Save(snapshot); err != nil {
		m.logger.Warn("Failed to save checkpoint", "error", err)
		if m.OnSaveError != nil {
			m.OnSaveError(err)
		}
		return
	}
	m.mu.Lock()
	m.checkpoint.UpdatedAt = snapshot.UpdatedAt
	m.mu.Unlock()
	m.counter = 0
}

// Snapshot returns a deep copy of the live checkpoint
func (m *Manager) Snapshot() *models.Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Clone(m.checkpoint)
}
