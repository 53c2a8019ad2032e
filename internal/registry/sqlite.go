package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lamim/distillforge/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite is a registry backed by a SQLite file, shared between CLI processes
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the registry database at path and runs pending migrations.
// Pass ":memory:" for an in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating registry directory: %w", err)
		}
	}

	// IMMEDIATE takes the write lock at BEGIN, so SetField's read-modify-write
	// cannot interleave with another process
	db, err := sql.Open("sqlite", path+"?_txlock=immediate&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging registry: %w", err)
	}

	// Single connection avoids "database is locked" between our own goroutines
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLite{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// AppliedMigrations returns the applied migration versions in ascending order
func (s *SQLite) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// CreateTask registers a pending task and returns its id
func (s *SQLite) CreateTask(ctx context.Context, taskType, subtype string, params map[string]any) (string, error) {
	p, err := toMap(params)
	if err != nil {
		return "", err
	}
	now := s.now()
	state := &models.TaskState{
		ID:          uuid.New().String(),
		Type:        taskType,
		Subtype:     subtype,
		Status:      models.StatusPending,
		Params:      p,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if err := insertTask(ctx, s.db, state); err != nil {
		return "", err
	}
	return state.ID, nil
}

// SetField updates one field of a task in a read-modify-write transaction
func (s *SQLite) SetField(ctx context.Context, taskID, key string, value any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning update: %w", err)
	}
	defer tx.Rollback()

	state, err := scanTask(tx.QueryRowContext(ctx, selectTask+" WHERE id = ?", taskID))
	if err != nil {
		return err
	}
	if err := applyField(state, key, value, s.now()); err != nil {
		return err
	}
	if err := updateTask(ctx, tx, state); err != nil {
		return err
	}
	return tx.Commit()
}

// GetTask returns the task state
func (s *SQLite) GetTask(ctx context.Context, taskID string) (*models.TaskState, error) {
	return scanTask(s.db.QueryRowContext(ctx, selectTask+" WHERE id = ?", taskID))
}

// ListTasks returns all tasks, newest first
func (s *SQLite) ListTasks(ctx context.Context) ([]models.TaskState, error) {
	rows, err := s.db.QueryContext(ctx, selectTask+" ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var out []models.TaskState
	for rows.Next() {
		state, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *state)
	}
	return out, rows.Err()
}

const selectTask = `SELECT id, task_type, task_subtype, status, progress, params, error_message,
	statistics, metadata, created_at, start_time, end_time, last_updated FROM tasks`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func insertTask(ctx context.Context, db execer, t *models.TaskState) error {
	params, stats, meta, err := encodeMaps(t)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO tasks (id, task_type, task_subtype, status, progress, params, error_message,
			statistics, metadata, created_at, start_time, end_time, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, t.Subtype, string(t.Status), t.Progress, params, t.ErrorMessage,
		stats, meta, formatTime(t.CreatedAt), formatTimePtr(t.StartTime), formatTimePtr(t.EndTime),
		formatTime(t.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

func updateTask(ctx context.Context, db execer, t *models.TaskState) error {
	params, stats, meta, err := encodeMaps(t)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, progress = ?, params = ?, error_message = ?, statistics = ?,
			metadata = ?, start_time = ?, end_time = ?, last_updated = ?
		WHERE id = ?`,
		string(t.Status), t.Progress, params, t.ErrorMessage, stats, meta,
		formatTimePtr(t.StartTime), formatTimePtr(t.EndTime), formatTime(t.LastUpdated), t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	return nil
}

func scanTask(row rowScanner) (*models.TaskState, error) {
	var t models.TaskState
	var status, params, stats, meta, created, updated string
	var start, end sql.NullString
	err := row.Scan(&t.ID, &t.Type, &t.Subtype, &status, &t.Progress, &params, &t.ErrorMessage,
		&stats, &meta, &created, &start, &end, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	t.Status = models.TaskStatus(status)

	if err := decodeMap(params, &t.Params); err != nil {
		return nil, err
	}
	if err := decodeMap(stats, &t.Statistics); err != nil {
		return nil, err
	}
	if err := decodeMap(meta, &t.Metadata); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.LastUpdated, err = parseTime(updated); err != nil {
		return nil, err
	}
	if t.StartTime, err = parseTimePtr(start); err != nil {
		return nil, err
	}
	if t.EndTime, err = parseTimePtr(end); err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeMaps(t *models.TaskState) (params, stats, meta string, err error) {
	enc := func(m map[string]any) (string, error) {
		if m == nil {
			return "{}", nil
		}
		data, err := json.Marshal(m)
		if err != nil {
			return "", fmt.Errorf("encoding task field: %w", err)
		}
		return string(data), nil
	}
	if params, err = enc(t.Params); err != nil {
		return
	}
	if stats, err = enc(t.Statistics); err != nil {
		return
	}
	meta, err = enc(t.Metadata)
	return
}

func decodeMap(s string, dst *map[string]any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		return fmt.Errorf("decoding task field: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
