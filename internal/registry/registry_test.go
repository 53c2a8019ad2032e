package registry

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/lamim/distillforge/pkg/models"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// implementations runs each test against every registry backend
func implementations(t *testing.T) map[string]Registry {
	t.Helper()
	sqlite, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Registry{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	for name, r := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			id, err := r.CreateTask(ctx, models.TaskTypeDistill, "enhance", map[string]any{"model_id": "m", "max_workers": 4})
			require.NoError(t, err)
			require.NotEmpty(t, id)

			state, err := r.GetTask(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, id, state.ID)
			assert.Equal(t, models.TaskTypeDistill, state.Type)
			assert.Equal(t, "enhance", state.Subtype)
			assert.Equal(t, models.StatusPending, state.Status)
			assert.Equal(t, "m", state.Params["model_id"])
			assert.Equal(t, float64(4), state.Params["max_workers"])
			assert.Nil(t, state.StartTime)
			assert.False(t, state.CreatedAt.IsZero())

			_, err = r.GetTask(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSetField(t *testing.T) {
	ctx := context.Background()
	for name, r := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			id, err := r.CreateTask(ctx, models.TaskTypeDistill, "", nil)
			require.NoError(t, err)

			require.NoError(t, r.SetField(ctx, id, "status", models.StatusRunning))
			require.NoError(t, r.SetField(ctx, id, "progress", 42.5))
			require.NoError(t, r.SetField(ctx, id, "statistics.written", 7))
			require.NoError(t, r.SetField(ctx, id, "metadata.output_file", "out.jsonl"))

			state, err := r.GetTask(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.StatusRunning, state.Status)
			assert.Equal(t, 42.5, state.Progress)
			assert.Equal(t, float64(7), state.Statistics["written"])
			assert.Equal(t, "out.jsonl", state.Metadata["output_file"])
			require.NotNil(t, state.StartTime)
			assert.Nil(t, state.EndTime)

			require.NoError(t, r.SetField(ctx, id, "status", "completed"))
			state, err = r.GetTask(ctx, id)
			require.NoError(t, err)
			assert.NotNil(t, state.EndTime)

			assert.Error(t, r.SetField(ctx, id, "status", "exploded"))
			assert.Error(t, r.SetField(ctx, id, "progress", "half"))
			assert.Error(t, r.SetField(ctx, id, "colour", "red"))
			assert.ErrorIs(t, r.SetField(ctx, "missing", "progress", 1.0), ErrNotFound)
		})
	}
}

func TestSQLiteConcurrentSetFieldAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")
	a, err := OpenSQLite(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenSQLite(path)
	require.NoError(t, err)
	defer b.Close()

	id, err := a.CreateTask(ctx, models.TaskTypeDistill, "", nil)
	require.NoError(t, err)

	const rounds = 25
	var g errgroup.Group
	for key, r := range map[string]*SQLite{"statistics.from_a": a, "statistics.from_b": b} {
		g.Go(func() error {
			for i := 1; i <= rounds; i++ {
				if err := r.SetField(ctx, id, key, i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	state, err := b.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, float64(rounds), state.Statistics["from_a"])
	assert.Equal(t, float64(rounds), state.Statistics["from_b"])
}

func TestListTasks(t *testing.T) {
	ctx := context.Background()
	for name, r := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				_, err := r.CreateTask(ctx, models.TaskTypeDistill, "", nil)
				require.NoError(t, err)
			}
			tasks, err := r.ListTasks(ctx)
			require.NoError(t, err)
			assert.Len(t, tasks, 3)
		})
	}
}

func TestLifecycleGuards(t *testing.T) {
	ctx := context.Background()
	for name, r := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			id, err := r.CreateTask(ctx, models.TaskTypeDistill, "", nil)
			require.NoError(t, err)

			// pending tasks cannot be paused
			assert.ErrorIs(t, Pause(ctx, r, id), ErrInvalidTransition)

			require.NoError(t, r.SetField(ctx, id, "status", models.StatusRunning))
			require.NoError(t, Pause(ctx, r, id))
			assert.ErrorIs(t, Pause(ctx, r, id), ErrInvalidTransition)

			require.NoError(t, MarkResumed(ctx, r, id))
			assert.ErrorIs(t, MarkResumed(ctx, r, id), ErrInvalidTransition)

			require.NoError(t, Cancel(ctx, r, id))
			assert.ErrorIs(t, Cancel(ctx, r, id), ErrInvalidTransition)

			state, err := r.GetTask(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.StatusCancelled, state.Status)
		})
	}
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	r := NewMemory()
	past := time.Now().Add(-2 * time.Hour)
	r.now = func() time.Time { return past }

	resumable, err := r.CreateTask(ctx, models.TaskTypeDistill, "", nil)
	require.NoError(t, err)
	lost, err := r.CreateTask(ctx, models.TaskTypeDistill, "", nil)
	require.NoError(t, err)
	require.NoError(t, r.SetField(ctx, resumable, "status", models.StatusRunning))
	require.NoError(t, r.SetField(ctx, lost, "status", models.StatusRunning))

	r.now = time.Now
	fresh, err := r.CreateTask(ctx, models.TaskTypeDistill, "", nil)
	require.NoError(t, err)
	require.NoError(t, r.SetField(ctx, fresh, "status", models.StatusRunning))

	n, err := RecoverStale(ctx, r, StaleAfter, func(id string) bool { return id == resumable }, silentLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[string]models.TaskStatus{
		resumable: models.StatusPaused,
		lost:      models.StatusFailed,
		fresh:     models.StatusRunning,
	} {
		state, err := r.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, state.Status, id)
	}
}

type countingRegistry struct {
	*Memory
	gets int
}

func (c *countingRegistry) GetTask(ctx context.Context, id string) (*models.TaskState, error) {
	c.gets++
	return c.Memory.GetTask(ctx, id)
}

func TestStatusProbe(t *testing.T) {
	ctx := context.Background()
	r := &countingRegistry{Memory: NewMemory()}
	id, err := r.CreateTask(ctx, models.TaskTypeDistill, "", nil)
	require.NoError(t, err)
	require.NoError(t, r.SetField(ctx, id, "status", models.StatusRunning))

	cached := NewStatusProbe(r, id, time.Hour, silentLogger())
	assert.Equal(t, models.StatusRunning, cached.Status(ctx))
	require.NoError(t, Pause(ctx, r, id))
	gets := r.gets
	assert.Equal(t, models.StatusRunning, cached.Status(ctx), "cached value within interval")
	assert.Equal(t, gets, r.gets)

	direct := NewStatusProbe(r, id, 0, silentLogger())
	assert.Equal(t, models.StatusPaused, direct.Status(ctx))

	missing := NewStatusProbe(r, "missing", 0, silentLogger())
	assert.Equal(t, models.StatusRunning, missing.Status(ctx))
}
