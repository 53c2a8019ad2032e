package checkpoint

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/lamim/distillforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleCheckpoint() *models.Checkpoint {
	cp := New("task-1", models.Params{
		Strategy:  models.StrategyEnhance,
		ModelID:   "m",
		InputFile: "input.jsonl",
	}, 10)
	cp.LastCommittedPosition = 5
	cp.WrittenCount = 7
	cp.OutputBytes = 321
	cp.Stats.SuccessfulGenerations = 5
	return cp
}

func TestSaveAndLoad(t *testing.T) {
	store := NewStore(t.TempDir(), testLogger())

	cp := sampleCheckpoint()
	if err := store.Save(cp); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if cp.UpdatedAt.IsZero() {
		t.Error("Save should stamp UpdatedAt")
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.TaskID != "task-1" {
		t.Errorf("TaskID = %q, want task-1", loaded.TaskID)
	}
	if loaded.LastCommittedPosition != 5 || loaded.WrittenCount != 7 || loaded.OutputBytes != 321 {
		t.Errorf("unexpected checkpoint contents: %+v", loaded)
	}
	if loaded.Stats.SuccessfulGenerations != 5 {
		t.Errorf("stats not restored: %+v", loaded.Stats)
	}
	if loaded.Params.Strategy != models.StrategyEnhance {
		t.Errorf("params not restored: %+v", loaded.Params)
	}

	// No temp file left behind
	if _, err := os.Stat(store.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after save, stat err = %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	store := NewStore(t.TempDir(), testLogger())
	if _, err := store.Load(); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("expected ErrNoCheckpoint, got %v", err)
	}
	if store.Exists() {
		t.Error("Exists should be false")
	}
}

func TestLoadCorruptIsAbsent(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, testLogger())
	if err := os.WriteFile(filepath.Join(dir, CheckpointFilename), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("expected ErrNoCheckpoint for corrupt file, got %v", err)
	}
}

func TestLoadFallsBackToTemp(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, testLogger())

	if err := store.Save(sampleCheckpoint()); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash between write and rename
	if err := os.Rename(store.Path(), store.Path()+".tmp"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(store.Path(), []byte(""), 0644); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("expected recovery from temp file, got %v", err)
	}
	if loaded.LastCommittedPosition != 5 {
		t.Errorf("position = %d, want 5", loaded.LastCommittedPosition)
	}
}

func TestManagerInterval(t *testing.T) {
	store := NewStore(t.TempDir(), testLogger())
	mgr := NewManager(store, sampleCheckpoint(), 3, testLogger())

	if mgr.Advance(1) || mgr.Advance(1) {
		t.Fatal("interval should not be reached after 2 advances")
	}
	if !mgr.Advance(1) {
		t.Fatal("interval should be reached after 3 advances")
	}
	if mgr.Advance(2) {
		t.Fatal("counter should reset after reaching the interval")
	}
}

func TestManagerSaveSnapshot(t *testing.T) {
	store := NewStore(t.TempDir(), testLogger())
	mgr := NewManager(store, sampleCheckpoint(), 10, testLogger())

	mgr.Update(func(cp *models.Checkpoint) {
		cp.LastCommittedPosition = 8
		cp.CommittedAhead = []int{10}
	})
	snap := mgr.Snapshot()
	snap.CommittedAhead[0] = 99
	if got := mgr.Snapshot().CommittedAhead[0]; got != 10 {
		t.Errorf("snapshot should be a deep copy, live value changed to %d", got)
	}

	mgr.Save()
	loaded, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.LastCommittedPosition != 8 {
		t.Errorf("position = %d, want 8", loaded.LastCommittedPosition)
	}
}

func TestManagerSaveErrorSwallowed(t *testing.T) {
	dir := t.TempDir()
	// A regular file where the task directory should be makes every save fail
	blocked := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocked, nil, 0644); err != nil {
		t.Fatal(err)
	}
	store := NewStore(blocked, testLogger())
	mgr := NewManager(store, sampleCheckpoint(), 1, testLogger())

	var failures int
	mgr.OnSaveError = func(error) { failures++ }
	mgr.Save()
	if failures != 1 {
		t.Errorf("expected 1 reported save failure, got %d", failures)
	}
}
