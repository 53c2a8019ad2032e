// Package orchestrator runs streaming generation tasks: bounded concurrent dispatch of
// per-record model calls, ordered (or unordered) commit, checkpointing and pause/cancel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lamim/distillforge/internal/checkpoint"
	"github.com/lamim/distillforge/internal/invoker"
	"github.com/lamim/distillforge/internal/metrics"
	"github.com/lamim/distillforge/internal/quality"
	"github.com/lamim/distillforge/internal/registry"
	"github.com/lamim/distillforge/internal/writer"
	"github.com/lamim/distillforge/pkg/models"
)

const (
	// harvestWatchdog is how long the coordinator waits on completions before warning
	harvestWatchdog = 30 * time.Second
	// minPollTick bounds how often status is re-read while waiting on completions
	minPollTick = 50 * time.Millisecond
)

// Run describes one execution of a task, fresh or resumed
type Run struct {
	TaskID     string
	Params     models.Params
	InputPath  string // JSONL file actually read; may be a transcoded copy of Params.InputFile
	Dir        *writer.TaskDir
	Checkpoint *models.Checkpoint
	Resumed    bool
}

// Outcome is the result of a scheduler run
type Outcome struct {
	Status     models.TaskStatus
	Checkpoint *models.Checkpoint
	Report     *models.QualityReport
}

// Scheduler executes runs
type Scheduler struct {
	invoker      *invoker.Invoker
	registry     registry.Registry
	metrics      *metrics.Collector
	logger       *slog.Logger
	pollInterval time.Duration
	showProgress bool
	watchdog     time.Duration

	// onCheckpoint is called with every saved checkpoint
	onCheckpoint func(cp *models.Checkpoint)
}

// SchedulerOptions configures a Scheduler
type SchedulerOptions struct {
	Invoker      *invoker.Invoker
	Registry     registry.Registry
	Metrics      *metrics.Collector
	Logger       *slog.Logger
	PollInterval time.Duration
	ShowProgress bool
}

// NewScheduler creates a scheduler
func NewScheduler(opts SchedulerOptions) *Scheduler {
	return &Scheduler{
		invoker:      opts.Invoker,
		registry:     opts.Registry,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		pollInterval: opts.PollInterval,
		showProgress: opts.ShowProgress,
		watchdog:     harvestWatchdog,
	}
}

type unit struct {
	line int
	req  models.GenerationRequest
}

type unitResult struct {
	line    int
	records []models.Record
	err     error
	skipped bool // blank or malformed input line
	written bool // already in the output before this run
}

// execution is the coordinator state of one run. Only the coordinating goroutine touches it,
// except stopFlag which workers read.
type execution struct {
	s      *Scheduler
	run    Run
	p      models.Params
	logger *slog.Logger
	gate   *quality.Gate
	probe  *registry.StatusProbe
	mgr    *checkpoint.Manager
	out    *writer.DatasetWriter
	bar    *progressbar.ProgressBar

	stopFlag atomic.Bool
	stop     models.TaskStatus // paused or cancelled once observed

	inflight    int
	maxInFlight int
	results     chan unitResult

	nextToCommit int
	pending      map[int]unitResult // ordered mode
	ahead        map[int]bool       // unordered mode

	lastPushed float64
}

// Execute runs the task until the input is exhausted, a pause or cancel is observed,
// or a fatal error occurs. Per-record failures never end the run.
func (s *Scheduler) Execute(ctx context.Context, run Run) (*Outcome, error) {
	p := run.Params
	logger := s.logger.With("task_id", run.TaskID)
	bg := context.WithoutCancel(ctx)

	positions, nonBlank, err := countLines(run.InputPath)
	if err != nil {
		return s.fail(bg, run, nil, err)
	}

	cp := run.Checkpoint
	offset := int64(-1)
	if run.Resumed {
		offset = cp.OutputBytes
		if cp.TotalLines != 0 && cp.TotalLines != positions {
			logger.Warn("Input size changed since checkpoint",
				"checkpoint_lines", cp.TotalLines,
				"current_lines", positions)
		}
	}
	cp.TotalLines = positions
	cp.Stats.TotalInput = nonBlank
	cp.Status = models.StatusRunning
	cp.Params = p

	out, err := writer.NewDatasetWriter(run.Dir.DatasetPath(), offset, p.FsyncInterval, logger)
	if err != nil {
		return s.fail(bg, run, nil, err)
	}
	defer out.Close()
	out.OnSyncError = func(error) { s.metrics.IncrementDurabilityFailure("fsync") }

	store := checkpoint.NewStore(run.Dir.Path(), logger)
	mgr := checkpoint.NewManager(store, cp, p.CheckpointInterval, logger)
	mgr.OnSaveError = func(error) { s.metrics.IncrementDurabilityFailure("checkpoint") }

	maxInFlight := p.MaxWorkers * p.InflightMultiplier
	e := &execution{
		s:            s,
		run:          run,
		p:            p,
		logger:       logger,
		gate:         quality.NewGate(p),
		probe:        registry.NewStatusProbe(s.registry, run.TaskID, s.pollInterval, logger),
		mgr:          mgr,
		out:          out,
		maxInFlight:  maxInFlight,
		results:      make(chan unitResult, maxInFlight),
		nextToCommit: cp.LastCommittedPosition + 1,
		pending:      make(map[int]unitResult),
		ahead:        make(map[int]bool),
		lastPushed:   -1,
	}
	for _, l := range cp.CommittedAhead {
		e.ahead[l] = true
	}
	if s.showProgress {
		e.bar = progressbar.Default(int64(positions), "Generating")
		_ = e.bar.Add(cp.LastCommittedPosition + len(cp.CommittedAhead))
	}

	if err := s.registry.SetField(bg, run.TaskID, "status", models.StatusRunning); err != nil {
		logger.Warn("Failed to update task status", "error", err)
	}

	logger.Info("Starting generation",
		"strategy", p.Strategy,
		"model_id", p.ModelID,
		"total_lines", positions,
		"resume_from", cp.LastCommittedPosition+1,
		"workers", p.MaxWorkers,
		"max_inflight", maxInFlight,
		"ordered", !p.UnorderedWrite)

	// the checkpoint on disk reads running before the first record commits
	e.save()
	runErr := e.loop(ctx)
	return e.finish(bg, runErr)
}

func (e *execution) loop(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	work := make(chan unit, e.maxInFlight)
	g, gctx := errgroup.WithContext(workCtx)
	paused := func() bool { return e.stopFlag.Load() }
	for i := 0; i < e.p.MaxWorkers; i++ {
		workerLogger := e.logger.With("worker_id", i)
		g.Go(func() error {
			workerLogger.Debug("Worker started")
			for u := range work {
				recs, err := e.s.invoker.Invoke(gctx, u.req, paused)
				e.results <- unitResult{line: u.line, records: recs, err: err}
			}
			workerLogger.Debug("Worker finished")
			return nil
		})
	}

	runErr := e.feed(ctx, work)
	close(work)
	if runErr != nil {
		// Fatal: abort in-flight calls, then collect what they return
		e.requestStop(models.StatusPaused)
		cancelWork()
	}

	for e.inflight > 0 {
		res := e.harvest(ctx)
		if runErr != nil {
			continue
		}
		if err := e.commit(res); err != nil {
			runErr = err
			e.requestStop(models.StatusPaused)
			cancelWork()
		}
	}
	_ = g.Wait()
	return runErr
}

// feed reads input lines and submits them until input ends or a stop is observed
func (e *execution) feed(ctx context.Context, work chan<- unit) error {
	lines, err := openLines(e.run.InputPath)
	if err != nil {
		return err
	}
	defer lines.Close()

	cp := e.mgr.Snapshot()
	for {
		if e.checkStop(ctx) {
			return nil
		}
		pos, data, ok, err := lines.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if checkpoint.Committed(cp, pos) {
			// Lines written ahead of the watermark still occupy their slot in ordered mode
			if !e.p.UnorderedWrite && pos > cp.LastCommittedPosition {
				if err := e.commit(unitResult{line: pos, written: true}); err != nil {
					return err
				}
			}
			continue
		}

		rec, err := parseRecord(data)
		if rec == nil {
			if err != nil {
				e.logger.Warn("Skipping malformed input line", "line", pos, "error", err)
			}
			if err := e.commit(unitResult{line: pos, skipped: true}); err != nil {
				return err
			}
			continue
		}

		for e.inflight >= e.maxInFlight {
			if err := e.commit(e.harvest(ctx)); err != nil {
				return err
			}
			if e.checkStop(ctx) {
				return nil
			}
		}

		if e.checkStop(ctx) {
			return nil
		}
		work <- unit{line: pos, req: models.GenerationRequest{
			Record:   models.InputRecord{Line: pos, Fields: rec},
			Strategy: e.p.Strategy,
			ModelID:  e.p.ModelID,
			Count:    e.p.GenerationCount,
			Params:   e.p,
		}}
		e.inflight++
		e.s.metrics.SetInflight(e.run.TaskID, e.inflight)
	}
}

// harvest waits for the next completion, polling task status and warning when stalled
func (e *execution) harvest(ctx context.Context) unitResult {
	tick := e.s.pollInterval
	if tick < minPollTick {
		tick = minPollTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	waitStart := time.Now()
	lastWarn := waitStart
	for {
		select {
		case res := <-e.results:
			e.inflight--
			e.s.metrics.SetInflight(e.run.TaskID, e.inflight)
			return res
		case <-ticker.C:
			e.checkStop(ctx)
			if time.Since(lastWarn) >= e.s.watchdog {
				lastWarn = time.Now()
				e.logger.Warn("Still waiting for generation results",
					"inflight", e.inflight,
					"waited", time.Since(waitStart).Round(time.Second))
			}
		}
	}
}

// checkStop polls the task status and records a pause or cancel request.
// A cancelled context counts as a pause.
func (e *execution) checkStop(ctx context.Context) bool {
	if e.stop != "" {
		return true
	}
	if ctx.Err() != nil {
		e.requestStop(models.StatusPaused)
		return true
	}
	switch status := e.probe.Status(ctx); status {
	case models.StatusPaused, models.StatusCancelled:
		e.requestStop(status)
		return true
	}
	return false
}

func (e *execution) requestStop(status models.TaskStatus) {
	if e.stop == "" {
		e.stop = status
		e.logger.Info("Stop requested, draining in-flight work", "status", status, "inflight", e.inflight)
	}
	e.stopFlag.Store(true)
}

// commit applies one completion. Paused completions are dropped so their line stays uncommitted.
func (e *execution) commit(res unitResult) error {
	if errors.Is(res.err, invoker.ErrPaused) {
		return nil
	}

	if e.p.UnorderedWrite {
		written, err := e.apply(res)
		if err != nil {
			return err
		}
		e.mgr.Update(func(cp *models.Checkpoint) {
			e.ahead[res.line] = true
			for e.ahead[cp.LastCommittedPosition+1] {
				delete(e.ahead, cp.LastCommittedPosition+1)
				cp.LastCommittedPosition++
			}
			cp.CommittedAhead = sortedLines(e.ahead)
		})
		e.advanced(written)
		return nil
	}

	e.pending[res.line] = res
	for {
		next, ok := e.pending[e.nextToCommit]
		if !ok {
			break
		}
		delete(e.pending, e.nextToCommit)
		if _, err := e.apply(next); err != nil {
			return err
		}
		line := e.nextToCommit
		e.nextToCommit++
		e.mgr.Update(func(cp *models.Checkpoint) {
			cp.LastCommittedPosition = line
			for len(cp.CommittedAhead) > 0 && cp.CommittedAhead[0] <= line {
				cp.CommittedAhead = cp.CommittedAhead[1:]
			}
		})
		e.advanced(1)
	}
	e.s.metrics.SetPendingCommits(e.run.TaskID, len(e.pending))
	return nil
}

// apply counts a completion and writes its accepted records. Only write errors are returned.
func (e *execution) apply(res unitResult) (int, error) {
	if res.written {
		return 0, nil
	}
	if e.bar != nil {
		_ = e.bar.Add(1)
	}
	if res.skipped {
		e.mgr.Update(func(cp *models.Checkpoint) { cp.Stats.SkippedLines++ })
		return 0, nil
	}

	strategy := string(e.p.Strategy)
	failed := res.err != nil
	if failed {
		e.logger.Warn("Generation failed for line", "line", res.line, "error", res.err)
		e.s.metrics.IncrementGeneration(strategy, "error")
	} else {
		e.s.metrics.IncrementGeneration(strategy, "success")
	}

	written, rejected := 0, 0
	for _, rec := range res.records {
		if !e.gate.Accepts(rec) {
			rejected++
			e.s.metrics.RecordQuality(strategy, false)
			continue
		}
		if err := e.out.WriteRecord(rec); err != nil {
			return written, err
		}
		written++
		e.s.metrics.RecordQuality(strategy, true)
	}

	e.mgr.Update(func(cp *models.Checkpoint) {
		if failed {
			cp.Stats.FailedGenerations++
		} else {
			cp.Stats.SuccessfulGenerations++
		}
		cp.Stats.TotalGenerated += len(res.records)
		cp.Stats.QualityPassed += written
		cp.Stats.QualityFailed += rejected
		cp.WrittenCount += written
	})
	return written, nil
}

// advanced records progress and saves the checkpoint when the interval is reached
func (e *execution) advanced(n int) {
	if e.mgr.Advance(n) {
		e.save()
	}
	e.pushProgress(false)
}

func (e *execution) save() {
	e.out.Sync()
	size := e.out.Size()
	e.mgr.Update(func(cp *models.Checkpoint) { cp.OutputBytes = size })
	e.mgr.Save()
	e.pushProgress(true)
	if e.s.onCheckpoint != nil {
		e.s.onCheckpoint(e.mgr.Snapshot())
	}
}

// pushProgress writes progress to the registry when it moved by at least 0.1%
func (e *execution) pushProgress(withStats bool) {
	cp := e.mgr.Snapshot()
	pct := checkpoint.GetProgressPercentage(cp)
	e.s.metrics.SetProgress(e.run.TaskID, pct)

	bg := context.Background()
	if pct-e.lastPushed >= 0.1 || withStats {
		if err := e.s.registry.SetField(bg, e.run.TaskID, "progress", pct); err != nil {
			e.logger.Debug("Failed to push progress", "error", err)
		}
		e.lastPushed = pct
	}
	if withStats {
		if err := e.s.registry.SetField(bg, e.run.TaskID, "statistics", cp.Stats); err != nil {
			e.logger.Debug("Failed to push statistics", "error", err)
		}
	}
}

func (e *execution) finish(ctx context.Context, runErr error) (*Outcome, error) {
	status := models.StatusCompleted
	switch {
	case runErr != nil:
		status = models.StatusFailed
	case e.stop != "":
		status = e.stop
	}

	e.mgr.Update(func(cp *models.Checkpoint) { cp.Status = status })
	e.save()
	cp := e.mgr.Snapshot()

	if e.bar != nil {
		_ = e.bar.Finish()
	}

	if runErr != nil {
		_, err := e.s.fail(ctx, e.run, cp, runErr)
		return &Outcome{Status: status, Checkpoint: cp}, err
	}

	rep := reportFor(e.run, cp, status != models.StatusCompleted)
	if err := writeReport(e.run.Dir, rep); err != nil {
		e.logger.Warn("Failed to write quality report", "error", err)
	}

	if status == models.StatusCompleted {
		if err := e.s.registry.SetField(ctx, e.run.TaskID, "progress", 100.0); err != nil {
			e.logger.Debug("Failed to push progress", "error", err)
		}
		if err := writeMeta(ctx, e.s.registry, e.run, cp); err != nil {
			e.logger.Warn("Failed to write task metadata", "error", err)
		}
	}

	if status != models.StatusCancelled {
		if err := e.s.registry.SetField(ctx, e.run.TaskID, "status", status); err != nil {
			e.logger.Warn("Failed to update task status", "error", err)
		}
	}
	if err := e.s.registry.SetField(ctx, e.run.TaskID, "metadata.output_file", e.run.Dir.DatasetPath()); err != nil {
		e.logger.Debug("Failed to record output path", "error", err)
	}

	e.logger.Info("Generation stopped",
		"status", status,
		"committed_position", cp.LastCommittedPosition,
		"total_lines", cp.TotalLines,
		"written", cp.WrittenCount,
		"successful", cp.Stats.SuccessfulGenerations,
		"failed", cp.Stats.FailedGenerations,
		"quality_passed", cp.Stats.QualityPassed,
		"quality_failed", cp.Stats.QualityFailed)

	return &Outcome{Status: status, Checkpoint: cp, Report: rep}, nil
}

// fail marks the task failed with err as its error message
func (s *Scheduler) fail(ctx context.Context, run Run, cp *models.Checkpoint, err error) (*Outcome, error) {
	s.logger.Error("Generation failed", "task_id", run.TaskID, "error", err)
	if setErr := registry.SetStatus(ctx, s.registry, run.TaskID, models.StatusFailed, err.Error()); setErr != nil {
		s.logger.Warn("Failed to record task failure", "task_id", run.TaskID, "error", setErr)
	}
	return &Outcome{Status: models.StatusFailed, Checkpoint: cp}, fmt.Errorf("task %s failed: %w", run.TaskID, err)
}

func sortedLines(set map[int]bool) []int {
	if len(set) == 0 {
		return nil
	}
	out := make([]int, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}
