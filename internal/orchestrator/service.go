package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/lamim/distillforge/internal/backend"
	"github.com/lamim/distillforge/internal/checkpoint"
	"github.com/lamim/distillforge/internal/invoker"
	"github.com/lamim/distillforge/internal/metrics"
	"github.com/lamim/distillforge/internal/prompt"
	"github.com/lamim/distillforge/internal/ratelimit"
	"github.com/lamim/distillforge/internal/registry"
	"github.com/lamim/distillforge/internal/report"
	"github.com/lamim/distillforge/internal/transcode"
	"github.com/lamim/distillforge/internal/writer"
	"github.com/lamim/distillforge/pkg/models"
)

var (
	// ErrAlreadyRunning is returned when a task is started twice in one process
	ErrAlreadyRunning = errors.New("task is already running")
	// ErrInvalidParams wraps parameter and resume validation failures
	ErrInvalidParams = errors.New("invalid task parameters")
)

// Options configures a Service
type Options struct {
	OutputDir    string
	Defaults     models.Params // engine defaults, overridden by task parameters
	PollInterval time.Duration
	ShowProgress bool
	StaleAfter   time.Duration // defaults to registry.StaleAfter

	Backend  backend.Backend
	Prompts  *prompt.Builder
	Registry registry.Registry
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// Service starts, resumes and inspects generation tasks
type Service struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]*activeRun
	wg      sync.WaitGroup
}

type activeRun struct {
	cancel context.CancelFunc
	latest *models.Checkpoint
}

// NewService creates a service
func NewService(opts Options) *Service {
	return &Service{
		opts:    opts,
		logger:  opts.Logger,
		running: make(map[string]*activeRun),
	}
}

// Create validates params and registers a new pending task
func (s *Service) Create(ctx context.Context, params models.Params) (string, error) {
	params.ApplyDefaults(s.opts.Defaults)
	if err := params.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	taskID, err := s.opts.Registry.CreateTask(ctx, models.TaskTypeDistill, string(params.Strategy), params.AsMap())
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	td, err := writer.NewTaskDir(s.opts.OutputDir, taskID)
	if err != nil {
		return "", err
	}
	if err := td.Create(); err != nil {
		return "", err
	}

	cp := checkpoint.New(taskID, params, 0)
	cp.Status = models.StatusPending
	if err := checkpoint.NewStore(td.Path(), s.logger).Save(cp); err != nil {
		return "", err
	}

	s.logger.Info("Task created", "task_id", taskID, "strategy", params.Strategy, "model_id", params.ModelID)
	return taskID, nil
}

// Start creates a task and runs it to completion, pause or failure
func (s *Service) Start(ctx context.Context, params models.Params) (string, *Outcome, error) {
	taskID, err := s.Create(ctx, params)
	if err != nil {
		return "", nil, err
	}
	outcome, err := s.Run(ctx, taskID)
	return taskID, outcome, err
}

// Run executes a created task from its checkpoint
func (s *Service) Run(ctx context.Context, taskID string) (*Outcome, error) {
	pr, err := s.prepareRun(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, pr)
}

// RunAsync validates a created task and executes it in the background.
// done, when non-nil, receives the result.
func (s *Service) RunAsync(ctx context.Context, taskID string, done func(*Outcome, error)) error {
	pr, err := s.prepareRun(ctx, taskID)
	if err != nil {
		return err
	}
	s.launch(ctx, pr, done)
	return nil
}

// Resume continues a paused task. Overrides are merged into the stored parameters.
// With asNew the run continues under a new task id and directory, leaving the original untouched.
func (s *Service) Resume(ctx context.Context, taskID string, overrides map[string]any, asNew bool) (string, *Outcome, error) {
	pr, err := s.prepareResume(ctx, taskID, overrides, asNew)
	if err != nil {
		return "", nil, err
	}
	outcome, err := s.execute(ctx, pr)
	return pr.cp.TaskID, outcome, err
}

// ResumeAsync validates a resume and continues the task in the background.
// It returns the id the run continues under.
func (s *Service) ResumeAsync(ctx context.Context, taskID string, overrides map[string]any, asNew bool, done func(*Outcome, error)) (string, error) {
	pr, err := s.prepareResume(ctx, taskID, overrides, asNew)
	if err != nil {
		return "", err
	}
	s.launch(ctx, pr, done)
	return pr.cp.TaskID, nil
}

// preparedRun is a validated run waiting to execute
type preparedRun struct {
	td      *writer.TaskDir
	cp      *models.Checkpoint
	resumed bool
}

func (s *Service) prepareRun(ctx context.Context, taskID string) (_ *preparedRun, err error) {
	state, err := s.opts.Registry.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if state.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: task %s is %s, use resume for paused tasks",
			registry.ErrInvalidTransition, taskID, state.Status)
	}
	if err := s.reserve(taskID); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.release(taskID)
		}
	}()
	td, err := writer.NewTaskDir(s.opts.OutputDir, taskID)
	if err != nil {
		return nil, err
	}
	cp, err := checkpoint.NewStore(td.Path(), s.logger).Load()
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", taskID, err)
	}
	return &preparedRun{td: td, cp: cp}, nil
}

func (s *Service) prepareResume(ctx context.Context, taskID string, overrides map[string]any, asNew bool) (_ *preparedRun, err error) {
	state, err := s.opts.Registry.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if state.Status != models.StatusPaused {
		return nil, fmt.Errorf("%w: task %s is %s, only paused tasks can be resumed",
			registry.ErrInvalidTransition, taskID, state.Status)
	}
	if !asNew {
		// a paused run of this process may still be draining
		if err := s.reserve(taskID); err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				s.release(taskID)
			}
		}()
	}

	td, err := writer.NewTaskDir(s.opts.OutputDir, taskID)
	if err != nil {
		return nil, err
	}
	cp, err := checkpoint.NewStore(td.Path(), s.logger).Load()
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", taskID, err)
	}
	if err := checkpoint.ValidateForResume(cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	params, err := cp.Params.Merge(overrides)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	params.ApplyDefaults(s.opts.Defaults)
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if !checkpoint.SameInput(params.InputFile, cp.InputFile) {
		return nil, fmt.Errorf("%w: input_file cannot change on resume (%s vs %s)",
			ErrInvalidParams, params.InputFile, cp.InputFile)
	}

	if asNew {
		newDir, clone, err := s.cloneTask(ctx, td, cp, params)
		if err != nil {
			return nil, err
		}
		if err := s.reserve(clone.TaskID); err != nil {
			return nil, err
		}
		return &preparedRun{td: newDir, cp: clone, resumed: true}, nil
	}

	cp.Params = params
	if err := registry.MarkResumed(ctx, s.opts.Registry, taskID); err != nil {
		return nil, err
	}
	if overrides != nil {
		if err := s.opts.Registry.SetField(ctx, taskID, "params", params.AsMap()); err != nil {
			s.logger.Warn("Failed to record resumed parameters", "task_id", taskID, "error", err)
		}
	}
	return &preparedRun{td: td, cp: cp, resumed: true}, nil
}

func (s *Service) launch(ctx context.Context, pr *preparedRun, done func(*Outcome, error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		outcome, err := s.execute(ctx, pr)
		if err != nil {
			s.logger.Error("Background task ended with error", "task_id", pr.cp.TaskID, "error", err)
		}
		if done != nil {
			done(outcome, err)
		}
	}()
}

// Wait blocks until all background runs have returned
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown pauses every run of this process at its next commit boundary and waits for them
func (s *Service) Shutdown() {
	s.mu.Lock()
	for _, a := range s.running {
		if a.cancel != nil {
			a.cancel()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// reserve claims taskID for a run of this process. The claim holds from validation
// until execute returns, so no registry status changes for a task that is already running.
func (s *Service) reserve(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[taskID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, taskID)
	}
	s.running[taskID] = &activeRun{}
	return nil
}

func (s *Service) release(taskID string) {
	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
}

// Running returns the ids of tasks executing in this process
func (s *Service) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// cloneTask copies a checkpoint and the committed part of its output under a new task id
func (s *Service) cloneTask(ctx context.Context, src *writer.TaskDir, cp *models.Checkpoint, params models.Params) (*writer.TaskDir, *models.Checkpoint, error) {
	newID, err := s.opts.Registry.CreateTask(ctx, models.TaskTypeDistill, string(params.Strategy), params.AsMap())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create task: %w", err)
	}
	dst, err := writer.NewTaskDir(s.opts.OutputDir, newID)
	if err != nil {
		return nil, nil, err
	}
	if err := dst.Create(); err != nil {
		return nil, nil, err
	}
	if err := copyPrefix(src.DatasetPath(), dst.DatasetPath(), cp.OutputBytes); err != nil {
		return nil, nil, fmt.Errorf("failed to copy output: %w", err)
	}

	clone := checkpoint.CloneAs(cp, newID)
	clone.Params = params
	if err := s.opts.Registry.SetField(ctx, newID, "metadata.resumed_from", cp.TaskID); err != nil {
		s.logger.Warn("Failed to record clone source", "task_id", newID, "error", err)
	}
	if err := checkpoint.NewStore(dst.Path(), s.logger).Save(clone); err != nil {
		return nil, nil, err
	}
	s.logger.Info("Resuming as new task", "source_task_id", cp.TaskID, "task_id", newID)
	return dst, clone, nil
}

func (s *Service) execute(ctx context.Context, pr *preparedRun) (*Outcome, error) {
	td, cp := pr.td, pr.cp
	taskID := cp.TaskID
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	active := &activeRun{cancel: cancel, latest: checkpoint.Clone(cp)}
	s.mu.Lock()
	s.running[taskID] = active
	s.mu.Unlock()
	defer s.release(taskID)

	logger, closeLog := s.taskLogger(td)
	defer closeLog()

	inv := invoker.New(s.opts.Backend, ratelimit.New(), s.opts.Prompts, s.opts.Metrics, logger)
	sched := NewScheduler(SchedulerOptions{
		Invoker:      inv,
		Registry:     s.opts.Registry,
		Metrics:      s.opts.Metrics,
		Logger:       logger,
		PollInterval: s.opts.PollInterval,
		ShowProgress: s.opts.ShowProgress,
	})
	sched.onCheckpoint = func(snapshot *models.Checkpoint) {
		s.mu.Lock()
		active.latest = snapshot
		s.mu.Unlock()
	}

	run := Run{
		TaskID:     taskID,
		Params:     cp.Params,
		Dir:        td,
		Checkpoint: cp,
		Resumed:    pr.resumed,
	}

	inputPath, err := s.prepareInput(runCtx, td, cp.Params.InputFile, logger)
	if err != nil {
		bg := context.WithoutCancel(ctx)
		if runCtx.Err() != nil {
			logger.Info("Interrupted while preparing input, task left paused", "error", err)
			if setErr := registry.SetStatus(bg, s.opts.Registry, taskID, models.StatusPaused, ""); setErr != nil {
				logger.Warn("Failed to update task status", "error", setErr)
			}
			return &Outcome{Status: models.StatusPaused, Checkpoint: cp}, nil
		}
		return sched.fail(bg, run, cp, err)
	}
	run.InputPath = inputPath

	return sched.Execute(runCtx, run)
}

// prepareInput returns the JSONL file to read, transcoding JSON documents into the task directory
func (s *Service) prepareInput(ctx context.Context, td *writer.TaskDir, inputFile string, logger *slog.Logger) (string, error) {
	needs, err := transcode.NeedsTranscode(inputFile)
	if err != nil {
		return "", fmt.Errorf("failed to inspect input: %w", err)
	}
	if !needs {
		return inputFile, nil
	}
	if _, err := os.Stat(td.InputPath()); err == nil {
		return td.InputPath(), nil
	}
	n, err := transcode.ToJSONL(ctx, inputFile, td.InputPath())
	if err != nil {
		os.Remove(td.InputPath())
		return "", fmt.Errorf("failed to convert input to JSONL: %w", err)
	}
	logger.Info("Converted JSON input to JSONL", "source", inputFile, "records", n)
	return td.InputPath(), nil
}

// taskLogger tees the service logger into the task's JSON log file
func (s *Service) taskLogger(td *writer.TaskDir) (*slog.Logger, func()) {
	logger, f, err := writer.SetupLogger(td, s.logger.Handler())
	if err != nil {
		s.logger.Warn("Failed to open task log", "path", td.LogPath(), "error", err)
		return s.logger, func() {}
	}
	return logger, func() {
		_ = f.Sync()
		_ = f.Close()
	}
}

// Pause requests a cooperative pause
func (s *Service) Pause(ctx context.Context, taskID string) error {
	return registry.Pause(ctx, s.opts.Registry, taskID)
}

// Cancel stops a task permanently
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	return registry.Cancel(ctx, s.opts.Registry, taskID)
}

// GetProgress reports the state of a task
func (s *Service) GetProgress(ctx context.Context, taskID string) (*models.Progress, error) {
	state, err := s.opts.Registry.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	p := &models.Progress{
		TaskID:       taskID,
		Status:       state.Status,
		Progress:     state.Progress,
		ErrorMessage: state.ErrorMessage,
		UpdatedAt:    state.LastUpdated,
	}

	cp := s.liveCheckpoint(taskID)
	if cp == nil {
		if td, err := writer.NewTaskDir(s.opts.OutputDir, taskID); err == nil {
			cp, _ = checkpoint.NewStore(td.Path(), s.logger).Load()
		}
	}
	if cp != nil {
		p.ProcessedLines = cp.LastCommittedPosition
		p.TotalLines = cp.TotalLines
		p.WrittenCount = cp.WrittenCount
		p.Stats = cp.Stats
	}
	return p, nil
}

func (s *Service) liveCheckpoint(taskID string) *models.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.running[taskID]; ok {
		return a.latest
	}
	return nil
}

// Report returns the latest quality report of a task
func (s *Service) Report(taskID string) (*models.QualityReport, error) {
	td, err := writer.NewTaskDir(s.opts.OutputDir, taskID)
	if err != nil {
		return nil, err
	}
	return report.Load(td.ReportPath())
}

// ListTasks returns all registered tasks
func (s *Service) ListTasks(ctx context.Context) ([]models.TaskState, error) {
	return s.opts.Registry.ListTasks(ctx)
}

// RecoverStale resolves tasks left running by a crashed process
func (s *Service) RecoverStale(ctx context.Context) (int, error) {
	maxAge := s.opts.StaleAfter
	if maxAge <= 0 {
		maxAge = registry.StaleAfter
	}
	return registry.RecoverStale(ctx, s.opts.Registry, maxAge, func(taskID string) bool {
		td, err := writer.NewTaskDir(s.opts.OutputDir, taskID)
		if err != nil {
			return false
		}
		cp, err := checkpoint.NewStore(td.Path(), s.logger).Load()
		return err == nil && cp.Status == models.StatusRunning
	}, s.logger)
}

// StrategyInfo describes a supported strategy
type StrategyInfo struct {
	Name        models.Strategy `json:"name"`
	Description string          `json:"description"`
}

// ListStrategies returns the supported strategies
func ListStrategies() []StrategyInfo {
	out := make([]StrategyInfo, 0, len(models.Strategies()))
	for _, st := range models.Strategies() {
		out = append(out, StrategyInfo{Name: st, Description: st.Description()})
	}
	return out
}

func reportFor(run Run, cp *models.Checkpoint, partial bool) *models.QualityReport {
	return report.Build(run.TaskID, cp.Stats, run.Params, partial)
}

func writeReport(td *writer.TaskDir, rep *models.QualityReport) error {
	return report.Write(td.ReportPath(), rep)
}

func writeMeta(ctx context.Context, r registry.Registry, run Run, cp *models.Checkpoint) error {
	start, end := cp.StartedAt, time.Now()
	if state, err := r.GetTask(ctx, run.TaskID); err == nil && state.StartTime != nil {
		start = *state.StartTime
	}
	meta := report.BuildMeta(run.TaskID, models.StatusCompleted, run.Params, cp.Stats, run.Dir.DatasetPath(), start, end)
	return report.WriteMeta(run.Dir.MetaPath(), meta)
}

// copyPrefix copies the first n bytes of src to dst. A missing src yields an empty dst.
func copyPrefix(src, dst string, n int64) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	in, err := os.Open(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer in.Close()

	if _, err := io.CopyN(out, in, n); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return out.Sync()
}
