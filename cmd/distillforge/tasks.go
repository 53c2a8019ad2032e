package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lamim/distillforge/internal/hfhub"
	"github.com/lamim/distillforge/internal/orchestrator"
	"github.com/lamim/distillforge/internal/server"
	"github.com/lamim/distillforge/internal/writer"
	"github.com/lamim/distillforge/pkg/models"
)

// paramFlags collects task parameters from flags
type paramFlags struct {
	strategy   string
	modelID    string
	input      string
	paramsFile string
	params     []string
	workers    int
	unordered  bool
}

func (f *paramFlags) register(cmd *cobra.Command, withCore bool) {
	if withCore {
		cmd.Flags().StringVarP(&f.strategy, "strategy", "s", "", "Generation strategy (see 'strategies')")
		cmd.Flags().StringVarP(&f.modelID, "model", "m", "", "Model id")
		cmd.Flags().StringVarP(&f.input, "input", "i", "", "Input JSONL (or JSON array) file")
	}
	cmd.Flags().StringVar(&f.paramsFile, "params-file", "", "JSON file with task parameters")
	cmd.Flags().StringArrayVarP(&f.params, "param", "p", nil, "Task parameter key=value (repeatable; values may be JSON)")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "Concurrent model requests")
	cmd.Flags().BoolVar(&f.unordered, "unordered", false, "Write results in completion order")
}

// overrides returns the parameters set on the command line, later sources winning
func (f *paramFlags) overrides(cmd *cobra.Command) (map[string]any, error) {
	out := make(map[string]any)
	if f.paramsFile != "" {
		data, err := os.ReadFile(f.paramsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read params file: %w", err)
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to parse params file: %w", err)
		}
	}
	for _, kv := range f.params {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", kv)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	if f.strategy != "" {
		out["strategy"] = f.strategy
	}
	if f.modelID != "" {
		out["model_id"] = f.modelID
	}
	if f.input != "" {
		out["input_file"] = f.input
	}
	if f.workers > 0 {
		out["max_workers"] = f.workers
	}
	if cmd.Flags().Changed("unordered") {
		out["unordered_write"] = f.unordered
	}
	return out, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRunCmd() *cobra.Command {
	var (
		pf         paramFlags
		dryRun     bool
		noProgress bool
		publishTo  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a generation task",
		Long: `Create a task and run it in the foreground. Ctrl-C pauses the task at the next
commit boundary; continue it later with 'resume <task-id>'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			overrides, err := pf.overrides(cmd)
			if err != nil {
				return err
			}
			params, err := models.Params{}.Merge(overrides)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, appOptions{withBackend: true, dryRun: dryRun, showProgress: !noProgress})
			if err != nil {
				return err
			}
			defer a.Close()

			taskID, outcome, err := a.svc.Start(ctx, params)
			if err != nil {
				return err
			}
			if err := reportOutcome(a, taskID, outcome); err != nil {
				return err
			}
			if publishTo != "" && outcome.Status == models.StatusCompleted {
				return publish(context.WithoutCancel(ctx), a, taskID, publishTo)
			}
			return nil
		},
	}
	pf.register(cmd, true)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Answer model calls with an echo backend")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")
	cmd.Flags().StringVar(&publishTo, "publish", "", "Publish the output to this Hugging Face dataset repo on completion")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var (
		pf         paramFlags
		asNew      bool
		dryRun     bool
		noProgress bool
	)
	cmd := &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Resume a paused task",
		Long: `Continue a paused task from its checkpoint. Parameters given here override the
stored ones, except input_file. With --as-new the run continues under a new task id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			overrides, err := pf.overrides(cmd)
			if err != nil {
				return err
			}
			if len(overrides) == 0 {
				overrides = nil
			}

			a, err := newApp(ctx, appOptions{withBackend: true, dryRun: dryRun, showProgress: !noProgress})
			if err != nil {
				return err
			}
			defer a.Close()

			taskID, outcome, err := a.svc.Resume(ctx, args[0], overrides, asNew)
			if err != nil {
				return err
			}
			return reportOutcome(a, taskID, outcome)
		},
	}
	pf.register(cmd, false)
	cmd.Flags().BoolVar(&asNew, "as-new", false, "Continue under a new task id, leaving the original untouched")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Answer model calls with an echo backend")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")
	return cmd
}

// reportOutcome prints how a run ended
func reportOutcome(a *app, taskID string, outcome *orchestrator.Outcome) error {
	cp := outcome.Checkpoint
	fmt.Printf("\nTask %s %s\n", taskID, outcome.Status)
	if cp != nil {
		fmt.Printf("  Lines:      %d / %d\n", cp.LastCommittedPosition, cp.TotalLines)
		fmt.Printf("  Written:    %d\n", cp.WrittenCount)
		fmt.Printf("  Generated:  %d ok, %d failed\n", cp.Stats.SuccessfulGenerations, cp.Stats.FailedGenerations)
		fmt.Printf("  Quality:    %d passed, %d rejected\n", cp.Stats.QualityPassed, cp.Stats.QualityFailed)
	}
	if td, err := writer.NewTaskDir(a.cfg.Generation.OutputDir, taskID); err == nil {
		fmt.Printf("  Output:     %s\n", td.DatasetPath())
	}
	if outcome.Status == models.StatusPaused {
		fmt.Printf("\nResume with: distillforge resume %s\n", taskID)
	}
	return nil
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <task-id>",
		Short: "Request a running task to pause",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.svc.Pause(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Pause requested for %s\n", args[0])
			return nil
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task for good",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.svc.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Cancelled %s\n", args[0])
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show task progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			progress, err := a.svc.GetProgress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(progress)
		},
	}
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <task-id>",
		Short: "Print the quality report of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			rep, err := a.svc.Report(args[0])
			if err != nil {
				return err
			}
			return printJSON(rep)
		},
	}
}

func newTasksCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			tasks, err := a.svc.ListTasks(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tSTRATEGY\tSTATUS\tPROGRESS\tCREATED")
			for _, t := range tasks {
				if status != "" && string(t.Status) != status {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f%%\t%s\n",
					t.ID, t.Subtype, t.Status, t.Progress, t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only show tasks with this status")
	return cmd
}

func newStrategiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "List generation strategies",
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, s := range orchestrator.ListStrategies() {
				fmt.Fprintf(tw, "%s\t%s\n", s.Name, s.Description)
			}
			return tw.Flush()
		},
	}
}

func newServeCmd() *cobra.Command {
	var (
		addr   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the task control API and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, appOptions{withBackend: true, dryRun: dryRun})
			if err != nil {
				return err
			}
			defer a.Close()

			if n, err := a.svc.RecoverStale(ctx); err != nil {
				a.logger.Warn("Stale task recovery failed", "error", err)
			} else if n > 0 {
				a.logger.Info("Recovered stale tasks", "count", n)
			}

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			srv := &http.Server{
				Addr: addr,
				Handler: server.NewHandler(server.Deps{
					Service:    a.svc,
					Logger:     a.logger,
					Token:      os.Getenv("DISTILLFORGE_API_TOKEN"),
					RunContext: context.WithoutCancel(ctx),
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("Control API listening", "addr", addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
			}

			a.logger.Info("Shutting down, pausing running tasks", "running", a.svc.Running())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("HTTP shutdown failed", "error", err)
			}
			a.svc.Shutdown()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Answer model calls with an echo backend")
	return cmd
}

func newPublishCmd() *cobra.Command {
	var repoID string
	cmd := &cobra.Command{
		Use:   "publish <task-id>",
		Short: "Upload a task's output to a Hugging Face dataset repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			return publish(ctx, a, args[0], repoID)
		},
	}
	cmd.Flags().StringVar(&repoID, "repo", "", "Dataset repository (owner/name)")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func publish(ctx context.Context, a *app, taskID, repoID string) error {
	if a.secrets.HuggingFaceToken == "" {
		return fmt.Errorf("HUGGINGFACE_TOKEN (or HF_TOKEN) must be set to publish")
	}
	td, err := writer.NewTaskDir(a.cfg.Generation.OutputDir, taskID)
	if err != nil {
		return err
	}
	if !td.Exists() {
		return fmt.Errorf("task directory not found: %s", td.Path())
	}
	return hfhub.NewPublisher(a.secrets.HuggingFaceToken, "", a.logger).Publish(ctx, repoID, td)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
