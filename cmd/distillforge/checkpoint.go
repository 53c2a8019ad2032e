package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/lamim/distillforge/internal/checkpoint"
	"github.com/lamim/distillforge/internal/writer"
	"github.com/lamim/distillforge/pkg/models"
)

func newCheckpointCmd() *cobra.Command {
	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect checkpoints",
		Long:  "Inspect the checkpoints of task directories in the output folder",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List task directories with a checkpoint",
		RunE:  listCheckpoints,
	}
	inspectCmd := &cobra.Command{
		Use:   "inspect <task-id>",
		Short: "Show a task's checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectCheckpoint,
	}

	checkpointCmd.AddCommand(listCmd, inspectCmd)
	return checkpointCmd
}

func listCheckpoints(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	outputDir := cfg.Generation.OutputDir

	ids, err := writer.ListTaskDirs(outputDir)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No checkpoints found.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tLINES\tWRITTEN\tPROGRESS\tSAVED")
	for _, id := range ids {
		cp, err := checkpoint.NewStore(filepath.Join(outputDir, id), silentLogger()).Load()
		if err != nil {
			fmt.Fprintf(tw, "%s\tunreadable\t-\t-\t-\t-\n", id)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%.1f%%\t%s\n",
			id, cp.Status, cp.LastCommittedPosition, cp.TotalLines, cp.WrittenCount,
			checkpoint.GetProgressPercentage(cp), cp.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func inspectCheckpoint(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	td, err := writer.NewTaskDir(cfg.Generation.OutputDir, args[0])
	if err != nil {
		return err
	}
	if !td.Exists() {
		return fmt.Errorf("task directory not found: %s", td.Path())
	}
	cp, err := checkpoint.NewStore(td.Path(), silentLogger()).Load()
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	fmt.Printf("Checkpoint for task: %s\n", cp.TaskID)
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Status:              %s\n", cp.Status)
	fmt.Printf("Strategy:            %s\n", cp.Params.Strategy)
	fmt.Printf("Model:               %s\n", cp.Params.ModelID)
	fmt.Printf("Input:               %s\n", cp.InputFile)
	fmt.Printf("Started At:          %s\n", cp.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Last Saved At:       %s\n", cp.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Println()

	fmt.Println("Progress:")
	fmt.Printf("  Committed lines:   %d / %d (%.1f%%)\n", cp.LastCommittedPosition, cp.TotalLines, checkpoint.GetProgressPercentage(cp))
	if len(cp.CommittedAhead) > 0 {
		fmt.Printf("  Written ahead:     %d lines\n", len(cp.CommittedAhead))
	}
	fmt.Printf("  Records written:   %d (%d bytes)\n", cp.WrittenCount, cp.OutputBytes)
	fmt.Println()

	fmt.Println("Statistics:")
	fmt.Printf("  Input records:     %d\n", cp.Stats.TotalInput)
	fmt.Printf("  Generated:         %d\n", cp.Stats.TotalGenerated)
	fmt.Printf("  Successful:        %d\n", cp.Stats.SuccessfulGenerations)
	fmt.Printf("  Failed:            %d\n", cp.Stats.FailedGenerations)
	fmt.Printf("  Quality passed:    %d\n", cp.Stats.QualityPassed)
	fmt.Printf("  Quality rejected:  %d\n", cp.Stats.QualityFailed)
	fmt.Printf("  Skipped lines:     %d\n", cp.Stats.SkippedLines)
	fmt.Println()

	switch {
	case cp.Status == models.StatusPaused:
		fmt.Println("To resume this task, run:")
		fmt.Printf("  distillforge resume %s\n", cp.TaskID)
	case cp.Status.Terminal():
		fmt.Printf("This task is %s.\n", cp.Status)
	}
	return nil
}

func newWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Follow a task's progress until it stops",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			td, err := writer.NewTaskDir(a.cfg.Generation.OutputDir, args[0])
			if err != nil {
				return err
			}
			return watchTask(ctx, a, td, interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Refresh interval when no checkpoint changes arrive")
	return cmd
}

// watchTask prints progress whenever the checkpoint is replaced, and on every tick
func watchTask(ctx context.Context, a *app, td *writer.TaskDir, interval time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(td.Path()); err != nil {
		return fmt.Errorf("watch %s: %w", td.Path(), err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	taskID := filepath.Base(td.Path())
	show := func() (bool, error) {
		p, err := a.svc.GetProgress(ctx, taskID)
		if err != nil {
			return false, err
		}
		fmt.Printf("%s  %-9s %5.1f%%  lines %d/%d  written %d  failed %d\n",
			time.Now().Format("15:04:05"), p.Status, p.Progress, p.ProcessedLines, p.TotalLines,
			p.WrittenCount, p.Stats.FailedGenerations)
		return p.Status != models.StatusRunning && p.Status != models.StatusPending, nil
	}

	if done, err := show(); err != nil || done {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != checkpoint.CheckpointFilename {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if done, err := show(); err != nil || done {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("fsnotify error", "error", err)
		case <-ticker.C:
			if done, err := show(); err != nil || done {
				return err
			}
		}
	}
}
