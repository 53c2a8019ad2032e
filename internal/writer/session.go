package writer

import (
	"fmt"
	"os"
	"path/filepath"
)

// Files of a task directory
const (
	CheckpointFile = "checkpoint.json"
	DatasetFile    = "generated_data.jsonl"
	ReportFile     = "quality_report.json"
	MetaFile       = "meta.json"
	LogFile        = "task.log"
	InputFile      = "input.jsonl"
)

// TaskDir is the directory holding everything a task persists
type TaskDir struct {
	dir string
}

// NewTaskDir returns the directory of taskID under outputDir
func NewTaskDir(outputDir, taskID string) (*TaskDir, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return nil, err
	}
	return &TaskDir{dir: filepath.Join(outputDir, taskID)}, nil
}

// Create makes the directory if needed
func (td *TaskDir) Create() error {
	if err := os.MkdirAll(td.dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}
	return nil
}

// Exists reports whether the directory is present
func (td *TaskDir) Exists() bool {
	info, err := os.Stat(td.dir)
	return err == nil && info.IsDir()
}

// Path returns the task directory
func (td *TaskDir) Path() string {
	return td.dir
}

func (td *TaskDir) CheckpointPath() string { return filepath.Join(td.dir, CheckpointFile) }
func (td *TaskDir) DatasetPath() string    { return filepath.Join(td.dir, DatasetFile) }
func (td *TaskDir) ReportPath() string     { return filepath.Join(td.dir, ReportFile) }
func (td *TaskDir) MetaPath() string       { return filepath.Join(td.dir, MetaFile) }
func (td *TaskDir) LogPath() string        { return filepath.Join(td.dir, LogFile) }

// InputPath is where non-JSONL input is transcoded to
func (td *TaskDir) InputPath() string { return filepath.Join(td.dir, InputFile) }

// ListTaskDirs returns the task ids under outputDir that hold a checkpoint
func ListTaskDirs(outputDir string) ([]string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || ValidateTaskID(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(outputDir, e.Name(), CheckpointFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
