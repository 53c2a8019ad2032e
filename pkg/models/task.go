package models

import "time"

// TaskStatus is the lifecycle state of a task
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskTypeDistill is the registry type of generation tasks
const TaskTypeDistill = "data_distill"

// TaskState is the registry view of a task
type TaskState struct {
	ID           string         `json:"task_id"`
	Type         string         `json:"task_type"`
	Subtype      string         `json:"task_subtype,omitempty"`
	Status       TaskStatus     `json:"status"`
	Progress     float64        `json:"progress"`
	Params       map[string]any `json:"params,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Statistics   map[string]any `json:"statistics,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_time"`
	StartTime    *time.Time     `json:"start_time,omitempty"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	LastUpdated  time.Time      `json:"last_updated"`
}

// QualityReport is the persisted run summary
type QualityReport struct {
	TaskID         string         `json:"task_id"`
	Strategy       Strategy       `json:"generation_strategy"`
	ModelID        string         `json:"model_id"`
	Statistics     RunStatistics  `json:"statistics"`
	QualityMetrics QualityMetrics `json:"quality_metrics"`
	Parameters     Params         `json:"parameters"`
	GeneratedTime  time.Time      `json:"generated_time"`
	IsPartial      bool           `json:"is_partial"`
}

// QualityMetrics are the derived rates of a run
type QualityMetrics struct {
	TotalInput                 int     `json:"total_input"`
	TotalGenerated             int     `json:"total_generated"`
	QualityPassed              int     `json:"quality_passed"`
	QualityFailed              int     `json:"quality_failed"`
	PassRate                   float64 `json:"pass_rate"`
	SuccessRate                float64 `json:"success_rate"`
	AverageGenerationsPerInput float64 `json:"average_generations_per_input"`
}

// TaskMeta is the static metadata written at completion
type TaskMeta struct {
	TaskID            string        `json:"task_id"`
	TaskType          string        `json:"task_type"`
	Strategy          Strategy      `json:"strategy"`
	ModelID           string        `json:"model_id"`
	Status            TaskStatus    `json:"status"`
	OutputPath        string        `json:"output_path"`
	Params            Params        `json:"params"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           time.Time     `json:"end_time"`
	InputItemCount    int           `json:"input_item_count"`
	OutputItemCount   int           `json:"output_item_count"`
	FileSize          int64         `json:"file_size"`
	GenerationSummary RunStatistics `json:"generation_summary"`
}

// Progress is a point-in-time view of a running or finished task
type Progress struct {
	TaskID         string        `json:"task_id"`
	Status         TaskStatus    `json:"status"`
	Progress       float64       `json:"progress"`
	ProcessedLines int           `json:"processed_lines"`
	TotalLines     int           `json:"total_lines"`
	WrittenCount   int           `json:"written_count"`
	Stats          RunStatistics `json:"stats"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
