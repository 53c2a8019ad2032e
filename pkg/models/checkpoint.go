package models

import "time"

// FormatJSONL is the only input format the streaming pipeline consumes
const FormatJSONL = "jsonl"

// Checkpoint is the saved progress of a streaming generation task.
// It is the sole source of truth for resuming.
type Checkpoint struct {
	TaskID    string `json:"task_id"`
	InputFile string `json:"input_file"`
	Format    string `json:"format"`

	// LastCommittedPosition is the highest input line whose outputs are durably written,
	// with every earlier line also written.
	LastCommittedPosition int `json:"last_committed_position"`
	WrittenCount          int `json:"written_count"`
	TotalLines            int `json:"total_lines"`

	// CommittedAhead lists lines past LastCommittedPosition that are already written (unordered mode)
	CommittedAhead []int `json:"committed_ahead,omitempty"`
	// OutputBytes is the output file size at save time
	OutputBytes int64 `json:"output_bytes"`

	Status TaskStatus    `json:"status"`
	Params Params        `json:"params"`
	Stats  RunStatistics `json:"stats"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunStatistics are the cumulative counters of a task
type RunStatistics struct {
	TotalInput            int `json:"total_input"`
	TotalGenerated        int `json:"total_generated"`
	SuccessfulGenerations int `json:"successful_generations"`
	FailedGenerations     int `json:"failed_generations"`
	QualityPassed         int `json:"quality_passed"`
	QualityFailed         int `json:"quality_failed"`
	SkippedLines          int `json:"skipped_lines"`
}
