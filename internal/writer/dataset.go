package writer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/lamim/distillforge/pkg/models"
)

// DatasetWriter appends records to a JSONL output file. Every record is written
// straight through to the OS; every fsyncInterval-th record also forces an fsync.
type DatasetWriter struct {
	file          *os.File
	mu            sync.Mutex
	logger        *slog.Logger
	size          int64
	written       int
	fsyncInterval int
	buf           bytes.Buffer

	// OnSyncError is called for every swallowed fsync failure
	OnSyncError func(err error)
}

// NewDatasetWriter opens path for appending. A negative offset starts a fresh file;
// otherwise the file is truncated back to offset, discarding records written after
// the last checkpoint.
func NewDatasetWriter(path string, offset int64, fsyncInterval int, logger *slog.Logger) (*DatasetWriter, error) {
	flags := os.O_RDWR | os.O_CREATE
	if offset < 0 {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat dataset file: %w", err)
	}
	size := info.Size()

	if offset >= 0 && size > offset {
		if err := file.Truncate(offset); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to truncate dataset file: %w", err)
		}
		logger.Info("Discarded records written after checkpoint",
			"path", path,
			"bytes", size-offset)
		size = offset
	} else if offset > size {
		logger.Warn("Dataset file is shorter than checkpoint records",
			"path", path,
			"size", size,
			"expected", offset)
	}

	if _, err := file.Seek(size, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek dataset file: %w", err)
	}

	if fsyncInterval < 1 {
		fsyncInterval = models.DefaultFsyncInterval
	}

	logger.Debug("Opened dataset file", "path", path, "size", size)
	return &DatasetWriter{
		file:          file,
		logger:        logger,
		size:          size,
		fsyncInterval: fsyncInterval,
	}, nil
}

// WriteRecord writes a single record as one JSON line
func (dw *DatasetWriter) WriteRecord(record models.Record) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	dw.buf.Reset()
	enc := json.NewEncoder(&dw.buf)
	enc.SetEscapeHTML(false) // Keep generated text byte-for-byte
	if err := enc.Encode(record); err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	n, err := dw.file.Write(dw.buf.Bytes())
	dw.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	dw.written++
	if dw.written%dw.fsyncInterval == 0 {
		dw.syncLocked()
	}
	return nil
}

// Sync forces written records to disk. Failures are logged and swallowed.
func (dw *DatasetWriter) Sync() {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	dw.syncLocked()
}

func (dw *DatasetWriter) syncLocked() {
	if err := dw.file.Sync(); err != nil {
		dw.logger.Warn("Failed to sync dataset file", "error", err)
		if dw.OnSyncError != nil {
			dw.OnSyncError(err)
		}
	}
}

// Size returns the file size including all written records
func (dw *DatasetWriter) Size() int64 {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	return dw.size
}

// Path returns the output file path
func (dw *DatasetWriter) Path() string {
	return dw.file.Name()
}

// Close syncs and closes the dataset file
func (dw *DatasetWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	dw.syncLocked()
	if err := dw.file.Close(); err != nil {
		return fmt.Errorf("failed to close dataset file: %w", err)
	}
	return nil
}
