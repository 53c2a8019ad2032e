package orchestrator

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/lamim/distillforge/internal/mapper"
	"github.com/lamim/distillforge/pkg/models"
)

// lineReader yields the lines of a JSONL file with 1-based positions
type lineReader struct {
	f    *os.File
	r    *bufio.Reader
	line int
}

func openLines(path string) (*lineReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	return &lineReader{f: f, r: bufio.NewReaderSize(f, 64*1024)}, nil
}

// next returns the next line without its terminator. ok is false at end of input.
func (lr *lineReader) next() (pos int, data []byte, ok bool, err error) {
	data, err = lr.r.ReadBytes('\n')
	if len(data) == 0 {
		if errors.Is(err, io.EOF) {
			return 0, nil, false, nil
		}
		if err != nil {
			return 0, nil, false, fmt.Errorf("failed to read input: %w", err)
		}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, nil, false, fmt.Errorf("failed to read input: %w", err)
	}
	lr.line++
	return lr.line, bytes.TrimRight(data, "\r\n"), true, nil
}

func (lr *lineReader) Close() error {
	return lr.f.Close()
}

// countLines returns the number of line positions and of non-blank lines in path
func countLines(path string) (positions, nonBlank int, err error) {
	lr, err := openLines(path)
	if err != nil {
		return 0, 0, err
	}
	defer lr.Close()
	for {
		_, data, ok, err := lr.next()
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			return positions, nonBlank, nil
		}
		positions++
		if len(bytes.TrimSpace(data)) > 0 {
			nonBlank++
		}
	}
}

// parseRecord decodes one input line. Blank lines return (nil, nil).
func parseRecord(data []byte) (models.Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	var rec map[string]any
	if err := mapper.Decode(trimmed, &rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("line is not a JSON object")
	}
	return models.Record(rec), nil
}
