// Package transcode converts JSON array and object files into JSON lines.
package transcode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// NeedsTranscode reports whether path holds a JSON document rather than JSON lines:
// a .json file, or any file whose first non-space byte opens an array.
func NeedsTranscode(path string) (bool, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return true, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		b, err := r.ReadByte()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case 0xEF, 0xBB, 0xBF: // UTF-8 BOM
			continue
		}
		return b == '[', nil
	}
}

// ToJSONL streams the elements of the JSON array in src (or the top-level values when
// src is not an array) to dst, one compact value per line. It returns the number of lines.
func ToJSONL(ctx context.Context, src, dst string) (int, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open input: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create output: %w", err)
	}
	defer out.Close()

	values := make(chan json.RawMessage, 64)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(values)
		return decode(ctx, in, values)
	})

	count := 0
	g.Go(func() error {
		w := bufio.NewWriter(out)
		var line bytes.Buffer
		for raw := range values {
			line.Reset()
			if err := json.Compact(&line, raw); err != nil {
				return fmt.Errorf("value %d: %w", count+1, err)
			}
			line.WriteByte('\n')
			if _, err := w.Write(line.Bytes()); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}
			count++
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to flush output: %w", err)
		}
		return out.Sync()
	})

	if err := g.Wait(); err != nil {
		return count, err
	}
	return count, nil
}

func decode(ctx context.Context, r io.ReadSeeker, values chan<- json.RawMessage) error {
	dec := json.NewDecoder(bufio.NewReader(r))
	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid JSON input: %w", err)
	}

	if delim, ok := tok.(json.Delim); ok && delim == '[' {
		for dec.More() {
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return fmt.Errorf("invalid array element: %w", err)
			}
			if err := send(ctx, values, raw); err != nil {
				return err
			}
		}
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("unterminated array: %w", err)
		}
		return nil
	}

	// Not an array: rewind and pass through each top-level value
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return err
	}
	dec = json.NewDecoder(bufio.NewReader(r))
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("invalid JSON value: %w", err)
		}
		if err := send(ctx, values, raw); err != nil {
			return err
		}
	}
}

func send(ctx context.Context, values chan<- json.RawMessage, raw json.RawMessage) error {
	select {
	case values <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
