package writer

import (
	"context"
	"errors"
	"log/slog"
	"os"
)

// teeHandler sends each record to every handler whose level admits it
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return t.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return t.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (t teeHandler) derive(f func(slog.Handler) slog.Handler) teeHandler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = f(h)
	}
	return out
}

// SetupLogger tees base into JSON lines in the task log. The file receives Debug
// and above whatever the level of base.
// Callers close the returned file when the task ends.
func SetupLogger(td *TaskDir, base slog.Handler) (*slog.Logger, *os.File, error) {
	logFile, err := os.OpenFile(td.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	file := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(teeHandler{base, file}), logFile, nil
}
