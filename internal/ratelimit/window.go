package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is a coarse per-second admission gate shared by all workers of a run.
// Admissions are counted in a 1-second window; once the window quota is used up,
// callers sleep until the window rolls over.
type Window struct {
	mu    sync.Mutex
	start time.Time
	count int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a window limiter
func New() *Window {
	return &Window{
		now:   time.Now,
		sleep: sleepContext,
	}
}

// Admit blocks until the caller may proceed under a budget of rps requests per second.
// A non-positive rps admits immediately. The only error returned is the context error.
func (w *Window) Admit(ctx context.Context, rps float64) error {
	if rps <= 0 {
		return nil
	}
	limit := int(rps)
	if limit < 1 {
		limit = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if w.start.IsZero() || now.Sub(w.start) >= time.Second {
		w.start = now
		w.count = 0
	}

	if w.count >= limit {
		wait := w.start.Add(time.Second).Sub(now)
		if wait > 0 {
			if err := w.sleep(ctx, wait); err != nil {
				return err
			}
		}
		w.start = w.now()
		w.count = 0
	}

	w.count++
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
