package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

func newFakeWindow() (*Window, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	w := New()
	w.now = clock.Now
	w.sleep = clock.Sleep
	return w, clock
}

func TestAdmitDisabled(t *testing.T) {
	w, clock := newFakeWindow()
	start := clock.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, w.Admit(context.Background(), 0))
		require.NoError(t, w.Admit(context.Background(), -1))
	}
	assert.Equal(t, start, clock.Now(), "disabled limiter must never sleep")
}

func TestAdmitRollingWindowBound(t *testing.T) {
	w, clock := newFakeWindow()
	const rps = 4

	var admitted []time.Time
	for i := 0; i < 20; i++ {
		require.NoError(t, w.Admit(context.Background(), rps))
		admitted = append(admitted, clock.Now())
	}

	// Any rolling 1s window holds at most rps admissions (+1 at the reset boundary).
	for i := range admitted {
		n := 0
		for j := i; j < len(admitted); j++ {
			if admitted[j].Sub(admitted[i]) < time.Second {
				n++
			}
		}
		assert.LessOrEqual(t, n, rps+1, "window starting at admission %d", i)
	}

	total := admitted[len(admitted)-1].Sub(admitted[0])
	assert.GreaterOrEqual(t, total, 4*time.Second)
}

func TestAdmitFractionalRate(t *testing.T) {
	w, clock := newFakeWindow()
	start := clock.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Admit(context.Background(), 0.5))
	}
	assert.Equal(t, 2*time.Second, clock.Now().Sub(start))
}

func TestAdmitContextCancelled(t *testing.T) {
	w := New()
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, w.Admit(ctx, 1))
	cancel()
	err := w.Admit(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
