package backend

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMockFailure is returned by Mock for scripted failures
var ErrMockFailure = errors.New("mock backend failure")

// Mock is a scripted backend used in tests and dry runs
type Mock struct {
	mu    sync.Mutex
	calls int

	// Respond builds the response for a request. Defaults to echoing the prompt.
	Respond func(req Request) (string, error)
	// FailFirst makes the first N calls fail
	FailFirst int
	// Delay is applied before every response, honoring ctx
	Delay func(req Request) time.Duration
}

// Generate implements Backend
func (m *Mock) Generate(ctx context.Context, req Request) (string, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.mu.Unlock()

	if m.Delay != nil {
		if d := m.Delay(req); d > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(d):
			}
		}
	}

	if n <= m.FailFirst {
		return "", ErrMockFailure
	}
	if m.Respond == nil {
		return req.Prompt, nil
	}
	return m.Respond(req)
}

// Calls returns the number of Generate invocations
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
