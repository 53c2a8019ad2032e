package invoker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lamim/distillforge/internal/backend"
	"github.com/lamim/distillforge/internal/prompt"
	"github.com/lamim/distillforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type throttled struct{}

func (throttled) Error() string     { return "429 too many requests" }
func (throttled) RateLimited() bool { return true }

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestInvoker(t *testing.T, b backend.Backend) (*Invoker, *sleepRecorder) {
	t.Helper()
	builder, err := prompt.NewBuilder(nil)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inv := New(b, nil, builder, nil, logger)
	rec := &sleepRecorder{}
	inv.sleep = rec.sleep
	inv.jitter = func() time.Duration { return 0 }
	return inv, rec
}

func request(strategy models.Strategy, count int) models.GenerationRequest {
	p := models.Params{
		Strategy:   strategy,
		ModelID:    "test-model",
		MaxRetries: 3,
		MaxBackoff: 8,
	}
	p.ApplyDefaults(models.Params{})
	return models.GenerationRequest{
		Record:   models.InputRecord{Line: 1, Fields: models.Record{"text": "the quick brown fox", "question": "Why is the sky blue?"}},
		Strategy: strategy,
		ModelID:  "test-model",
		Count:    count,
		Params:   p,
	}
}

func TestInvokeSuccess(t *testing.T) {
	mock := &backend.Mock{Respond: func(backend.Request) (string, error) {
		return "A much better sentence about a fox.", nil
	}}
	inv, sleeps := newTestInvoker(t, mock)

	recs, err := inv.Invoke(context.Background(), request(models.StrategyEnhance, 1), nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "A much better sentence about a fox.", recs[0]["output"])
	assert.Equal(t, "the quick brown fox", recs[0]["text"])
	assert.Equal(t, 1, mock.Calls())
	assert.Empty(t, sleeps.delays)
}

func TestInvokeRetriesThenSucceeds(t *testing.T) {
	mock := &backend.Mock{
		FailFirst: 2,
		Respond: func(backend.Request) (string, error) {
			return "recovered", nil
		},
	}
	inv, sleeps := newTestInvoker(t, mock)

	recs, err := inv.Invoke(context.Background(), request(models.StrategyEnhance, 1), nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 3, mock.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.delays)
}

func TestInvokeExhaustsRetries(t *testing.T) {
	mock := &backend.Mock{FailFirst: 100}
	inv, sleeps := newTestInvoker(t, mock)

	recs, err := inv.Invoke(context.Background(), request(models.StrategyEnhance, 1), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrMockFailure)
	assert.Nil(t, recs)
	assert.Equal(t, 3, mock.Calls())
	assert.Len(t, sleeps.delays, 2)
}

func TestInvokeEmptyOutput(t *testing.T) {
	mock := &backend.Mock{Respond: func(backend.Request) (string, error) {
		return "  \n ", nil
	}}
	inv, _ := newTestInvoker(t, mock)

	recs, err := inv.Invoke(context.Background(), request(models.StrategyEnhance, 1), nil)
	assert.ErrorIs(t, err, ErrEmptyResult)
	assert.Empty(t, recs)
	assert.Equal(t, 3, mock.Calls())
}

func TestInvokePaused(t *testing.T) {
	mock := &backend.Mock{}
	inv, _ := newTestInvoker(t, mock)

	recs, err := inv.Invoke(context.Background(), request(models.StrategyEnhance, 1), func() bool { return true })
	assert.ErrorIs(t, err, ErrPaused)
	assert.Empty(t, recs)
	assert.Equal(t, 0, mock.Calls())
}

func TestInvokePausedBetweenAttempts(t *testing.T) {
	mock := &backend.Mock{FailFirst: 100}
	inv, _ := newTestInvoker(t, mock)

	paused := func() bool { return mock.Calls() >= 1 }
	_, err := inv.Invoke(context.Background(), request(models.StrategyEnhance, 1), paused)
	assert.ErrorIs(t, err, ErrPaused)
	assert.Equal(t, 1, mock.Calls())
}

func TestInvokeCancelledContext(t *testing.T) {
	mock := &backend.Mock{}
	inv, _ := newTestInvoker(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := inv.Invoke(ctx, request(models.StrategyEnhance, 1), nil)
	assert.ErrorIs(t, err, ErrPaused)
	assert.Equal(t, 0, mock.Calls())
}

func TestBackoff(t *testing.T) {
	inv, _ := newTestInvoker(t, &backend.Mock{})

	tests := []struct {
		name        string
		attempt     int
		maxBackoff  float64
		rateLimited bool
		want        time.Duration
	}{
		{"first retry", 0, 8, false, time.Second},
		{"doubles", 2, 8, false, 4 * time.Second},
		{"capped", 5, 8, false, 8 * time.Second},
		{"small cap", 3, 2, false, 2 * time.Second},
		{"default cap", 6, 0, false, 8 * time.Second},
		{"rate limited", 0, 8, true, 5 * time.Second},
		{"rate limited doubles", 2, 8, true, 20 * time.Second},
		{"rate limited capped", 5, 8, true, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inv.backoff(tt.attempt, tt.maxBackoff, tt.rateLimited))
		})
	}
}

func TestBackoffJitterBounded(t *testing.T) {
	builder, err := prompt.NewBuilder(nil)
	require.NoError(t, err)
	inv := New(&backend.Mock{}, nil, builder, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 100; i++ {
		d := inv.backoff(0, 8, false)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, time.Second+maxJitter)
	}
}

func TestInvokeRateLimitedBackoff(t *testing.T) {
	calls := 0
	mock := &backend.Mock{Respond: func(backend.Request) (string, error) {
		calls++
		if calls == 1 {
			return "", fmt.Errorf("provider: %w", throttled{})
		}
		return "ok after throttle", nil
	}}
	inv, sleeps := newTestInvoker(t, mock)

	_, err := inv.Invoke(context.Background(), request(models.StrategyEnhance, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, sleeps.delays)
}

func TestInvokeClassifyLabelSet(t *testing.T) {
	responses := []string{"\\boxed{angry}", "<think>maybe negative</think> \\boxed{Positive}"}
	i := 0
	mock := &backend.Mock{Respond: func(backend.Request) (string, error) {
		r := responses[i]
		i++
		return r, nil
	}}
	inv, _ := newTestInvoker(t, mock)

	req := request(models.StrategyClassifyLabel, 1)
	req.Params.LabelSet = models.StringList{"positive", "negative"}
	recs, err := inv.Invoke(context.Background(), req, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Positive", recs[0]["output"])
	assert.Equal(t, 2, mock.Calls())
}

func TestInvokeClassifyFallbackLabel(t *testing.T) {
	mock := &backend.Mock{Respond: func(backend.Request) (string, error) {
		return "\\boxed{unsure}", nil
	}}
	inv, _ := newTestInvoker(t, mock)

	req := request(models.StrategyClassifyLabel, 1)
	req.Params.LabelSet = models.StringList{"positive", "negative"}
	recs, err := inv.Invoke(context.Background(), req, nil)
	assert.ErrorIs(t, err, ErrInvalidLabel)
	require.Len(t, recs, 1)
	assert.Equal(t, ClassificationFailedLabel, recs[0]["output"])
	assert.Equal(t, 3, mock.Calls())
}

func TestInvokeQuestionToAnswerRepeats(t *testing.T) {
	n := 0
	mock := &backend.Mock{Respond: func(req backend.Request) (string, error) {
		n++
		assert.Contains(t, req.Prompt, "Why is the sky blue?")
		return fmt.Sprintf("answer %d", n), nil
	}}
	inv, _ := newTestInvoker(t, mock)

	recs, err := inv.Invoke(context.Background(), request(models.StrategyQuestionToAnswer, 3), nil)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, "Why is the sky blue?", rec["instruction"])
		assert.Equal(t, fmt.Sprintf("answer %d", i+1), rec["output"])
		assert.Len(t, rec, 2)
	}
	assert.Equal(t, 3, mock.Calls())
}

func TestInvokeQuestionToAnswerPartialFailure(t *testing.T) {
	n := 0
	mock := &backend.Mock{Respond: func(backend.Request) (string, error) {
		n++
		// second answer fails on every attempt
		if n >= 2 && n <= 4 {
			return "", errors.New("boom")
		}
		return "fine", nil
	}}
	inv, _ := newTestInvoker(t, mock)

	recs, err := inv.Invoke(context.Background(), request(models.StrategyQuestionToAnswer, 3), nil)
	require.NoError(t, err)
	assert.Len(t, recs, 1, "answers after the exhausted one are not requested")
	assert.Equal(t, 4, mock.Calls())
}

func TestInvokeQuestionToAnswerFailureBoundedByRetries(t *testing.T) {
	mock := &backend.Mock{FailFirst: 100}
	inv, _ := newTestInvoker(t, mock)

	recs, err := inv.Invoke(context.Background(), request(models.StrategyQuestionToAnswer, 5), nil)
	assert.ErrorIs(t, err, backend.ErrMockFailure)
	assert.Empty(t, recs)
	assert.Equal(t, 3, mock.Calls(), "a failed record costs at most max_retries calls")
}

func TestInvokeClassifyExhaustedPathsFallBack(t *testing.T) {
	tests := []struct {
		name    string
		labels  models.StringList
		respond func(backend.Request) (string, error)
		wantErr error
	}{
		{
			name:    "empty label without label set",
			respond: func(backend.Request) (string, error) { return "  ", nil },
			wantErr: ErrEmptyResult,
		},
		{
			name:    "empty label with label set",
			labels:  models.StringList{"positive", "negative"},
			respond: func(backend.Request) (string, error) { return "", nil },
			wantErr: ErrEmptyResult,
		},
		{
			name:    "backend error",
			respond: func(backend.Request) (string, error) { return "", errors.New("upstream down") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &backend.Mock{Respond: tt.respond}
			inv, _ := newTestInvoker(t, mock)

			req := request(models.StrategyClassifyLabel, 1)
			req.Params.LabelSet = tt.labels
			recs, err := inv.Invoke(context.Background(), req, nil)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			require.Len(t, recs, 1)
			assert.Equal(t, ClassificationFailedLabel, recs[0]["output"])
			assert.Equal(t, "the quick brown fox", recs[0]["text"])
			assert.Equal(t, 3, mock.Calls())
		})
	}
}

func TestInvokeClassifyPausedHasNoFallback(t *testing.T) {
	inv, _ := newTestInvoker(t, &backend.Mock{})

	recs, err := inv.Invoke(context.Background(), request(models.StrategyClassifyLabel, 1), func() bool { return true })
	assert.ErrorIs(t, err, ErrPaused)
	assert.Empty(t, recs)
}
