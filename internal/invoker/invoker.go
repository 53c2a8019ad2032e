// Package invoker wraps model calls with pacing, bounded retries and pause checks.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/lamim/distillforge/internal/backend"
	"github.com/lamim/distillforge/internal/mapper"
	"github.com/lamim/distillforge/internal/metrics"
	"github.com/lamim/distillforge/internal/prompt"
	"github.com/lamim/distillforge/internal/ratelimit"
	"github.com/lamim/distillforge/pkg/models"
)

// ClassificationFailedLabel is written when no attempt produced a label from the label set
const ClassificationFailedLabel = "classification_failed"

var (
	// ErrPaused reports that the task was paused before the unit finished.
	// It is not a failure; the unit is regenerated on resume.
	ErrPaused = errors.New("generation paused")
	// ErrEmptyResult reports that every attempt produced no output records
	ErrEmptyResult = errors.New("model returned no usable output")
	// ErrInvalidLabel reports that every attempt produced a label outside the label set
	ErrInvalidLabel = errors.New("model returned no valid label")
)

const (
	baseBackoff        = time.Second
	rateLimitedBackoff = 5 * time.Second
	maxRateLimitWait   = 60 * time.Second
	maxJitter          = 300 * time.Millisecond
)

// PauseFunc reports whether the owning task has been paused
type PauseFunc func() bool

// Invoker executes generation requests against a backend
type Invoker struct {
	backend backend.Backend
	limiter *ratelimit.Window
	prompts *prompt.Builder
	metrics *metrics.Collector
	logger  *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// New creates an invoker. limiter is shared by every worker of a task.
func New(b backend.Backend, limiter *ratelimit.Window, prompts *prompt.Builder, mc *metrics.Collector, logger *slog.Logger) *Invoker {
	if limiter == nil {
		limiter = ratelimit.New()
	}
	return &Invoker{
		backend: b,
		limiter: limiter,
		prompts: prompts,
		metrics: mc,
		logger:  logger,
		sleep:   sleepContext,
		jitter: func() time.Duration {
			return time.Duration(rand.Int64N(int64(maxJitter) + 1))
		},
	}
}

// Invoke produces the output records for one input record.
// A classify_label request that exhausts its attempts returns the
// classification_failed fallback record together with the error.
func (inv *Invoker) Invoke(ctx context.Context, req models.GenerationRequest, paused PauseFunc) ([]models.Record, error) {
	if paused == nil {
		paused = func() bool { return false }
	}

	// Q&A asks once per requested answer
	if req.Strategy == models.StrategyQuestionToAnswer && req.Count > 1 {
		return inv.invokeRepeated(ctx, req, paused)
	}
	return inv.invokeOnce(ctx, req, paused)
}

func (inv *Invoker) invokeRepeated(ctx context.Context, req models.GenerationRequest, paused PauseFunc) ([]models.Record, error) {
	var out []models.Record
	single := req
	single.Count = 1
	for i := 0; i < req.Count; i++ {
		recs, err := inv.invokeOnce(ctx, single, paused)
		if errors.Is(err, ErrPaused) {
			return nil, err
		}
		if err != nil {
			// an answer that used up its retries ends the record
			inv.logger.Warn("Answer generation failed, keeping earlier answers",
				"line", req.Record.Line,
				"answer", i+1,
				"kept", len(out),
				"error", err)
			if len(out) == 0 {
				return nil, err
			}
			return out, nil
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (inv *Invoker) invokeOnce(ctx context.Context, req models.GenerationRequest, paused PauseFunc) ([]models.Record, error) {
	p := req.Params
	text, err := inv.prompts.Build(req)
	if err != nil {
		return nil, fmt.Errorf("failed to build prompt: %w", err)
	}

	attempts := p.MaxRetries
	if attempts < 1 {
		attempts = models.DefaultMaxRetries
	}

	var lastErr error
	var lastRecords []models.Record
	for attempt := 0; attempt < attempts; attempt++ {
		if paused() || ctx.Err() != nil {
			return nil, ErrPaused
		}

		waitStart := time.Now()
		if err := inv.limiter.Admit(ctx, p.RateLimitRPS); err != nil {
			return nil, ErrPaused
		}
		inv.metrics.RecordRateLimiterWait(req.ModelID, time.Since(waitStart))

		callStart := time.Now()
		raw, err := inv.backend.Generate(ctx, backend.Request{
			ModelID: req.ModelID,
			Prompt:  text,
			Params:  p.GenParams(),
		})
		inv.metrics.RecordModelRequest(req.ModelID, time.Since(callStart), err == nil)

		reason := "error"
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ErrPaused
			}
			lastErr = err
			if backend.IsRateLimited(err) {
				reason = "rate_limited"
			}
		default:
			recs := mapper.Map(raw, req.Strategy, req.Record.Fields, p)
			if len(recs) == 0 {
				lastErr = ErrEmptyResult
				reason = "empty"
				break
			}
			if req.Strategy == models.StrategyClassifyLabel && !labelsValid(recs, p) {
				lastErr = ErrInvalidLabel
				lastRecords = recs
				reason = "invalid_label"
				break
			}
			return recs, nil
		}

		if attempt == attempts-1 {
			break
		}

		delay := inv.backoff(attempt, p.MaxBackoff, backend.IsRateLimited(err))
		inv.metrics.IncrementRetry(req.ModelID, reason)
		inv.logger.Warn("Generation attempt failed, retrying",
			"line", req.Record.Line,
			"attempt", attempt+1,
			"max_attempts", attempts,
			"reason", reason,
			"delay", delay,
			"error", lastErr)
		if err := inv.sleep(ctx, delay); err != nil {
			return nil, ErrPaused
		}
	}

	if !errors.Is(lastErr, ErrInvalidLabel) && !errors.Is(lastErr, ErrEmptyResult) {
		lastErr = fmt.Errorf("generation failed after %d attempts: %w", attempts, lastErr)
	}
	if req.Strategy == models.StrategyClassifyLabel {
		if len(lastRecords) == 0 {
			lastRecords = []models.Record{req.Record.Fields}
		}
		return classificationFailed(lastRecords, p), lastErr
	}
	return nil, lastErr
}

// backoff returns min(base*2^attempt, max) plus jitter. Rate-limited calls back off harder.
func (inv *Invoker) backoff(attempt int, maxBackoff float64, rateLimited bool) time.Duration {
	base, ceiling := baseBackoff, time.Duration(maxBackoff*float64(time.Second))
	if ceiling <= 0 {
		ceiling = time.Duration(models.DefaultMaxBackoff * float64(time.Second))
	}
	if rateLimited {
		base, ceiling = rateLimitedBackoff, max(ceiling, maxRateLimitWait)
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > ceiling {
		d = ceiling
	}
	return d + inv.jitter()
}

func labelsValid(recs []models.Record, p models.Params) bool {
	target := targetField(p)
	for _, rec := range recs {
		label, _ := rec[target].(string)
		if !mapper.ValidLabel(label, p.LabelSet) {
			return false
		}
	}
	return true
}

func classificationFailed(recs []models.Record, p models.Params) []models.Record {
	target := targetField(p)
	out := make([]models.Record, 0, len(recs))
	for _, rec := range recs {
		rec = rec.Clone()
		rec[target] = ClassificationFailedLabel
		out = append(out, rec)
	}
	return out
}

func targetField(p models.Params) string {
	if p.TargetField == "" {
		return models.DefaultTargetField
	}
	return p.TargetField
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
