package api

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Pacer holds one token bucket per endpoint and model so that clients built for
// the same model share its requests-per-minute budget.
type Pacer struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	logger  *slog.Logger
}

type bucket struct {
	limiter *rate.Limiter
	rpm     int
}

// NewPacer returns an empty pacer
func NewPacer(logger *slog.Logger) *Pacer {
	return &Pacer{buckets: make(map[string]*bucket), logger: logger}
}

// limiter returns the bucket for key, creating it at rpm on first use.
// A later call with a different rpm keeps the first rate.
func (p *Pacer) limiter(key string, rpm int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.buckets[key]; ok {
		if b.rpm != rpm {
			p.logger.Warn("Pacing already configured for model, keeping first rate",
				"key", key, "rpm", b.rpm, "requested_rpm", rpm)
		}
		return b.limiter
	}
	burst := max(1, rpm/5)
	l := rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
	p.buckets[key] = &bucket{limiter: l, rpm: rpm}
	p.logger.Debug("Created model pacer", "key", key, "rpm", rpm, "burst", burst)
	return l
}

// Wait blocks until key may send another request. rpm <= 0 disables pacing.
func (p *Pacer) Wait(ctx context.Context, key string, rpm int) error {
	if rpm <= 0 {
		return nil
	}
	return p.limiter(key, rpm).Wait(ctx)
}
