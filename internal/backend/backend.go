// Package backend defines the model invocation contract and the backends behind it.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lamim/distillforge/pkg/models"
)

// Request is a single prompt sent to a model
type Request struct {
	ModelID string
	Prompt  string
	Params  models.GenParams
}

// Backend generates text for a prompt. An error means the call failed;
// the caller decides whether to retry.
type Backend interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// RateLimitedError is implemented by backend errors that signal provider throttling
type RateLimitedError interface {
	error
	RateLimited() bool
}

// IsRateLimited reports whether err (or any error it wraps) is a provider throttling error
func IsRateLimited(err error) bool {
	var rl RateLimitedError
	if errors.As(err, &rl) {
		return rl.RateLimited()
	}
	return false
}

// Route binds a configured model id to a backend and the provider-side model name
type Route struct {
	Backend   Backend
	ModelName string
}

// Router dispatches requests to the backend configured for the request's model id
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Route
	fallback Backend
	logger   *slog.Logger
	warned   map[string]bool
}

// NewRouter creates a router. Unknown model ids go to fallback when it is non-nil.
func NewRouter(routes map[string]Route, fallback Backend, logger *slog.Logger) *Router {
	if routes == nil {
		routes = make(map[string]Route)
	}
	return &Router{
		routes:   routes,
		fallback: fallback,
		logger:   logger,
		warned:   make(map[string]bool),
	}
}

// Generate implements Backend
func (r *Router) Generate(ctx context.Context, req Request) (string, error) {
	r.mu.RLock()
	route, ok := r.routes[req.ModelID]
	r.mu.RUnlock()

	if !ok {
		if r.fallback == nil {
			return "", fmt.Errorf("no backend configured for model %q", req.ModelID)
		}
		r.warnUnknown(req.ModelID)
		return r.fallback.Generate(ctx, req)
	}

	if route.ModelName != "" {
		req.ModelID = route.ModelName
	}
	return route.Backend.Generate(ctx, req)
}

// Has reports whether a route exists for the model id
func (r *Router) Has(modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[modelID]
	return ok
}

func (r *Router) warnUnknown(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.warned[modelID] {
		return
	}
	r.warned[modelID] = true
	r.logger.Warn("Model not configured, using fallback backend", "model_id", modelID)
}
