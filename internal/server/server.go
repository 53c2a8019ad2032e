// Package server exposes task control over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lamim/distillforge/internal/orchestrator"
	"github.com/lamim/distillforge/internal/registry"
	"github.com/lamim/distillforge/pkg/models"
)

const maxBodySize = 1 << 20

// Deps are the handler dependencies
type Deps struct {
	Service *orchestrator.Service
	Logger  *slog.Logger
	// Token enables bearer authentication on task routes when non-empty
	Token string
	// RunContext is the parent context of runs started over HTTP. Runs outlive their request.
	RunContext context.Context
}

type resumeRequest struct {
	Overrides map[string]any `json:"overrides"`
	AsNew     bool           `json:"as_new"`
}

type taskResponse struct {
	TaskID string            `json:"task_id"`
	Status models.TaskStatus `json:"status"`
}

// NewHandler builds the HTTP API
func NewHandler(deps Deps) http.Handler {
	if deps.RunContext == nil {
		deps.RunContext = context.Background()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(bearerAuth(deps.Token))
		}
		r.Get("/strategies", handleStrategies)
		r.Get("/tasks", handleListTasks(deps))
		r.Post("/tasks", handleCreateTask(deps))
		r.Get("/tasks/{id}", handleGetTask(deps))
		r.Get("/tasks/{id}/report", handleReport(deps))
		r.Post("/tasks/{id}/pause", handlePause(deps))
		r.Post("/tasks/{id}/cancel", handleCancel(deps))
		r.Post("/tasks/{id}/resume", handleResume(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"strategies": orchestrator.ListStrategies()})
}

func handleListTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := deps.Service.ListTasks(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if status := r.URL.Query().Get("status"); status != "" {
			filtered := tasks[:0]
			for _, t := range tasks {
				if string(t.Status) == status {
					filtered = append(filtered, t)
				}
			}
			tasks = filtered
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
	}
}

func handleCreateTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var params models.Params
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		taskID, err := deps.Service.Create(r.Context(), params)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if err := deps.Service.RunAsync(deps.RunContext, taskID, nil); err != nil {
			writeServiceError(w, err)
			return
		}
		deps.Logger.Info("Task started over HTTP", "task_id", taskID)
		writeJSON(w, http.StatusAccepted, taskResponse{TaskID: taskID, Status: models.StatusRunning})
	}
}

func handleGetTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		progress, err := deps.Service.GetProgress(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, progress)
	}
}

func handleReport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := deps.Service.Report(chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func handlePause(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Service.Pause(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, taskResponse{TaskID: id, Status: models.StatusPaused})
	}
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Service.Cancel(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, taskResponse{TaskID: id, Status: models.StatusCancelled})
	}
}

func handleResume(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req resumeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		id, err := deps.Service.ResumeAsync(deps.RunContext, chi.URLParam(r, "id"), req.Overrides, req.AsNew, nil)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, taskResponse{TaskID: id, Status: models.StatusRunning})
	}
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, registry.ErrInvalidTransition), errors.Is(err, orchestrator.ErrAlreadyRunning):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.Is(err, orchestrator.ErrInvalidParams):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
