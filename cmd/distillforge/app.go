package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/lamim/distillforge/internal/api"
	"github.com/lamim/distillforge/internal/backend"
	"github.com/lamim/distillforge/internal/config"
	"github.com/lamim/distillforge/internal/metrics"
	"github.com/lamim/distillforge/internal/orchestrator"
	"github.com/lamim/distillforge/internal/prompt"
	"github.com/lamim/distillforge/internal/registry"
)

// app holds the wiring shared by all commands
type app struct {
	cfg      *config.Config
	secrets  *config.Secrets
	logger   *slog.Logger
	registry registry.Registry
	svc      *orchestrator.Service
	closers  []func() error
}

type appOptions struct {
	withBackend  bool
	dryRun       bool
	showProgress bool
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	cfg, secrets, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, secrets: secrets, logger: logger}
	switch cfg.Registry.Driver {
	case config.RegistryMemory:
		a.registry = registry.NewMemory()
	default:
		db, err := registry.OpenSQLite(cfg.Registry.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open task registry: %w", err)
		}
		a.registry = db
	}
	a.closers = append(a.closers, a.registry.Close)

	prompts, err := prompt.NewBuilder(cfg.PromptTemplates)
	if err != nil {
		a.Close()
		return nil, err
	}

	svcOpts := orchestrator.Options{
		OutputDir:    cfg.Generation.OutputDir,
		Defaults:     cfg.Generation.Defaults(),
		PollInterval: time.Duration(cfg.Generation.StatusPollIntervalMS) * time.Millisecond,
		ShowProgress: opts.showProgress,
		Prompts:      prompts,
		Registry:     a.registry,
		Metrics:      metrics.NewCollector(),
		Logger:       logger,
	}
	if opts.withBackend {
		b, err := a.buildBackend(ctx, opts.dryRun)
		if err != nil {
			a.Close()
			return nil, err
		}
		svcOpts.Backend = b
	}
	a.svc = orchestrator.NewService(svcOpts)
	return a, nil
}

// loadConfig reads the config file, falling back to defaults when the default path is absent
func loadConfig() (*config.Config, *config.Secrets, error) {
	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) && configPath == "config.toml" {
		return config.Default()
	}
	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, secrets, nil
}

// buildBackend routes each configured model id to its provider backend
func (a *app) buildBackend(ctx context.Context, dryRun bool) (backend.Backend, error) {
	if dryRun {
		a.logger.Info("Dry run: model calls are answered by an echo backend")
		return &backend.Mock{}, nil
	}

	pacer := api.NewPacer(a.logger)
	routes := make(map[string]backend.Route, len(a.cfg.Models))
	for id, mc := range a.cfg.Models {
		key := a.secrets.GetAPIKey(mc)
		var b backend.Backend
		switch mc.Provider {
		case config.ProviderGemini:
			g, err := backend.NewGemini(ctx, key, a.logger)
			if err != nil {
				return nil, fmt.Errorf("model %s: %w", id, err)
			}
			a.closers = append(a.closers, g.Close)
			b = g
		default:
			b = api.NewClient(mc, key, pacer, a.logger)
		}
		routes[id] = backend.Route{Backend: b, ModelName: mc.ModelName}
		a.logger.Debug("Model configured", "model_id", id, "provider", mc.Provider, "model_name", mc.ModelName)
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("no models configured; add a [models.<id>] section to %s or use --dry-run", configPath)
	}
	return backend.NewRouter(routes, nil, a.logger), nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Cleanup failed", "error", err)
		}
	}
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}
