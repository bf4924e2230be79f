// Package app wires the front-end, the graph builder, the artifact store and
// the runner into one application lifecycle.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/hcl"
	"github.com/vk/buildgrid/internal/plan"
	"github.com/vk/buildgrid/internal/runtime"
	"github.com/vk/buildgrid/internal/store"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	plan   *plan.Plan

	// Injected collaborators; nil means "create the real one".
	rt runtime.Runtime
	st store.Store
}

// Option overrides a collaborator, primarily for tests.
type Option func(*App)

// WithRuntime injects a runtime instead of connecting to Docker.
func WithRuntime(rt runtime.Runtime) Option {
	return func(a *App) { a.rt = rt }
}

// WithStore injects an artifact store, letting callers share a warm cache
// across runs.
func WithStore(st store.Store) Option {
	return func(a *App) { a.st = st }
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance with the plan already loaded; loading failures
// are fatal startup errors and panic, to be recovered at the CLI boundary.
func NewApp(outW io.Writer, cfg *Config, loader *hcl.Loader, opts ...Option) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	p, err := loader.Load(ctx, cfg.PlanPath)
	if err != nil {
		panic(fmt.Errorf("failed to load plan: %w", err))
	}
	logger.Debug("Plan loaded.", "actions", len(p.Actions), "writes", len(p.Writes))

	a := &App{outW: outW, logger: logger, plan: p}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Plan returns the loaded plan. This is primarily for testing.
func (a *App) Plan() *plan.Plan {
	return a.plan
}
