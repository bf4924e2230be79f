package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/dag"
	"github.com/vk/buildgrid/internal/executor"
	"github.com/vk/buildgrid/internal/runner"
	"github.com/vk/buildgrid/internal/runtime"
	"github.com/vk/buildgrid/internal/store"
)

// Run executes the main application logic based on the provided configuration.
func (a *App) Run(ctx context.Context, cfg *Config) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	a.logger.Debug("Building dependency graph from plan...")
	graph, err := dag.Build(ctx, a.plan)
	if err != nil {
		return fmt.Errorf("failed to build dependency graph: %w", err)
	}
	a.logger.Debug("Dependency graph built.", "node_count", len(graph.Nodes), "edge_count", graph.EdgeCount())

	if len(graph.Nodes) == 0 {
		a.logger.Warn("No steps found in plan, execution not required.")
		return nil
	}

	rt := a.rt
	if rt == nil {
		rt, err = runtime.NewDocker(ctx)
		if err != nil {
			return fmt.Errorf("failed to connect to container runtime: %w", err)
		}
		defer func() {
			if cerr := rt.Close(); cerr != nil {
				a.logger.Warn("Failed to close runtime.", "error", cerr)
			}
		}()
	}
	st := a.st
	if st == nil {
		st = store.NewMemory()
	}

	r := runner.New(graph, executor.New(rt, st), rt, st, cfg.Workers)
	report, runErr := r.Run(ctx)
	a.printReport(report)
	if runErr != nil {
		return fmt.Errorf("execution failed: %w", runErr)
	}

	a.logger.Debug("App.Run method finished.")
	return nil
}

// printReport renders the per-action summary to the application's output.
func (a *App) printReport(report *runner.Report) {
	w := tabwriter.NewWriter(a.outW, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tSTATUS\tDURATION\tSTEPS\tCACHE HITS")
	for _, s := range report.Actions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\n",
			s.Action, s.Status, s.Duration.Round(time.Millisecond), s.Steps, s.CacheHits, s.Steps)
	}
	w.Flush()

	for _, s := range report.Actions {
		if s.Err != nil {
			fmt.Fprintf(a.outW, "action %q failed at step '%s': %v\n", s.Action, s.FailedStep, s.Err)
		}
	}
}
