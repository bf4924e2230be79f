// Package runner is the top-level driver for one plan execution: it runs the
// scheduler to completion, materializes the declared client-filesystem
// writes, and produces the per-action summary.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/dag"
	"github.com/vk/buildgrid/internal/executor"
	"github.com/vk/buildgrid/internal/plan"
	"github.com/vk/buildgrid/internal/runtime"
	"github.com/vk/buildgrid/internal/scheduler"
	"github.com/vk/buildgrid/internal/store"
)

// WriteTargetError reports a declared client write whose source never
// reached Done. Step names the originating failure, not the immediate
// dependency.
type WriteTargetError struct {
	Target string
	From   plan.Ref
	Step   string
	Err    error
}

func (e *WriteTargetError) Error() string {
	return fmt.Sprintf("cannot write %q from %q: step '%s' failed: %v", e.Target, e.From, e.Step, e.Err)
}

func (e *WriteTargetError) Unwrap() error { return e.Err }

// ActionSummary is the user-visible outcome of one action.
type ActionSummary struct {
	Action    string
	Status    dag.State
	Duration  time.Duration
	Steps     int
	CacheHits int
	// FailedStep and Err identify the originating failure when Status is
	// Failed. A dependent that was skipped reports its root cause here,
	// never just "dependency failed".
	FailedStep string
	Err        error
}

// Report is the full result of one plan run.
type Report struct {
	Actions []ActionSummary
}

// Runner wires the scheduler, the artifact store and the runtime together
// for one plan.
type Runner struct {
	graph   *dag.Graph
	exec    *executor.Executor
	rt      runtime.Runtime
	st      store.Store
	workers int
}

// New creates a runner for the given graph.
func New(graph *dag.Graph, exec *executor.Executor, rt runtime.Runtime, st store.Store, workers int) *Runner {
	return &Runner{graph: graph, exec: exec, rt: rt, st: st, workers: workers}
}

// Run drives one scheduler pass and then materializes the declared writes.
// The report is returned even when the run fails, so callers can always show
// per-action status.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	logger := ctxlog.FromContext(ctx)

	logger.Info("🚀 Starting concurrent execution...", "nodes", len(r.graph.Nodes), "workers", r.workers)
	sched := scheduler.New(r.graph, r.exec, r.workers)
	runErr := sched.Run(ctx)
	logger.Info("🏁 Execution finished.")

	// Snapshots were pinned by the executor as they were produced; release
	// them once the writes below no longer need them.
	defer func() {
		for _, node := range r.graph.Nodes {
			if dag.State(node.State.Load()) == dag.Done && !node.Snapshot.Zero() {
				r.st.Unref(node.Snapshot.Key)
			}
		}
	}()

	writeErr := r.materializeWrites(ctx)

	report := r.summarize()
	if runErr != nil {
		return report, runErr
	}
	return report, writeErr
}

// materializeWrites copies each declared write's snapshot content out to the
// client filesystem. Writes are independent of each other and run
// concurrently.
func (r *Runner) materializeWrites(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	g, gctx := errgroup.WithContext(ctx)

	for _, w := range r.graph.Writes {
		w := w
		g.Go(func() error {
			if dag.State(w.Node.State.Load()) != dag.Done {
				step, cause := rootCause(w.Node)
				return &WriteTargetError{Target: w.Target, From: w.From, Step: step, Err: cause}
			}
			logger.Info("📦 Writing artifact.", "target", w.Target, "from", string(w.From))
			return r.rt.WriteOut(gctx, w.Node.Snapshot.Ref, writeSubPath(w.Node), w.Target)
		})
	}
	return g.Wait()
}

// writeSubPath picks what part of the source snapshot lands at the target.
// A run step with a single export writes that subtree directly, so
// exports=["/target"] materializes as ./target, not ./target/target.
func writeSubPath(node *dag.Node) string {
	if node.Step.Kind == plan.KindRun && len(node.Step.Exports) == 1 {
		return node.Step.Exports[0]
	}
	return "/"
}

// rootCause walks a failed node's error back to the step that actually
// failed.
func rootCause(node *dag.Node) (step string, err error) {
	var skipped *scheduler.SkippedError
	if errors.As(node.Error, &skipped) {
		return skipped.Upstream.Name, skipped.Upstream.Error
	}
	return node.Name, node.Error
}

// summarize folds node states into per-action summaries, in action-name
// order. A node shared between actions through deduplication is counted in
// each action it belongs to.
func (r *Runner) summarize() *Report {
	type agg struct {
		summary ActionSummary
	}
	byAction := make(map[string]*agg)

	for _, node := range r.graph.Nodes {
		state := dag.State(node.State.Load())
		for _, h := range node.Holders {
			a, ok := byAction[h.Action]
			if !ok {
				a = &agg{summary: ActionSummary{Action: h.Action, Status: dag.Done}}
				byAction[h.Action] = a
			}
			a.summary.Steps++
			if node.CacheHit {
				a.summary.CacheHits++
			} else {
				a.summary.Duration += node.Duration
			}
			if state == dag.Failed && a.summary.Err == nil {
				a.summary.Status = dag.Failed
				a.summary.FailedStep, a.summary.Err = rootCause(node)
			}
		}
	}

	report := &Report{}
	names := make([]string, 0, len(byAction))
	for name := range byAction {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		report.Actions = append(report.Actions, byAction[name].summary)
	}
	return report
}
