// Package scheduler topologically executes the DAG with a bounded worker
// pool. Readiness is signaled through a channel when a node's last dependency
// completes; workers never poll and never block on another node's completion.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/dag"
	"github.com/vk/buildgrid/internal/executor"
	"github.com/vk/buildgrid/internal/snapshot"
)

// SkippedError marks a node that was failed without execution because a node
// it transitively depends on failed. Upstream is the originating failure.
type SkippedError struct {
	Upstream *dag.Node
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("skipped due to upstream failure of '%s'", e.Upstream.Name)
}

func (e *SkippedError) Unwrap() error { return e.Upstream.Error }

// Scheduler drives one graph to completion.
type Scheduler struct {
	graph      *dag.Graph
	exec       *executor.Executor
	numWorkers int
	wg         sync.WaitGroup
}

// New creates a scheduler for the given graph. workers must be positive.
func New(graph *dag.Graph, exec *executor.Executor, workers int) *Scheduler {
	return &Scheduler{graph: graph, exec: exec, numWorkers: workers}
}

// Run executes the entire graph concurrently and returns an error if any
// node fails. A node failure does not stop independent branches; they run to
// completion so their results stay cached for future runs. Cancellation of
// ctx stops dispatch of new nodes and is passed down to in-flight sandboxes.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	readyChan := make(chan *dag.Node, len(s.graph.Nodes))

	logger.Debug("Initializing scheduler, finding root nodes...")
	rootNodeCount := 0
	for _, node := range s.graph.Nodes {
		if len(node.Deps) == 0 {
			node.State.Store(int32(dag.Ready))
			readyChan <- node
			rootNodeCount++
		}
	}
	logger.Debug("Found all root nodes.", "count", rootNodeCount)

	s.wg.Add(len(s.graph.Nodes))

	logger.Debug("Starting worker pool.", "workers", s.numWorkers)
	for i := 0; i < s.numWorkers; i++ {
		go s.worker(ctx, readyChan, i)
	}

	logger.Info("Waiting for all nodes to complete...")
	s.wg.Wait()
	close(readyChan)
	logger.Info("All nodes completed.")

	var failedNodes []string
	var rootCauseError error
	for _, node := range s.graph.Nodes {
		if dag.State(node.State.Load()) != dag.Failed {
			continue
		}
		logger.Error("Node failed execution.", "node", node.Name, "error", node.Error)
		// A skipped dependent is a symptom; only real failures are causes.
		var skipped *SkippedError
		if node.Error != nil && !errors.As(node.Error, &skipped) && !errors.Is(node.Error, context.Canceled) {
			failedNodes = append(failedNodes, node.Name)
			if rootCauseError == nil {
				rootCauseError = node.Error
			}
		}
	}
	if rootCauseError != nil {
		return fmt.Errorf("execution failed for %s: %w", strings.Join(failedNodes, ", "), rootCauseError)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run cancelled: %w", err)
	}
	return nil
}

// worker is the core processing loop for a single concurrent worker.
func (s *Scheduler) worker(ctx context.Context, readyChan chan *dag.Node, workerID int) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Worker started.", "workerID", workerID)

	for node := range readyChan {
		workerLogger := logger.With("workerID", workerID, "node", node.Name)

		if ctx.Err() != nil {
			workerLogger.Warn("Context cancelled, skipping node execution.")
			node.Fail(ctx.Err(), &s.wg, func() {
				s.failDependents(ctx, node, node)
			})
			continue
		}

		workerLogger.Debug("Worker picked up node for execution.")
		node.State.Store(int32(dag.Running))

		inputs := make([]snapshot.Snapshot, len(node.Inputs))
		for i, in := range node.Inputs {
			inputs[i] = in.Snapshot
		}

		started := time.Now()
		result, err := s.exec.Execute(ctx, node, inputs)
		node.Duration = time.Since(started)

		if err != nil {
			workerLogger.Error("Node execution failed.", "error", err)
			node.Error = err
			node.State.Store(int32(dag.Failed))
			s.failDependents(ctx, node, node)
			s.wg.Done()
			continue
		}

		node.Snapshot = result.Snapshot
		node.CacheHit = result.CacheHit
		node.State.Store(int32(dag.Done))
		if result.CacheHit {
			workerLogger.Info("✅ Cache hit.", "key", result.Snapshot.Key)
		} else {
			workerLogger.Info("✅ Finished step.", "duration", node.Duration)
		}

		for _, dependent := range node.Dependents {
			if dependent.DecrementDepCount() == 0 {
				workerLogger.Debug("Unlocking dependent node.", "dependent", dependent.Name)
				dependent.State.Store(int32(dag.Ready))
				readyChan <- dependent
			}
		}

		s.wg.Done()
	}
	logger.Debug("Worker finished.", "workerID", workerID)
}

// failDependents recursively marks all downstream nodes as failed without
// executing them, preserving the originating failure for reporting.
func (s *Scheduler) failDependents(ctx context.Context, node, root *dag.Node) {
	logger := ctxlog.FromContext(ctx)
	for _, dependent := range node.Dependents {
		dependent.Fail(&SkippedError{Upstream: root}, &s.wg, func() {
			logger.Warn("Skipping dependent node due to upstream failure.",
				"node", dependent.Name, "failed_dependency", root.Name)
			s.failDependents(ctx, dependent, root)
		})
	}
}
