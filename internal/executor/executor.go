// Package executor runs exactly one graph node at a time against the
// container runtime, consulting the artifact store first so work whose cache
// key has already been produced is never repeated.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/dag"
	"github.com/vk/buildgrid/internal/plan"
	"github.com/vk/buildgrid/internal/runtime"
	"github.com/vk/buildgrid/internal/snapshot"
	"github.com/vk/buildgrid/internal/store"
)

// stderrTailLimit caps how much stderr a ScriptExecutionError carries.
const stderrTailLimit = 4096

// Result is the outcome of executing (or cache-hitting) one node.
type Result struct {
	Snapshot snapshot.Snapshot
	CacheHit bool
}

// Executor executes single steps. It is stateless apart from its
// collaborators and safe for concurrent use by scheduler workers.
type Executor struct {
	rt runtime.Runtime
	st store.Store
}

// New creates an executor bound to a runtime and an artifact store.
func New(rt runtime.Runtime, st store.Store) *Executor {
	return &Executor{rt: rt, st: st}
}

// Execute runs one node given its already-produced input snapshots, in the
// same positional order as node.Inputs. Failures are terminal for the step;
// there is no implicit retry.
func (e *Executor) Execute(ctx context.Context, node *dag.Node, inputs []snapshot.Snapshot) (Result, error) {
	switch node.Step.Kind {
	case plan.KindSource:
		return e.executeSource(ctx, node)
	case plan.KindPull:
		return e.executePull(ctx, node)
	case plan.KindCopy:
		return e.executeCopy(ctx, node, inputs)
	case plan.KindRun:
		return e.executeRun(ctx, node, inputs)
	default:
		return Result{}, fmt.Errorf("node %s has unknown kind %q", node.Name, node.Step.Kind)
	}
}

// executeSource snapshots a client filesystem subtree. The cache key folds
// in the subtree's content digest, so the key is only known after the
// snapshot is taken and a "hit" saves nothing but store space. What it does
// buy is downstream: an unchanged tree keeps the whole cone below it warm.
func (e *Executor) executeSource(ctx context.Context, node *dag.Node) (Result, error) {
	ref, content, err := e.rt.SnapshotPath(ctx, node.Step.Path)
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return Result{}, &SourceNotFoundError{Path: node.Step.Path, Err: err}
		}
		return Result{}, err
	}

	key := snapshot.StepKey(string(plan.KindSource), map[string]string{
		"path":    node.Step.Path,
		"content": content.String(),
	})
	if cached, ok := e.st.Get(key); ok {
		e.st.Ref(key)
		return Result{Snapshot: cached, CacheHit: true}, nil
	}

	snap := snapshot.Snapshot{Key: key, Ref: ref}
	if err := e.st.Put(snap); err != nil {
		return Result{}, err
	}
	e.st.Ref(key)
	return Result{Snapshot: snap}, nil
}

// executePull resolves the reference to a digest first and keys the cache on
// that digest, never on the tag string: a mutable tag that moved upstream
// yields a new key and a real pull instead of a stale hit.
func (e *Executor) executePull(ctx context.Context, node *dag.Node) (Result, error) {
	logger := ctxlog.FromContext(ctx)

	dgst, err := e.rt.ResolveDigest(ctx, node.Step.Image)
	if err != nil {
		return Result{}, &ImagePullError{Image: node.Step.Image, Err: err}
	}
	logger.Debug("Resolved image digest.", "image", node.Step.Image, "digest", dgst)

	key := snapshot.StepKey(string(plan.KindPull), map[string]string{"digest": dgst.String()})
	if cached, ok := e.st.Get(key); ok {
		e.st.Ref(key)
		return Result{Snapshot: cached, CacheHit: true}, nil
	}

	ref, err := e.rt.PullImage(ctx, node.Step.Image, dgst)
	if err != nil {
		return Result{}, &ImagePullError{Image: node.Step.Image, Err: err}
	}
	snap := snapshot.Snapshot{Key: key, Ref: ref}
	if err := e.st.Put(snap); err != nil {
		return Result{}, err
	}
	e.st.Ref(key)
	return Result{Snapshot: snap}, nil
}

func (e *Executor) executeCopy(ctx context.Context, node *dag.Node, inputs []snapshot.Snapshot) (Result, error) {
	if len(inputs) != 2 {
		return Result{}, fmt.Errorf("copy node %s expects 2 inputs, got %d", node.Name, len(inputs))
	}
	key := snapshot.StepKey(string(plan.KindCopy), nil, inputs[0].Key, inputs[1].Key)
	if cached, ok := e.st.Get(key); ok {
		e.st.Ref(key)
		return Result{Snapshot: cached, CacheHit: true}, nil
	}

	ref, err := e.rt.CopyOverlay(ctx, inputs[0].Ref, inputs[1].Ref)
	if err != nil {
		return Result{}, fmt.Errorf("copy failed for %s: %w", node.Name, err)
	}
	snap := snapshot.Snapshot{Key: key, Ref: ref}
	if err := e.st.Put(snap); err != nil {
		return Result{}, err
	}
	e.st.Ref(key)
	return Result{Snapshot: snap}, nil
}

func (e *Executor) executeRun(ctx context.Context, node *dag.Node, inputs []snapshot.Snapshot) (Result, error) {
	if len(inputs) != 1 {
		return Result{}, fmt.Errorf("run node %s expects 1 input, got %d", node.Name, len(inputs))
	}
	key := snapshot.StepKey(string(plan.KindRun), map[string]string{
		"script":  node.Step.Script,
		"exports": strings.Join(node.Step.Exports, ","),
	}, inputs[0].Key)
	if cached, ok := e.st.Get(key); ok {
		e.st.Ref(key)
		return Result{Snapshot: cached, CacheHit: true}, nil
	}

	run, err := e.rt.RunSandbox(ctx, inputs[0].Ref, node.Step.Script)
	if err != nil {
		return Result{}, fmt.Errorf("sandbox failed for %s: %w", node.Name, err)
	}
	if run.ExitCode != 0 {
		return Result{}, &ScriptExecutionError{
			ExitCode:   run.ExitCode,
			StderrTail: tail(run.Stderr, stderrTailLimit),
		}
	}

	// No declared exports means the step's output is its entire filesystem.
	ref := run.Ref
	if len(node.Step.Exports) > 0 {
		ref, err = e.rt.ExportPaths(ctx, run.Ref, node.Step.Exports)
		if err != nil {
			if errors.Is(err, runtime.ErrNotFound) {
				return Result{}, &ExportPathMissingError{Step: node.Name, Err: err}
			}
			return Result{}, fmt.Errorf("export failed for %s: %w", node.Name, err)
		}
	}
	snap := snapshot.Snapshot{Key: key, Ref: ref}
	if err := e.st.Put(snap); err != nil {
		return Result{}, err
	}
	e.st.Ref(key)
	return Result{Snapshot: snap}, nil
}

// tail returns at most the last n bytes of s, trimmed of trailing space.
func tail(s string, n int) string {
	s = strings.TrimRight(s, "\n\t ")
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
