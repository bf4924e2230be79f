package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/buildgrid/internal/dag"
	"github.com/vk/buildgrid/internal/executor"
	"github.com/vk/buildgrid/internal/plan"
	"github.com/vk/buildgrid/internal/store"
	"github.com/vk/buildgrid/internal/testutil"
)

// pipelinePlan is a compile pipeline plus an independent docs action.
func pipelinePlan() *plan.Plan {
	return &plan.Plan{
		Actions: map[string]*plan.Action{
			"build": {
				Name: "build",
				Steps: map[string]*plan.Step{
					"base":    {Action: "build", Name: "base", Kind: plan.KindPull, Image: "docker.io/library/rust:1.80"},
					"src":     {Action: "build", Name: "src", Kind: plan.KindSource, Path: "./src"},
					"merged":  {Action: "build", Name: "merged", Kind: plan.KindCopy, Input: "base", Contents: "src"},
					"compile": {Action: "build", Name: "compile", Kind: plan.KindRun, Input: "merged", Script: "cargo build", Exports: []string{"/target"}},
				},
			},
			"docs": {
				Name: "docs",
				Steps: map[string]*plan.Step{
					"src":    {Action: "docs", Name: "src", Kind: plan.KindSource, Path: "./docs"},
					"render": {Action: "docs", Name: "render", Kind: plan.KindRun, Input: "src", Script: "render docs"},
				},
			},
		},
	}
}

func pipelineRuntime() *testutil.FakeRuntime {
	fake := testutil.NewFakeRuntime()
	fake.AddImage("docker.io/library/rust:1.80", map[string]string{"/usr/bin/cargo": "elf"})
	fake.AddHostPath("./src", map[string]string{"/src/main.rs": "fn main() {}"})
	fake.AddHostPath("./docs", map[string]string{"/docs/index.md": "# docs"})
	fake.OnScript("cargo build", func(files map[string]string) (map[string]string, int, string) {
		return map[string]string{"/target/app": "binary"}, 0, ""
	})
	return fake
}

func stateOf(node *dag.Node) dag.State {
	return dag.State(node.State.Load())
}

func findNode(t *testing.T, g *dag.Graph, action, step string) *dag.Node {
	t.Helper()
	for _, node := range g.Nodes {
		for _, h := range node.Holders {
			if h.Action == action && h.Step == step {
				return node
			}
		}
	}
	t.Fatalf("no node holds %s.%s", action, step)
	return nil
}

func TestRun_CompletesWholeGraph(t *testing.T) {
	t.Parallel()
	fake := pipelineRuntime()
	graph, err := dag.Build(context.Background(), pipelinePlan())
	require.NoError(t, err)

	sched := New(graph, executor.New(fake, store.NewMemory()), 4)
	require.NoError(t, sched.Run(context.Background()))

	for _, node := range graph.Nodes {
		assert.Equal(t, dag.Done, stateOf(node), "node %s", node.Name)
		assert.False(t, node.Snapshot.Zero(), "node %s", node.Name)
	}

	compiled := findNode(t, graph, "build", "compile")
	assert.Equal(t, map[string]string{"/target/app": "binary"}, fake.Tree(compiled.Snapshot.Ref))
}

func TestRun_FailurePropagatesWithoutStoppingIndependentBranches(t *testing.T) {
	t.Parallel()
	fake := pipelineRuntime()
	fake.OnScript("cargo build", func(files map[string]string) (map[string]string, int, string) {
		return nil, 101, "compile error\n"
	})
	graph, err := dag.Build(context.Background(), pipelinePlan())
	require.NoError(t, err)

	sched := New(graph, executor.New(fake, store.NewMemory()), 4)
	err = sched.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build.compile")

	var scriptErr *executor.ScriptExecutionError
	assert.ErrorAs(t, err, &scriptErr)

	// The failing node and nothing upstream of it.
	assert.Equal(t, dag.Failed, stateOf(findNode(t, graph, "build", "compile")))
	assert.Equal(t, dag.Done, stateOf(findNode(t, graph, "build", "merged")))

	// The independent docs branch ran to completion.
	assert.Equal(t, dag.Done, stateOf(findNode(t, graph, "docs", "render")))
}

func TestRun_SkipsDependentsOfFailedNode(t *testing.T) {
	t.Parallel()
	graph, err := dag.Build(context.Background(), pipelinePlan())
	require.NoError(t, err)

	// A runtime without ./src registered: the source step fails and
	// everything downstream of it must be skipped.
	missing := testutil.NewFakeRuntime()
	missing.AddImage("docker.io/library/rust:1.80", map[string]string{"/usr/bin/cargo": "elf"})
	missing.AddHostPath("./docs", map[string]string{"/docs/index.md": "# docs"})

	sched := New(graph, executor.New(missing, store.NewMemory()), 2)
	err = sched.Run(context.Background())
	require.Error(t, err)

	var notFound *executor.SourceNotFoundError
	assert.ErrorAs(t, err, &notFound)

	merged := findNode(t, graph, "build", "merged")
	compile := findNode(t, graph, "build", "compile")
	assert.Equal(t, dag.Failed, stateOf(merged))
	assert.Equal(t, dag.Failed, stateOf(compile))

	var skipped *SkippedError
	require.ErrorAs(t, compile.Error, &skipped)
	assert.Equal(t, "build.src", skipped.Upstream.Name)

	// Nothing in the skipped build cone reached the runtime; the one run is
	// the independent docs.render, which completes as usual.
	assert.Equal(t, 0, missing.Copies)
	assert.Equal(t, 1, missing.Runs)
	assert.Equal(t, dag.Done, stateOf(findNode(t, graph, "docs", "render")))
}

func TestRun_IndependentStepsRunConcurrently(t *testing.T) {
	t.Parallel()
	fake := testutil.NewFakeRuntime()
	fake.AddHostPath("./a", map[string]string{"/a": "a"})
	fake.AddHostPath("./b", map[string]string{"/b": "b"})

	// Each script blocks until the other has started. With two workers both
	// must be in flight at once or the test times out.
	barrier := make(chan struct{}, 2)
	rendezvous := func(map[string]string) (map[string]string, int, string) {
		barrier <- struct{}{}
		for len(barrier) < 2 {
			time.Sleep(time.Millisecond)
		}
		return nil, 0, ""
	}
	fake.OnScript("job a", rendezvous)
	fake.OnScript("job b", rendezvous)

	p := &plan.Plan{
		Actions: map[string]*plan.Action{
			"par": {
				Name: "par",
				Steps: map[string]*plan.Step{
					"srcA": {Action: "par", Name: "srcA", Kind: plan.KindSource, Path: "./a"},
					"srcB": {Action: "par", Name: "srcB", Kind: plan.KindSource, Path: "./b"},
					"jobA": {Action: "par", Name: "jobA", Kind: plan.KindRun, Input: "srcA", Script: "job a"},
					"jobB": {Action: "par", Name: "jobB", Kind: plan.KindRun, Input: "srcB", Script: "job b"},
				},
			},
		},
	}
	graph, err := dag.Build(context.Background(), p)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- New(graph, executor.New(fake, store.NewMemory()), 2).Run(context.Background())
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not finish; steps likely serialized")
	}
}

func TestRun_Cancellation(t *testing.T) {
	t.Parallel()
	fake := pipelineRuntime()
	graph, err := dag.Build(context.Background(), pipelinePlan())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sched := New(graph, executor.New(fake, store.NewMemory()), 2)
	err = sched.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// Every node settled; nothing is left Pending or Running.
	for _, node := range graph.Nodes {
		state := stateOf(node)
		assert.Contains(t, []dag.State{dag.Done, dag.Failed}, state, "node %s", node.Name)
	}
}
