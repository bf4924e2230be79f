package runner

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/buildgrid/internal/dag"
	"github.com/vk/buildgrid/internal/executor"
	"github.com/vk/buildgrid/internal/plan"
	"github.com/vk/buildgrid/internal/store"
	"github.com/vk/buildgrid/internal/testutil"
)

// cargoPlan is a release build writing ./target to the client filesystem.
func cargoPlan() *plan.Plan {
	return &plan.Plan{
		Actions: map[string]*plan.Action{
			"build": {
				Name: "build",
				Steps: map[string]*plan.Step{
					"base":    {Action: "build", Name: "base", Kind: plan.KindPull, Image: "docker.io/library/rust:1.80"},
					"src":     {Action: "build", Name: "src", Kind: plan.KindSource, Path: "./src"},
					"merged":  {Action: "build", Name: "merged", Kind: plan.KindCopy, Input: "base", Contents: "src"},
					"compile": {Action: "build", Name: "compile", Kind: plan.KindRun, Input: "merged", Script: "cargo build --release", Exports: []string{"/target"}},
				},
			},
		},
		Writes: []*plan.Write{{Target: "./target", From: "build.compile"}},
	}
}

func cargoRuntime() *testutil.FakeRuntime {
	fake := testutil.NewFakeRuntime()
	fake.AddImage("docker.io/library/rust:1.80", map[string]string{"/usr/bin/cargo": "elf"})
	fake.AddHostPath("./src", map[string]string{"/src/main.rs": "fn main() {}"})
	fake.OnScript("cargo build --release", func(files map[string]string) (map[string]string, int, string) {
		return map[string]string{"/target/release/app": "binary"}, 0, ""
	})
	return fake
}

func newRunner(p *plan.Plan, fake *testutil.FakeRuntime, st store.Store) (*Runner, error) {
	graph, err := dag.Build(context.Background(), p)
	if err != nil {
		return nil, err
	}
	return New(graph, executor.New(fake, st), fake, st, 2), nil
}

func TestRun_MaterializesWrites(t *testing.T) {
	t.Parallel()
	fake := cargoRuntime()
	r, err := newRunner(cargoPlan(), fake, store.NewMemory())
	require.NoError(t, err)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)

	summary := report.Actions[0]
	assert.Equal(t, "build", summary.Action)
	assert.Equal(t, dag.Done, summary.Status)
	assert.Equal(t, 4, summary.Steps)
	assert.Equal(t, 0, summary.CacheHits)
	assert.NoError(t, summary.Err)

	// A single-export run step writes the exported subtree itself, so the
	// target holds release/app, not target/release/app.
	assert.Equal(t, map[string]string{"/release/app": "binary"}, fake.WrittenTo("./target"))
}

func TestRun_SecondRunIsFullyCached(t *testing.T) {
	t.Parallel()
	fake := cargoRuntime()
	st := store.NewMemory()

	r1, err := newRunner(cargoPlan(), fake, st)
	require.NoError(t, err)
	_, err = r1.Run(context.Background())
	require.NoError(t, err)

	firstWrite := fake.WrittenTo("./target")
	pulls, copies, runs := fake.Pulls, fake.Copies, fake.Runs

	// Same plan, same store: every step must hit the cache and no container
	// work may happen, but the write still materializes.
	r2, err := newRunner(cargoPlan(), fake, st)
	require.NoError(t, err)
	report, err := r2.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pulls, fake.Pulls)
	assert.Equal(t, copies, fake.Copies)
	assert.Equal(t, runs, fake.Runs)

	require.Len(t, report.Actions, 1)
	assert.Equal(t, 4, report.Actions[0].CacheHits)

	if diff := cmp.Diff(firstWrite, fake.WrittenTo("./target")); diff != "" {
		t.Errorf("warm-run write differs (-first +second):\n%s", diff)
	}
}

func TestRun_SourceChangeInvalidatesDownstream(t *testing.T) {
	t.Parallel()
	fake := cargoRuntime()
	st := store.NewMemory()

	r1, err := newRunner(cargoPlan(), fake, st)
	require.NoError(t, err)
	_, err = r1.Run(context.Background())
	require.NoError(t, err)

	runs := fake.Runs
	fake.AddHostPath("./src", map[string]string{"/src/main.rs": "fn main() { println!() }"})

	r2, err := newRunner(cargoPlan(), fake, st)
	require.NoError(t, err)
	report, err := r2.Run(context.Background())
	require.NoError(t, err)

	// The pull is still warm; the copy and the run re-execute.
	assert.Equal(t, runs+1, fake.Runs)
	assert.Equal(t, 1, report.Actions[0].CacheHits)
}

func TestRun_ScriptChangeInvalidatesOnlyItsCone(t *testing.T) {
	t.Parallel()
	fake := cargoRuntime()
	fake.OnScript("cargo build --release --locked", func(files map[string]string) (map[string]string, int, string) {
		return map[string]string{"/target/release/app": "locked binary"}, 0, ""
	})
	st := store.NewMemory()

	r1, err := newRunner(cargoPlan(), fake, st)
	require.NoError(t, err)
	_, err = r1.Run(context.Background())
	require.NoError(t, err)

	pulls, copies, runs := fake.Pulls, fake.Copies, fake.Runs

	changed := cargoPlan()
	changed.Actions["build"].Steps["compile"].Script = "cargo build --release --locked"

	r2, err := newRunner(changed, fake, st)
	require.NoError(t, err)
	report, err := r2.Run(context.Background())
	require.NoError(t, err)

	// Everything upstream of the edited run step stays warm; only the run
	// itself re-executes.
	assert.Equal(t, pulls, fake.Pulls)
	assert.Equal(t, copies, fake.Copies)
	assert.Equal(t, runs+1, fake.Runs)
	assert.Equal(t, 3, report.Actions[0].CacheHits)
	assert.Equal(t, map[string]string{"/release/app": "locked binary"}, fake.WrittenTo("./target"))
}

func TestRun_FailedCompileSkipsWriteAndReportsCause(t *testing.T) {
	t.Parallel()
	fake := cargoRuntime()
	fake.OnScript("cargo build --release", func(files map[string]string) (map[string]string, int, string) {
		return nil, 101, "compile error\n"
	})

	r, err := newRunner(cargoPlan(), fake, store.NewMemory())
	require.NoError(t, err)

	report, err := r.Run(context.Background())
	require.Error(t, err)

	// The report still describes the failed action, with the originating
	// step rather than a skipped dependent.
	require.Len(t, report.Actions, 1)
	summary := report.Actions[0]
	assert.Equal(t, dag.Failed, summary.Status)
	assert.Equal(t, "build.compile", summary.FailedStep)

	var scriptErr *executor.ScriptExecutionError
	require.ErrorAs(t, summary.Err, &scriptErr)
	assert.Equal(t, 101, scriptErr.ExitCode)

	// Nothing was written for the dead target.
	assert.Empty(t, fake.WrittenTo("./target"))
}

func TestRun_FailedSourceSurfacesRootCause(t *testing.T) {
	t.Parallel()
	// No ./src registered: the source fails and the write's immediate
	// dependency is merely skipped.
	fake := testutil.NewFakeRuntime()
	fake.AddImage("docker.io/library/rust:1.80", map[string]string{"/usr/bin/cargo": "elf"})

	graph, err := dag.Build(context.Background(), cargoPlan())
	require.NoError(t, err)
	st := store.NewMemory()
	r := New(graph, executor.New(fake, st), fake, st, 2)

	_, err = r.Run(context.Background())
	require.Error(t, err)

	// The scheduler error wins, but it carries the real cause.
	var notFound *executor.SourceNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "./src", notFound.Path)
}

func TestRun_ReleasesSnapshotPins(t *testing.T) {
	t.Parallel()
	fake := cargoRuntime()
	st := store.NewMemory()

	r, err := newRunner(cargoPlan(), fake, st)
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.NoError(t, err)

	// Every pin taken during execution was released after the writes.
	for _, node := range r.graph.Nodes {
		assert.Equal(t, 0, st.Refs(node.Snapshot.Key), "node %s still pinned", node.Name)
	}
}

func TestWriteSubPath(t *testing.T) {
	t.Parallel()

	t.Run("single export", func(t *testing.T) {
		node := &dag.Node{Step: &plan.Step{Kind: plan.KindRun, Exports: []string{"/target"}}}
		assert.Equal(t, "/target", writeSubPath(node))
	})

	t.Run("multiple exports keep the full tree", func(t *testing.T) {
		node := &dag.Node{Step: &plan.Step{Kind: plan.KindRun, Exports: []string{"/bin", "/lib"}}}
		assert.Equal(t, "/", writeSubPath(node))
	})

	t.Run("non-run steps keep the full tree", func(t *testing.T) {
		node := &dag.Node{Step: &plan.Step{Kind: plan.KindCopy}}
		assert.Equal(t, "/", writeSubPath(node))
	})
}
