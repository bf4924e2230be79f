package hcl

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/buildgrid/internal/plan"
	"github.com/vk/buildgrid/internal/testutil"
)

const cargoHCL = `
action "build" {
  pull "base" {
    image = "docker.io/library/rust:1.80"
  }
  source "src" {
    path = "./src"
  }
  copy "merged" {
    input    = "base"
    contents = "src"
  }
  run "compile" {
    input   = "merged"
    script  = "cargo build --release"
    exports = ["/target"]
  }
}

write "./target" {
  from = "build.compile"
}
`

func TestLoad_SingleFile(t *testing.T) {
	t.Parallel()
	dir := testutil.WritePlanFiles(t, map[string]string{"plan.hcl": cargoHCL})

	p, err := NewLoader().Load(context.Background(), filepath.Join(dir, "plan.hcl"))
	require.NoError(t, err)

	require.Contains(t, p.Actions, "build")
	action := p.Actions["build"]
	require.Len(t, action.Steps, 4)

	base := action.Steps["base"]
	require.NotNil(t, base)
	assert.Equal(t, plan.KindPull, base.Kind)
	assert.Equal(t, "docker.io/library/rust:1.80", base.Image)
	assert.Equal(t, "build", base.Action)

	src := action.Steps["src"]
	require.NotNil(t, src)
	assert.Equal(t, plan.KindSource, src.Kind)
	assert.Equal(t, "./src", src.Path)

	merged := action.Steps["merged"]
	require.NotNil(t, merged)
	assert.Equal(t, plan.KindCopy, merged.Kind)
	assert.Equal(t, plan.Ref("base"), merged.Input)
	assert.Equal(t, plan.Ref("src"), merged.Contents)

	compile := action.Steps["compile"]
	require.NotNil(t, compile)
	assert.Equal(t, plan.KindRun, compile.Kind)
	assert.Equal(t, "cargo build --release", compile.Script)
	assert.Equal(t, []string{"/target"}, compile.Exports)

	require.Len(t, p.Writes, 1)
	assert.Equal(t, "./target", p.Writes[0].Target)
	assert.Equal(t, plan.Ref("build.compile"), p.Writes[0].From)
}

func TestLoad_DirectoryMergesFiles(t *testing.T) {
	t.Parallel()
	dir := testutil.WritePlanFiles(t, map[string]string{
		"build.hcl": cargoHCL,
		"docs.hcl": `
action "docs" {
  source "src" {
    path = "./docs"
  }
  run "render" {
    input  = "src"
    script = "mdbook build"
  }
}
`,
		"ignored.txt": "not a plan file",
	})

	p, err := NewLoader().Load(context.Background(), dir)
	require.NoError(t, err)

	assert.Len(t, p.Actions, 2)
	assert.Contains(t, p.Actions, "build")
	assert.Contains(t, p.Actions, "docs")

	// exports is optional on run blocks.
	assert.Empty(t, p.Actions["docs"].Steps["render"].Exports)
}

func TestLoad_EnvironmentValues(t *testing.T) {
	t.Setenv("PLAN_TEST_IMAGE", "docker.io/library/golang:1.24")
	dir := testutil.WritePlanFiles(t, map[string]string{"plan.hcl": `
action "build" {
  pull "base" {
    image = env.PLAN_TEST_IMAGE
  }
}
`})

	p, err := NewLoader().Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "docker.io/library/golang:1.24", p.Actions["build"].Steps["base"].Image)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	t.Run("missing path", func(t *testing.T) {
		_, err := NewLoader().Load(context.Background(), "./does-not-exist")
		require.Error(t, err)
	})

	t.Run("directory without plan files", func(t *testing.T) {
		dir := testutil.WritePlanFiles(t, map[string]string{"readme.md": "# nothing here"})
		_, err := NewLoader().Load(context.Background(), dir)
		require.ErrorContains(t, err, "no .hcl plan files")
	})

	t.Run("malformed file", func(t *testing.T) {
		dir := testutil.WritePlanFiles(t, map[string]string{"bad.hcl": `action "x" {`})
		_, err := NewLoader().Load(context.Background(), dir)
		require.ErrorContains(t, err, "failed to parse")
	})

	t.Run("duplicate action across files", func(t *testing.T) {
		dir := testutil.WritePlanFiles(t, map[string]string{
			"a.hcl": `action "build" {}`,
			"b.hcl": `action "build" {}`,
		})
		_, err := NewLoader().Load(context.Background(), dir)
		require.ErrorContains(t, err, "duplicate action")
	})

	t.Run("duplicate step within an action", func(t *testing.T) {
		dir := testutil.WritePlanFiles(t, map[string]string{"dup.hcl": `
action "build" {
  source "src" {
    path = "./a"
  }
  pull "src" {
    image = "docker.io/library/alpine:3.20"
  }
}
`})
		_, err := NewLoader().Load(context.Background(), dir)
		require.ErrorContains(t, err, "duplicate step")
	})
}
