// Package hcl is the thin declarative front-end: it translates .hcl plan
// files into the format-agnostic plan model. References between steps are
// plain strings resolved later by the graph builder; the only values
// available to expressions are the process environment, exposed as env.NAME.
package hcl

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/fsutil"
	"github.com/vk/buildgrid/internal/plan"
)

// fileRoot is the top-level schema of one plan file.
type fileRoot struct {
	Actions []*actionBlock `hcl:"action,block"`
	Writes  []*writeBlock  `hcl:"write,block"`
}

// actionBlock groups step declarations under one action name.
type actionBlock struct {
	Name    string         `hcl:"name,label"`
	Sources []*sourceBlock `hcl:"source,block"`
	Pulls   []*pullBlock   `hcl:"pull,block"`
	Copies  []*copyBlock   `hcl:"copy,block"`
	Runs    []*runBlock    `hcl:"run,block"`
}

type sourceBlock struct {
	Name string `hcl:"name,label"`
	Path string `hcl:"path"`
}

type pullBlock struct {
	Name  string `hcl:"name,label"`
	Image string `hcl:"image"`
}

type copyBlock struct {
	Name     string `hcl:"name,label"`
	Input    string `hcl:"input"`
	Contents string `hcl:"contents"`
}

type runBlock struct {
	Name    string   `hcl:"name,label"`
	Input   string   `hcl:"input"`
	Script  string   `hcl:"script"`
	Exports []string `hcl:"exports,optional"`
}

type writeBlock struct {
	Target string `hcl:"target,label"`
	From   string `hcl:"from"`
}

// Loader reads plan files from disk.
type Loader struct {
	parser  *hclparse.Parser
	evalCtx *hcl.EvalContext
}

// NewLoader creates a plan file loader. The process environment is captured
// once at construction, so every file of one load sees the same env values.
func NewLoader() *Loader {
	return &Loader{parser: hclparse.NewParser(), evalCtx: evalContext()}
}

// evalContext exposes the process environment to plan files as env.NAME.
func evalContext() *hcl.EvalContext {
	vals := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if name, value, ok := strings.Cut(kv, "="); ok && name != "" {
			vals[name] = cty.StringVal(value)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vals)},
	}
}

// Load reads a single .hcl file or a directory of them and merges the result
// into one plan.
func (l *Loader) Load(ctx context.Context, path string) (*plan.Plan, error) {
	logger := ctxlog.FromContext(ctx)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("plan path %q: %w", path, err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = fsutil.FindFilesByExtension(path, ".hcl")
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan directory %q: %w", path, err)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl plan files found under %q", path)
	}
	logger.Debug("Loading plan files.", "count", len(files))

	p := &plan.Plan{Actions: make(map[string]*plan.Action)}
	for _, file := range files {
		if err := l.loadFile(ctx, file, p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// loadFile parses one file and merges its blocks into the plan.
func (l *Loader) loadFile(ctx context.Context, path string, p *plan.Plan) error {
	f, diags := l.parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse %q: %w", path, diags)
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(f.Body, l.evalCtx, &root); diags.HasErrors() {
		return fmt.Errorf("failed to decode %q: %w", path, diags)
	}

	for _, a := range root.Actions {
		if _, exists := p.Actions[a.Name]; exists {
			return fmt.Errorf("%s: duplicate action %q", path, a.Name)
		}
		action, err := translateAction(a)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		p.Actions[a.Name] = action
	}
	for _, w := range root.Writes {
		p.Writes = append(p.Writes, &plan.Write{Target: w.Target, From: plan.Ref(w.From)})
	}
	return nil
}

// translateAction converts one action block into the agnostic model,
// rejecting duplicate step names within the action.
func translateAction(a *actionBlock) (*plan.Action, error) {
	action := &plan.Action{Name: a.Name, Steps: make(map[string]*plan.Step)}

	add := func(s *plan.Step) error {
		if _, exists := action.Steps[s.Name]; exists {
			return fmt.Errorf("action %q: duplicate step %q", a.Name, s.Name)
		}
		s.Action = a.Name
		action.Steps[s.Name] = s
		return nil
	}

	for _, b := range a.Sources {
		if err := add(&plan.Step{Name: b.Name, Kind: plan.KindSource, Path: b.Path}); err != nil {
			return nil, err
		}
	}
	for _, b := range a.Pulls {
		if err := add(&plan.Step{Name: b.Name, Kind: plan.KindPull, Image: b.Image}); err != nil {
			return nil, err
		}
	}
	for _, b := range a.Copies {
		if err := add(&plan.Step{
			Name:     b.Name,
			Kind:     plan.KindCopy,
			Input:    plan.Ref(b.Input),
			Contents: plan.Ref(b.Contents),
		}); err != nil {
			return nil, err
		}
	}
	for _, b := range a.Runs {
		if err := add(&plan.Step{
			Name:    b.Name,
			Kind:    plan.KindRun,
			Input:   plan.Ref(b.Input),
			Script:  b.Script,
			Exports: b.Exports,
		}); err != nil {
			return nil, err
		}
	}
	return action, nil
}
