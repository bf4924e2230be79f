package dag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/plan"
)

// Build constructs a complete, validated dependency graph from a plan.
func Build(ctx context.Context, p *plan.Plan) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Build: Starting graph construction.")

	b := &builder{
		plan:  p,
		nodes: make(map[string]*Node),
		memo:  make(map[Holder]*Node),
		gray:  make(map[Holder]bool),
	}

	// Resolve every declaration in deterministic order so error messages are
	// stable across runs.
	for _, actionName := range sortedKeys(p.Actions) {
		action := p.Actions[actionName]
		for _, stepName := range sortedKeys(action.Steps) {
			if _, err := b.resolve(ctx, Holder{Action: actionName, Step: stepName}); err != nil {
				return nil, err
			}
		}
	}
	logger.Debug("Build: Step resolution complete.", "node_count", len(b.nodes))

	graph := &Graph{Nodes: b.nodes}
	if err := b.resolveWrites(graph); err != nil {
		return nil, err
	}
	logger.Debug("Build: Write resolution complete.", "write_count", len(graph.Writes))

	for _, node := range graph.Nodes {
		node.SetInitialCounters()
	}

	if err := graph.detectCycles(); err != nil {
		return nil, fmt.Errorf("error validating dependency graph: %w", err)
	}
	logger.Debug("Build: Cycle detection passed.")

	logger.Debug("Build: Graph construction successful.")
	return graph, nil
}

// builder carries the resolution state: memoized declaration results plus the
// gray set and stack that turn a back-reference into a named cycle.
type builder struct {
	plan  *plan.Plan
	nodes map[string]*Node
	memo  map[Holder]*Node
	gray  map[Holder]bool
	stack []Holder
}

// resolve maps one (action, step) declaration onto its graph node, creating
// it and its input edges on first visit.
func (b *builder) resolve(ctx context.Context, h Holder) (*Node, error) {
	if n, ok := b.memo[h]; ok {
		return n, nil
	}
	if b.gray[h] {
		return nil, &CycleError{Chain: b.chainFrom(h)}
	}

	action, ok := b.plan.Actions[h.Action]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", h.Action)
	}
	step, ok := action.Steps[h.Step]
	if !ok {
		return nil, fmt.Errorf("unknown step '%s.%s'", h.Action, h.Step)
	}

	b.gray[h] = true
	b.stack = append(b.stack, h)
	defer func() {
		delete(b.gray, h)
		b.stack = b.stack[:len(b.stack)-1]
	}()

	var inputs []*Node
	switch step.Kind {
	case plan.KindSource, plan.KindPull:
		// Leaves.
	case plan.KindCopy:
		in, err := b.resolveRef(ctx, h, "input", step.Input)
		if err != nil {
			return nil, err
		}
		contents, err := b.resolveRef(ctx, h, "contents", step.Contents)
		if err != nil {
			return nil, err
		}
		inputs = []*Node{in, contents}
	case plan.KindRun:
		in, err := b.resolveRef(ctx, h, "input", step.Input)
		if err != nil {
			return nil, err
		}
		inputs = []*Node{in}
	default:
		return nil, fmt.Errorf("step '%s.%s' has unknown kind %q", h.Action, h.Step, step.Kind)
	}

	node := b.intern(ctx, step, inputs, h)
	b.memo[h] = node
	return node, nil
}

// resolveRef resolves a single reference field of a declaration.
func (b *builder) resolveRef(ctx context.Context, from Holder, field string, ref plan.Ref) (*Node, error) {
	actionName, stepName, ok := ref.Resolve(from.Action)
	if !ok {
		return nil, &UnresolvedReferenceError{Action: from.Action, Step: from.Step, Field: field, Ref: ref}
	}
	action, found := b.plan.Actions[actionName]
	if !found {
		return nil, &UnresolvedReferenceError{Action: from.Action, Step: from.Step, Field: field, Ref: ref}
	}
	if _, found := action.Steps[stepName]; !found {
		return nil, &UnresolvedReferenceError{Action: from.Action, Step: from.Step, Field: field, Ref: ref}
	}
	return b.resolve(ctx, Holder{Action: actionName, Step: stepName})
}

// intern returns the node for a structural identity, creating it on first
// sight. This is where identical steps from different actions collapse into
// one execution.
func (b *builder) intern(ctx context.Context, step *plan.Step, inputs []*Node, h Holder) *Node {
	id := structuralID(step, inputs)
	if existing, ok := b.nodes[id]; ok {
		ctxlog.FromContext(ctx).Debug("Deduplicated step onto existing node.",
			"node_id", id, "action", h.Action, "step", h.Step)
		existing.Holders = append(existing.Holders, h)
		return existing
	}

	node := &Node{
		ID:         id,
		Name:       fmt.Sprintf("%s.%s", h.Action, h.Step),
		Step:       step,
		Inputs:     inputs,
		Holders:    []Holder{h},
		Deps:       make(map[string]*Node),
		Dependents: make(map[string]*Node),
	}
	for _, in := range inputs {
		node.Deps[in.ID] = in
		in.Dependents[id] = node
	}
	b.nodes[id] = node
	return node
}

// resolveWrites binds each declared client write to its producing node.
// Write sources must use the qualified "action.step" form.
func (b *builder) resolveWrites(graph *Graph) error {
	for _, w := range b.plan.Writes {
		actionName, stepName, ok := w.From.Resolve("")
		if !ok || actionName == "" {
			return &UnresolvedReferenceError{Field: "from", Ref: w.From}
		}
		node, found := b.memo[Holder{Action: actionName, Step: stepName}]
		if !found {
			return &UnresolvedReferenceError{Action: actionName, Step: stepName, Field: "from", Ref: w.From}
		}
		graph.Writes = append(graph.Writes, &ResolvedWrite{
			Target: w.Target,
			From:   w.From,
			Node:   node,
		})
	}
	return nil
}

// chainFrom renders the resolution stack from the first occurrence of h,
// closing the loop for the error message.
func (b *builder) chainFrom(h Holder) []string {
	var chain []string
	started := false
	for _, s := range b.stack {
		if s == h {
			started = true
		}
		if started {
			chain = append(chain, fmt.Sprintf("%s.%s", s.Action, s.Step))
		}
	}
	return append(chain, fmt.Sprintf("%s.%s", h.Action, h.Step))
}

// structuralID derives a node's identity from its kind, parameters and input
// identities. Because input IDs are folded in, equal IDs mean equal subtrees.
func structuralID(step *plan.Step, inputs []*Node) string {
	var sig strings.Builder
	sig.WriteString(string(step.Kind))
	switch step.Kind {
	case plan.KindSource:
		sig.WriteString("|" + step.Path)
	case plan.KindPull:
		sig.WriteString("|" + step.Image)
	case plan.KindRun:
		sig.WriteString("|" + step.Script + "|" + strings.Join(step.Exports, ","))
	}
	for _, in := range inputs {
		sig.WriteString("|" + in.ID)
	}
	return fmt.Sprintf("%s.%s", step.Kind, digest.FromString(sig.String()).Encoded()[:12])
}

// detectCycles checks for circular dependencies in the graph using DFS. The
// resolver cannot produce one, but a plan assembled programmatically might.
func (g *Graph) detectCycles() error {
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(node *Node) error
	visit = func(node *Node) error {
		visiting[node.ID] = true
		for _, dep := range node.Deps {
			if visiting[dep.ID] {
				return &CycleError{Chain: []string{node.Name, dep.Name, node.Name}}
			}
			if !visited[dep.ID] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		delete(visiting, node.ID)
		visited[node.ID] = true
		return nil
	}

	for _, node := range g.Nodes {
		if !visited[node.ID] {
			if err := visit(node); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
