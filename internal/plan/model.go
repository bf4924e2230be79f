// Package plan defines the format-agnostic model of a resolved build plan:
// named actions, the primitive steps they declare, and the client-filesystem
// writes the caller asked for. A front-end (internal/hcl) produces this model;
// the engine never sees the source configuration format.
package plan

import "strings"

// Kind identifies one of the four primitive step operations.
type Kind string

const (
	KindSource Kind = "source"
	KindPull   Kind = "pull"
	KindCopy   Kind = "copy"
	KindRun    Kind = "run"
)

// Plan is the full resolved set of actions for one invocation. Immutable
// once loaded.
type Plan struct {
	Actions map[string]*Action
	Writes  []*Write
}

// Action is a named group of declared steps. Step order within an action is
// not significant; dependencies come from references only.
type Action struct {
	Name  string
	Steps map[string]*Step
}

// Step is the declaration of one primitive pipeline operation. Which fields
// are meaningful depends on Kind:
//
//	source: Path
//	pull:   Image
//	copy:   Input, Contents
//	run:    Input, Script, Exports
type Step struct {
	Action string
	Name   string
	Kind   Kind

	Path    string
	Image   string
	Script  string
	Exports []string

	Input    Ref
	Contents Ref
}

// Ref is a declarative reference to another step's output: either "step"
// (same action) or "action.step". The zero value means "not set".
type Ref string

// Resolve splits a reference into its action and step parts, using
// defaultAction for the short "step" form. ok is false for the zero value.
func (r Ref) Resolve(defaultAction string) (action, step string, ok bool) {
	if r == "" {
		return "", "", false
	}
	if a, s, found := strings.Cut(string(r), "."); found {
		return a, s, true
	}
	return defaultAction, string(r), true
}

// Write declares that an action's export should be copied to a real path on
// the client filesystem after a successful run.
type Write struct {
	Target string
	From   Ref
}
