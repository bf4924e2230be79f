// Package dag converts a resolved plan into the executable dependency graph:
// one node per distinct step, edges derived from declarative references, with
// structural deduplication so identical steps shared across actions execute
// once.
package dag

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/buildgrid/internal/plan"
	"github.com/vk/buildgrid/internal/snapshot"
)

// State is the scheduler-visible lifecycle of a node.
type State int32

const (
	Pending State = iota
	Ready
	Running
	Done
	Failed
)

// String returns the lower-case state name used in logs and reports.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Holder names one (action, step) declaration that resolved onto a node.
// Several declarations may share a node through deduplication.
type Holder struct {
	Action string
	Step   string
}

// Node is a single vertex of the execution graph: one distinct step plus the
// mutable execution state the scheduler drives through it.
type Node struct {
	// ID is the structural identity of the step: equal declarations with
	// equal inputs share an ID and therefore a node.
	ID string
	// Name is the first declaration that produced this node, for humans.
	Name string
	// Step is the declaration this node executes.
	Step *plan.Step
	// Inputs are the producing nodes in positional order (input, then
	// contents for copy steps).
	Inputs []*Node
	// Holders lists every declaration deduplicated onto this node.
	Holders []Holder

	// Deps and Dependents are the edge sets keyed by node ID.
	Deps       map[string]*Node
	Dependents map[string]*Node

	// Execution state, owned by the scheduler.
	State    atomic.Int32
	Error    error
	Snapshot snapshot.Snapshot
	CacheHit bool
	Duration time.Duration

	depCount atomic.Int32
	skipOnce sync.Once
}

// SetInitialCounters primes the remaining-dependency counter before a run.
func (n *Node) SetInitialCounters() {
	n.depCount.Store(int32(len(n.Deps)))
}

// DecrementDepCount records one completed dependency and returns how many
// remain. A return of zero means the node is ready to dispatch.
func (n *Node) DecrementDepCount() int32 {
	return n.depCount.Add(-1)
}

// Fail transitions the node to Failed exactly once, releasing its slot in
// wg and running the optional follow-up inside the same once guard. Repeat
// calls are no-ops, which is what keeps a node with several failing
// ancestors from being double-counted.
func (n *Node) Fail(err error, wg *sync.WaitGroup, then func()) {
	n.skipOnce.Do(func() {
		n.Error = err
		n.State.Store(int32(Failed))
		wg.Done()
		if then != nil {
			then()
		}
	})
}

// ResolvedWrite is a declared client-filesystem write bound to the node that
// produces its content.
type ResolvedWrite struct {
	Target string
	From   plan.Ref
	Node   *Node
}

// Graph is the validated DAG for one plan.
type Graph struct {
	Nodes  map[string]*Node
	Writes []*ResolvedWrite
}

// EdgeCount returns the total number of dependency edges in the graph.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, node := range g.Nodes {
		n += len(node.Deps)
	}
	return n
}
