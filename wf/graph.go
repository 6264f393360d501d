package wf

import (
	"reflect"
	"sort"
)

// AsyncHandler is the worker-side counterpart to a StepResult{Kind: KindAsync}
// trigger. It is discovered by task-id-glob pattern, never by node id —
// async handlers are explicitly not graph nodes.
type AsyncHandler struct {
	Pattern     string
	Description string
	InputType   reflect.Type
	Invoke      func(ctx AsyncInvocation) StepResult
}

// AsyncInvocation carries everything a handler needs: the task arguments the
// triggering step supplied, and a progress reporter wired to AsyncStepState.
type AsyncInvocation struct {
	TaskID   string
	TaskArgs map[string]any
	Report   ProgressReporter
}

// ProgressReporter lets an async handler stream progress back.
type ProgressReporter interface {
	// UpdateProgress writes percent/message through to AsyncStepState.
	// Calls are monotonic in percent: values lower than the previous max are
	// clamped up to that max to prevent regressions.
	UpdateProgress(percent int, message string)
}

// WorkflowGraph is the immutable, executable product of the graph builder.
// Both the annotation analyzer and the fluent builder must produce
// structurally identical graphs — the engine must not distinguish them.
type WorkflowGraph struct {
	ID      string
	Version string

	InputType  reflect.Type
	OutputType reflect.Type

	InitialStepID string

	Nodes         map[string]*StepNode
	Edges         map[string][]Edge // keyed by From, ordered by declaration
	AsyncHandlers map[string]AsyncHandler
}

// NewGraph creates an empty graph ready for node/edge registration by a builder.
func NewGraph(id, version string) *WorkflowGraph {
	return &WorkflowGraph{
		ID:            id,
		Version:       version,
		Nodes:         make(map[string]*StepNode),
		Edges:         make(map[string][]Edge),
		AsyncHandlers: make(map[string]AsyncHandler),
	}
}

// AddNode registers a node, rejecting duplicate ids.
func (g *WorkflowGraph) AddNode(n *StepNode) error {
	if n.ID == "" {
		return &GraphError{Code: "EMPTY_STEP_ID", Message: "step id cannot be empty"}
	}
	if _, exists := g.Nodes[n.ID]; exists {
		return &GraphError{Code: "DUPLICATE_STEP_ID", Message: "duplicate step id: " + n.ID}
	}
	g.Nodes[n.ID] = n
	if n.IsInitial {
		if g.InitialStepID != "" && g.InitialStepID != n.ID {
			return &GraphError{Code: "MULTIPLE_INITIAL_STEPS", Message: "multiple initial steps: " + g.InitialStepID + ", " + n.ID}
		}
		g.InitialStepID = n.ID
	}
	return nil
}

// AddEdge appends an edge to the ordered edge list for From, preserving
// declaration order within each EdgeKind.
func (g *WorkflowGraph) AddEdge(e Edge) {
	g.Edges[e.From] = append(g.Edges[e.From], e)
}

// SortedEdges returns From's outgoing edges in the fixed evaluation order
// (Sequential < Branch < Conditional < Error), stable on declaration order.
func (g *WorkflowGraph) SortedEdges(from string) []Edge {
	edges := append([]Edge(nil), g.Edges[from]...)
	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].Kind.order() < edges[j].Kind.order()
	})
	return edges
}

// Validate checks the structural invariants a WorkflowGraph must satisfy
// before it can be registered.
func (g *WorkflowGraph) Validate() error {
	if g.InitialStepID == "" {
		return &GraphError{Code: "NO_INITIAL_STEP", Message: "no initial step declared"}
	}
	if _, ok := g.Nodes[g.InitialStepID]; !ok {
		return &GraphError{Code: "INITIAL_STEP_NOT_FOUND", Message: "initial step not in nodes: " + g.InitialStepID}
	}
	for from, edges := range g.Edges {
		for _, e := range edges {
			if _, ok := g.Nodes[e.To]; !ok {
				return &GraphError{Code: "UNKNOWN_EDGE_TARGET", Message: "edge from " + from + " targets unknown step: " + e.To}
			}
		}
	}
	for pattern := range g.AsyncHandlers {
		if pattern == "" {
			return &GraphError{Code: "EMPTY_ASYNC_PATTERN", Message: "async handler task-id pattern cannot be empty"}
		}
	}
	return nil
}

// Reachable returns the set of step ids reachable from InitialStepID by
// following edges, used by the builder's reachability warning.
func (g *WorkflowGraph) Reachable() map[string]bool {
	seen := map[string]bool{}
	var visit func(id string)
	visit = func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		for _, e := range g.Edges[id] {
			visit(e.To)
		}
	}
	if g.InitialStepID != "" {
		visit(g.InitialStepID)
	}
	return seen
}

// UnreachableNodes lists node ids not reachable from the initial step.
func (g *WorkflowGraph) UnreachableNodes() []string {
	reachable := g.Reachable()
	var out []string
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !reachable[id] {
			out = append(out, id)
		}
	}
	return out
}

// SameShape reports whether two graphs are structurally identical, used by
// the engine's idempotent re-registration check: registering the same graph
// twice is a no-op, but a second registration under the same id/version with
// a different shape is rejected.
func (g *WorkflowGraph) SameShape(other *WorkflowGraph) bool {
	if g.ID != other.ID || g.Version != other.Version || g.InitialStepID != other.InitialStepID {
		return false
	}
	if len(g.Nodes) != len(other.Nodes) {
		return false
	}
	for id, n := range g.Nodes {
		on, ok := other.Nodes[id]
		if !ok || on.IsAsync != n.IsAsync || on.IsInitial != n.IsInitial {
			return false
		}
	}
	if len(g.AsyncHandlers) != len(other.AsyncHandlers) {
		return false
	}
	totalEdges := func(gr *WorkflowGraph) int {
		n := 0
		for _, es := range gr.Edges {
			n += len(es)
		}
		return n
	}
	return totalEdges(g) == totalEdges(other)
}
