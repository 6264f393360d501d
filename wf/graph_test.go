package wf

import (
	"context"
	"reflect"
	"testing"
)

func strNode(id string, initial bool) *StepNode {
	strType := reflect.TypeOf("")
	return &StepNode{
		ID:        id,
		IsInitial: initial,
		Executor: StepExecutorFunc{
			In: strType, Out: strType,
			Fn: func(ctx context.Context, input any, wctx *Context) StepResult { return Continue(input) },
		},
	}
}

func TestValidateNoInitialStep(t *testing.T) {
	g := NewGraph("g", "v1")
	g.AddNode(strNode("a", false))
	err := g.Validate()
	var gerr *GraphError
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !asGraphError(err, &gerr) || gerr.Code != "NO_INITIAL_STEP" {
		t.Fatalf("expected NO_INITIAL_STEP, got %v", err)
	}
}

func TestValidateInitialStepNotFound(t *testing.T) {
	g := NewGraph("g", "v1")
	g.AddNode(strNode("a", true))
	g.InitialStepID = "missing"
	err := g.Validate()
	var gerr *GraphError
	if !asGraphError(err, &gerr) || gerr.Code != "INITIAL_STEP_NOT_FOUND" {
		t.Fatalf("expected INITIAL_STEP_NOT_FOUND, got %v", err)
	}
}

func TestValidateUnknownEdgeTarget(t *testing.T) {
	g := NewGraph("g", "v1")
	g.AddNode(strNode("a", true))
	g.AddEdge(Edge{Kind: EdgeSequential, From: "a", To: "nowhere"})
	err := g.Validate()
	var gerr *GraphError
	if !asGraphError(err, &gerr) || gerr.Code != "UNKNOWN_EDGE_TARGET" {
		t.Fatalf("expected UNKNOWN_EDGE_TARGET, got %v", err)
	}
}

func TestValidateEmptyAsyncPattern(t *testing.T) {
	g := NewGraph("g", "v1")
	g.AddNode(strNode("a", true))
	g.AsyncHandlers[""] = AsyncHandler{Pattern: ""}
	err := g.Validate()
	var gerr *GraphError
	if !asGraphError(err, &gerr) || gerr.Code != "EMPTY_ASYNC_PATTERN" {
		t.Fatalf("expected EMPTY_ASYNC_PATTERN, got %v", err)
	}
}

func TestValidatePasses(t *testing.T) {
	g := NewGraph("g", "v1")
	g.AddNode(strNode("a", true))
	g.AddNode(strNode("b", false))
	g.AddEdge(Edge{Kind: EdgeSequential, From: "a", To: "b"})
	if err := g.Validate(); err != nil {
		t.Fatalf("expected valid graph, got %v", err)
	}
}

func TestAddNodeDuplicateStepID(t *testing.T) {
	g := NewGraph("g", "v1")
	if err := g.AddNode(strNode("a", false)); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := g.AddNode(strNode("a", false))
	var gerr *GraphError
	if !asGraphError(err, &gerr) || gerr.Code != "DUPLICATE_STEP_ID" {
		t.Fatalf("expected DUPLICATE_STEP_ID, got %v", err)
	}
}

func TestAddNodeMultipleInitialSteps(t *testing.T) {
	g := NewGraph("g", "v1")
	if err := g.AddNode(strNode("a", true)); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := g.AddNode(strNode("b", true))
	var gerr *GraphError
	if !asGraphError(err, &gerr) || gerr.Code != "MULTIPLE_INITIAL_STEPS" {
		t.Fatalf("expected MULTIPLE_INITIAL_STEPS, got %v", err)
	}
}

// TestSortedEdgesOrder checks that edges sort Sequential < Branch <
// Conditional < Error, stable on declaration order within a kind.
func TestSortedEdgesOrder(t *testing.T) {
	g := NewGraph("g", "v1")
	g.AddEdge(Edge{Kind: EdgeError, From: "a", To: "e1"})
	g.AddEdge(Edge{Kind: EdgeConditional, From: "a", To: "c1"})
	g.AddEdge(Edge{Kind: EdgeBranch, From: "a", To: "b1"})
	g.AddEdge(Edge{Kind: EdgeSequential, From: "a", To: "s1"})
	g.AddEdge(Edge{Kind: EdgeBranch, From: "a", To: "b2"})

	sorted := g.SortedEdges("a")
	wantOrder := []string{"s1", "b1", "b2", "c1", "e1"}
	if len(sorted) != len(wantOrder) {
		t.Fatalf("expected %d edges, got %d", len(wantOrder), len(sorted))
	}
	for i, to := range wantOrder {
		if sorted[i].To != to {
			t.Fatalf("position %d: expected %s, got %s", i, to, sorted[i].To)
		}
	}
}

// TestBranchEdgeMatchedByPayloadType exercises an EdgeBranch-kind edge
// directly: it should match a Branch result's payload type the same way a
// Sequential edge matches a Continue payload.
func TestBranchEdgeMatchedByPayloadType(t *testing.T) {
	boolType := reflect.TypeOf(false)
	g := NewGraph("g", "v1")
	g.AddNode(strNode("router", true))
	g.AddNode(strNode("onBool", false))
	g.AddEdge(Edge{Kind: EdgeBranch, From: "router", To: "onBool", PayloadType: boolType})

	edges := g.SortedEdges("router")
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(edges))
	}
	e := edges[0]
	if e.Kind != EdgeBranch {
		t.Fatalf("expected EdgeBranch, got %v", e.Kind)
	}
	if e.PayloadType != boolType {
		t.Fatalf("expected PayloadType bool, got %v", e.PayloadType)
	}
	if e.To != "onBool" {
		t.Fatalf("expected To=onBool, got %s", e.To)
	}
}

func TestReachableAndUnreachableNodes(t *testing.T) {
	g := NewGraph("g", "v1")
	g.AddNode(strNode("a", true))
	g.AddNode(strNode("b", false))
	g.AddNode(strNode("orphan", false))
	g.AddEdge(Edge{Kind: EdgeSequential, From: "a", To: "b"})

	reachable := g.Reachable()
	if !reachable["a"] || !reachable["b"] {
		t.Fatalf("expected a and b reachable, got %v", reachable)
	}
	if reachable["orphan"] {
		t.Fatal("expected orphan unreachable")
	}

	unreachable := g.UnreachableNodes()
	if len(unreachable) != 1 || unreachable[0] != "orphan" {
		t.Fatalf("expected [orphan], got %v", unreachable)
	}
}

func TestSameShapeIdenticalGraphsMatch(t *testing.T) {
	build := func() *WorkflowGraph {
		g := NewGraph("g", "v1")
		g.AddNode(strNode("a", true))
		g.AddNode(strNode("b", false))
		g.AddEdge(Edge{Kind: EdgeSequential, From: "a", To: "b"})
		return g
	}
	g1, g2 := build(), build()
	if !g1.SameShape(g2) {
		t.Fatal("expected identical graphs to have SameShape == true")
	}
}

func TestSameShapeDiffersOnNodeCount(t *testing.T) {
	g1 := NewGraph("g", "v1")
	g1.AddNode(strNode("a", true))

	g2 := NewGraph("g", "v1")
	g2.AddNode(strNode("a", true))
	g2.AddNode(strNode("b", false))

	if g1.SameShape(g2) {
		t.Fatal("expected differing node counts to break SameShape")
	}
}

func TestSameShapeDiffersOnEdgeCount(t *testing.T) {
	g1 := NewGraph("g", "v1")
	g1.AddNode(strNode("a", true))
	g1.AddNode(strNode("b", false))
	g1.AddEdge(Edge{Kind: EdgeSequential, From: "a", To: "b"})

	g2 := NewGraph("g", "v1")
	g2.AddNode(strNode("a", true))
	g2.AddNode(strNode("b", false))

	if g1.SameShape(g2) {
		t.Fatal("expected differing edge counts to break SameShape")
	}
}

func TestSameShapeDiffersOnInitialStep(t *testing.T) {
	g1 := NewGraph("g", "v1")
	g1.AddNode(strNode("a", true))

	g2 := NewGraph("g", "v1")
	g2.AddNode(strNode("a", false))
	g2.InitialStepID = ""

	if g1.SameShape(g2) {
		t.Fatal("expected differing initial step ids to break SameShape")
	}
}

func asGraphError(err error, target **GraphError) bool {
	ge, ok := err.(*GraphError)
	if !ok {
		return false
	}
	*target = ge
	return true
}
