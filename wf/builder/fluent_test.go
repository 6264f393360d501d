package builder

import (
	"context"
	"reflect"
	"testing"

	"github.com/flowforge/workflow/wf"
)

var (
	stringType = reflect.TypeOf("")
	intType2   = reflect.TypeOf(0)
)

func passthrough(ctx context.Context, input any, wctx *wf.Context) wf.StepResult {
	return wf.Continue(input)
}

// TestBuilderThenChainsSequentialEdges checks that successive Then calls
// chain Sequential edges and that only the first declared step becomes
// initial.
func TestBuilderThenChainsSequentialEdges(t *testing.T) {
	b := Define("g", "v1", stringType, stringType).
		Then("first", passthrough, stringType, stringType).
		Then("second", passthrough, stringType, stringType).
		Then("third", passthrough, stringType, stringType)

	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if g.InitialStepID != "first" {
		t.Fatalf("expected first to be initial, got %s", g.InitialStepID)
	}
	if g.Nodes["second"].IsInitial || g.Nodes["third"].IsInitial {
		t.Fatal("expected only the first step to be initial")
	}
	firstEdges := g.Edges["first"]
	if len(firstEdges) != 1 || firstEdges[0].To != "second" || firstEdges[0].Kind != wf.EdgeSequential {
		t.Fatalf("expected single sequential edge first->second, got %v", firstEdges)
	}
	secondEdges := g.Edges["second"]
	if len(secondEdges) != 1 || secondEdges[0].To != "third" {
		t.Fatalf("expected single sequential edge second->third, got %v", secondEdges)
	}
}

// TestBuilderThenAutoGeneratesID checks that an empty id is replaced with an
// auto-generated "stepN" id.
func TestBuilderThenAutoGeneratesID(t *testing.T) {
	b := Define("g", "v1", stringType, stringType).
		Then("", passthrough, stringType, stringType).
		Then("", passthrough, stringType, stringType)

	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := g.Nodes["step1"]; !ok {
		t.Fatalf("expected auto-generated id step1, got nodes %v", g.Nodes)
	}
	if _, ok := g.Nodes["step2"]; !ok {
		t.Fatalf("expected auto-generated id step2, got nodes %v", g.Nodes)
	}
}

// TestBuilderBranchWiresSubBuilderEdges checks that Branch wires two
// Conditional edges from the pre-branch step to each sub-builder's first
// step, with symmetric (negated) predicates and onTrue/onFalse labels.
func TestBuilderBranchWiresSubBuilderEdges(t *testing.T) {
	predicate := func(wctx *wf.Context) bool {
		v, _ := wctx.StepOutput("router", intType2)
		n, _ := v.(int)
		return n > 0
	}

	b := Define("g", "v1", stringType, stringType).
		Then("router", passthrough, stringType, intType2)

	b = b.Branch(predicate,
		func(sb *SubBuilder) {
			sb.Then("positiveHandler", passthrough, intType2, stringType)
		},
		func(sb *SubBuilder) {
			sb.Then("negativeHandler", passthrough, intType2, stringType)
		},
	)

	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	edges := g.Edges["router"]
	if len(edges) != 2 {
		t.Fatalf("expected 2 conditional edges from router, got %d: %v", len(edges), edges)
	}

	var onTrue, onFalse *wf.Edge
	for i := range edges {
		if edges[i].Kind != wf.EdgeConditional {
			t.Fatalf("expected EdgeConditional, got %v", edges[i].Kind)
		}
		switch edges[i].Label {
		case "onTrue":
			onTrue = &edges[i]
		case "onFalse":
			onFalse = &edges[i]
		}
	}
	if onTrue == nil || onTrue.To != "positiveHandler" {
		t.Fatalf("expected onTrue edge to positiveHandler, got %v", onTrue)
	}
	if onFalse == nil || onFalse.To != "negativeHandler" {
		t.Fatalf("expected onFalse edge to negativeHandler, got %v", onFalse)
	}

	wctx := wf.NewContext("i1")
	wctx.RecordOutput("router", 5)
	if !onTrue.When(wctx) {
		t.Fatal("expected onTrue predicate to hold for positive router output")
	}
	if onFalse.When(wctx) {
		t.Fatal("expected onFalse predicate to be the negation of onTrue")
	}
}

// TestBuilderBranchResetsLastStepID checks that after Branch, a subsequent
// Then on the parent builder has nothing to chain from (lastStepID was reset),
// so no stray edge connects the branch fork to whatever follows it directly.
func TestBuilderBranchResetsLastStepID(t *testing.T) {
	b := Define("g", "v1", stringType, stringType).
		Then("router", passthrough, stringType, intType2)

	b = b.Branch(func(wctx *wf.Context) bool { return true },
		func(sb *SubBuilder) { sb.Then("trueStep", passthrough, intType2, stringType) },
		func(sb *SubBuilder) { sb.Then("falseStep", passthrough, intType2, stringType) },
	)

	b.Then("after", passthrough, intType2, stringType)
	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if edges := g.Edges["trueStep"]; len(edges) != 0 {
		t.Fatalf("expected no edge from trueStep to after, got %v", edges)
	}
	if edges := g.Edges["falseStep"]; len(edges) != 0 {
		t.Fatalf("expected no edge from falseStep to after, got %v", edges)
	}
	if _, ok := g.Nodes["after"]; !ok {
		t.Fatal("expected after step to still be registered as a node")
	}
}

// TestBuilderBuildRejectsEmptyGraph checks that Build refuses a graph with
// zero declared steps.
func TestBuilderBuildRejectsEmptyGraph(t *testing.T) {
	b := Define("g", "v1", stringType, stringType)
	_, err := b.Build()
	var gerr *wf.GraphError
	if !errorsAsGraph(err, &gerr) || gerr.Code != "EMPTY_GRAPH" {
		t.Fatalf("expected EMPTY_GRAPH, got %v", err)
	}
}

// TestBuilderWithRetryPolicyAppliesToLastStep checks that WithRetryPolicy
// attaches the policy to the most recently declared step, not any other node.
func TestBuilderWithRetryPolicyAppliesToLastStep(t *testing.T) {
	policy := wf.RetryPolicy{MaxAttempts: 3}
	b := Define("g", "v1", stringType, stringType).
		Then("first", passthrough, stringType, stringType).
		WithRetryPolicy(policy).
		Then("second", passthrough, stringType, stringType)

	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if g.Nodes["first"].Policies.Retry == nil || g.Nodes["first"].Policies.Retry.MaxAttempts != 3 {
		t.Fatalf("expected retry policy on first, got %+v", g.Nodes["first"].Policies.Retry)
	}
	if g.Nodes["second"].Policies.Retry != nil {
		t.Fatal("expected no retry policy leaked onto second")
	}
}

// TestBuilderWithInvocationControlAppliesToLastStep checks that the
// withInvocationControl alias behaves identically to WithInvocationLimit.
func TestBuilderWithInvocationControlAppliesToLastStep(t *testing.T) {
	b := Define("g", "v1", stringType, stringType).
		Then("first", passthrough, stringType, stringType).
		WithInvocationControl(5, wf.LimitError).
		WithTimeout(2500)

	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	pol := g.Nodes["first"].Policies
	if pol.InvocationLimit != 5 || pol.OnInvocationsLimit != wf.LimitError {
		t.Fatalf("expected invocation limit 5/LimitError, got %+v", pol)
	}
	if pol.TimeoutMs != 2500 {
		t.Fatalf("expected timeout 2500ms, got %d", pol.TimeoutMs)
	}
}

// TestBuilderWithAsyncHandlerRegistersHandler checks that WithAsyncHandler
// stores a handler under its pattern without creating a graph node.
func TestBuilderWithAsyncHandlerRegistersHandler(t *testing.T) {
	called := false
	b := Define("g", "v1", stringType, stringType).
		Then("first", passthrough, stringType, stringType).
		WithAsyncHandler("job-*", "background job", stringType, func(inv wf.AsyncInvocation) wf.StepResult {
			called = true
			return wf.Finish(inv.TaskID)
		})

	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	handler, ok := g.AsyncHandlers["job-*"]
	if !ok {
		t.Fatal("expected handler registered under job-*")
	}
	if _, ok := g.Nodes["job-*"]; ok {
		t.Fatal("expected async handler not registered as a graph node")
	}
	result := handler.Invoke(wf.AsyncInvocation{TaskID: "job-1"})
	if !called || result.Value != "job-1" {
		t.Fatalf("unexpected handler invocation result: %+v", result)
	}
}

// TestSubBuilderFirstStepID checks that FirstStepID reports the first step
// declared inside a sub-builder, distinct from the parent's entry step.
func TestSubBuilderFirstStepID(t *testing.T) {
	var gotID string
	b := Define("g", "v1", stringType, stringType).
		Then("router", passthrough, stringType, intType2)

	b.Branch(func(wctx *wf.Context) bool { return true },
		func(sb *SubBuilder) {
			sb.Then("branchFirst", passthrough, intType2, stringType)
			sb.Then("branchSecond", passthrough, stringType, stringType)
			gotID = sb.FirstStepID()
		},
		func(sb *SubBuilder) {
			sb.Then("otherBranch", passthrough, intType2, stringType)
		},
	)

	if gotID != "branchFirst" {
		t.Fatalf("expected FirstStepID branchFirst, got %s", gotID)
	}
}
