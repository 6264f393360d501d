// Package builder provides two graph construction surfaces: a
// reflection-driven annotation analyzer and an imperative fluent builder.
// Both must produce structurally identical wf.WorkflowGraph values — the
// engine must not distinguish them.
package builder

import (
	"context"
	"fmt"
	"reflect"

	"github.com/flowforge/workflow/wf"
)

// StepFunc is the function shape the fluent builder accepts for a step.
type StepFunc func(ctx context.Context, input any, wctx *wf.Context) wf.StepResult

// Builder implements the fluent DSL: define/then/branch plus policy
// attachment on the most recently declared step.
type Builder struct {
	graph      *wf.WorkflowGraph
	entryID    string // first step this builder (or sub-builder) declared
	lastStepID string
	stepCount  int
	warnings   []string
}

// Define starts a new fluent builder for a graph with the given id/version,
// input and output types.
func Define(id, version string, inputType, outputType reflect.Type) *Builder {
	g := wf.NewGraph(id, version)
	g.InputType = inputType
	g.OutputType = outputType
	return &Builder{graph: g}
}

// Warnings returns any non-fatal issues accumulated during construction
// (e.g. nextSteps targets that don't exist).
func (b *Builder) Warnings() []string { return b.warnings }

func (b *Builder) nextAutoID() string {
	b.stepCount++
	return fmt.Sprintf("step%d", b.stepCount)
}

// Then appends a sequential step. If id is empty, an id is auto-generated.
// The new step is chained from the previously declared step with a
// Sequential edge unless this is the first step (which becomes initial).
func (b *Builder) Then(id string, fn StepFunc, inType, outType reflect.Type) *Builder {
	if id == "" {
		id = b.nextAutoID()
	}
	node := &wf.StepNode{
		ID:        id,
		IsInitial: b.lastStepID == "" && b.graph.InitialStepID == "",
		Executor: wf.StepExecutorFunc{
			In:  inType,
			Out: outType,
			Fn:  func(ctx context.Context, input any, wctx *wf.Context) wf.StepResult { return fn(ctx, input, wctx) },
		},
	}
	if err := b.graph.AddNode(node); err != nil {
		b.warnings = append(b.warnings, err.Error())
		return b
	}
	if b.lastStepID != "" {
		b.graph.AddEdge(wf.Edge{Kind: wf.EdgeSequential, From: b.lastStepID, To: id, PayloadType: inType})
	}
	if b.entryID == "" {
		b.entryID = id
	}
	b.lastStepID = id
	return b
}

// SubBuilder is a Builder sharing the parent graph, used by Branch's two
// sub-graph callbacks.
type SubBuilder struct {
	*Builder
}

// FirstStepID returns the first step declared inside this sub-builder.
func (s *SubBuilder) FirstStepID() string { return s.entryID }

// Branch creates a conditional fork: trueBuild/falseBuild each populate an
// independent sub-graph (sharing the parent's node/edge namespace), joined to
// the current step by two Conditional edges with symmetric predicates.
func (b *Builder) Branch(predicate wf.Predicate, trueBuild, falseBuild func(*SubBuilder)) *Builder {
	from := b.lastStepID

	trueSub := &SubBuilder{Builder: &Builder{graph: b.graph, stepCount: b.stepCount}}
	trueBuild(trueSub)
	b.stepCount = trueSub.stepCount

	falseSub := &SubBuilder{Builder: &Builder{graph: b.graph, stepCount: b.stepCount}}
	falseBuild(falseSub)
	b.stepCount = falseSub.stepCount

	if trueSub.entryID != "" {
		b.graph.AddEdge(wf.Edge{Kind: wf.EdgeConditional, From: from, To: trueSub.entryID, When: predicate, Label: "onTrue"})
	}
	if falseSub.entryID != "" {
		notPredicate := func(wctx *wf.Context) bool { return !predicate(wctx) }
		b.graph.AddEdge(wf.Edge{Kind: wf.EdgeConditional, From: from, To: falseSub.entryID, When: notPredicate, Label: "onFalse"})
	}
	b.warnings = append(b.warnings, trueSub.warnings...)
	b.warnings = append(b.warnings, falseSub.warnings...)
	b.lastStepID = ""
	return b
}

// WithAsyncHandler registers a task-id-pattern -> handler mapping. Async
// handlers are never graph nodes.
func (b *Builder) WithAsyncHandler(pattern, description string, inputType reflect.Type, fn func(wf.AsyncInvocation) wf.StepResult) *Builder {
	b.graph.AsyncHandlers[pattern] = wf.AsyncHandler{
		Pattern:     pattern,
		Description: description,
		InputType:   inputType,
		Invoke:      fn,
	}
	return b
}

// WithRetryPolicy attaches a retry policy to the most recently declared step.
func (b *Builder) WithRetryPolicy(p wf.RetryPolicy) *Builder {
	if n, ok := b.graph.Nodes[b.lastStepID]; ok {
		n.Policies.Retry = &p
	}
	return b
}

// WithInvocationLimit attaches an invocation-limit policy to the most
// recently declared step.
func (b *Builder) WithInvocationLimit(limit int, action wf.OnLimitAction) *Builder {
	if n, ok := b.graph.Nodes[b.lastStepID]; ok {
		n.Policies.InvocationLimit = limit
		n.Policies.OnInvocationsLimit = action
	}
	return b
}

// WithInvocationControl is an alias for WithInvocationLimit, matching the
// builder's "withInvocationControl" naming in other language bindings.
func (b *Builder) WithInvocationControl(limit int, action wf.OnLimitAction) *Builder {
	return b.WithInvocationLimit(limit, action)
}

// WithTimeout attaches a timeout (in milliseconds) to the most recently
// declared step.
func (b *Builder) WithTimeout(ms int64) *Builder {
	if n, ok := b.graph.Nodes[b.lastStepID]; ok {
		n.Policies.TimeoutMs = ms
	}
	return b
}

// Build validates and returns the finished graph: non-empty, unique ids,
// an initial step present, initial step exists in nodes.
func (b *Builder) Build() (*wf.WorkflowGraph, error) {
	if len(b.graph.Nodes) == 0 {
		return nil, &wf.GraphError{Code: "EMPTY_GRAPH", Message: "graph has no steps"}
	}
	if err := b.graph.Validate(); err != nil {
		return nil, err
	}
	return b.graph, nil
}
