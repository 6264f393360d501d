package builder

import (
	"context"
	"fmt"
	"reflect"

	"github.com/flowforge/workflow/wf"
)

// StepKind classifies a StepSpec as initial step, regular step, or async
// handler — exactly one per spec. Go has no runtime method annotations, so
// the marker is supplied explicitly as StepSpec.Kind alongside a Method name
// resolved by reflection, an explicit registration call per step standing in
// for the reflective annotation path a language with runtime annotations
// could use instead.
type StepKind int

const (
	StepInitial StepKind = iota
	StepRegular
	StepAsyncHandler
)

// StepSpec is the per-method metadata an author supplies alongside a
// workflow struct instance — the Go stand-in for Step/InitialStep/AsyncStep
// annotations in a language that has them.
type StepSpec struct {
	Method      string // exported method name on the instance
	Kind        StepKind
	ID          string // explicit id override; defaults to Method
	Description string
	TimeoutMs   int64

	// Routing hints, applied in precedence order: NextClasses, then
	// NextSteps, then Condition, then inferred routing.
	NextClasses []reflect.Type
	NextSteps   []string
	Condition   wf.Predicate
	OnTrue      string
	OnFalse     string

	Retry              *wf.RetryPolicy
	InvocationLimit    int
	OnInvocationsLimit wf.OnLimitAction

	// AsyncStep-only.
	TaskIDPattern string
}

// WorkflowMeta mirrors the type-level @Workflow(id, version, description) annotation.
type WorkflowMeta struct {
	ID          string
	Version     string
	Description string
}

// AnalysisError reports a graph-validation failure found while analyzing an
// annotated instance.
type AnalysisError struct {
	Method string
	Reason string
}

func (e *AnalysisError) Error() string {
	if e.Method == "" {
		return e.Reason
	}
	return fmt.Sprintf("step %q: %s", e.Method, e.Reason)
}

var errorIfaceType = reflect.TypeOf((*error)(nil)).Elem()
var ctxIfaceType = reflect.TypeOf((*context.Context)(nil)).Elem()
var wfContextType = reflect.TypeOf((*wf.Context)(nil))

// AnalyzeAnnotations reflects over instance's methods named by specs and
// produces a WorkflowGraph. Returns accumulated non-fatal warnings (e.g.
// unknown nextSteps targets, unreachable nodes) alongside any fatal
// *AnalysisError/*wf.GraphError.
func AnalyzeAnnotations(instance any, meta WorkflowMeta, specs []StepSpec) (*wf.WorkflowGraph, []string, error) {
	rv := reflect.ValueOf(instance)
	g := wf.NewGraph(meta.ID, meta.Version)
	var warnings []string

	initialCount := 0
	inputTypeByID := make(map[string]reflect.Type)

	// Pass 1: classify and build nodes / async handlers.
	for _, spec := range specs {
		id := spec.ID
		if id == "" {
			id = spec.Method
		}

		switch spec.Kind {
		case StepAsyncHandler:
			inType, fn, err := bindAsyncMethod(rv, spec.Method)
			if err != nil {
				return nil, warnings, &AnalysisError{Method: spec.Method, Reason: err.Error()}
			}
			if spec.TaskIDPattern == "" {
				return nil, warnings, &AnalysisError{Method: spec.Method, Reason: "async handler requires a non-empty task id pattern"}
			}
			g.AsyncHandlers[spec.TaskIDPattern] = wf.AsyncHandler{
				Pattern:     spec.TaskIDPattern,
				Description: spec.Description,
				InputType:   inType,
				Invoke:      fn,
			}
			continue
		case StepInitial, StepRegular:
			inType, fn, err := bindStepMethod(rv, spec.Method)
			if err != nil {
				return nil, warnings, &AnalysisError{Method: spec.Method, Reason: err.Error()}
			}
			isInitial := spec.Kind == StepInitial
			if isInitial {
				initialCount++
			}
			node := &wf.StepNode{
				ID:          id,
				Description: spec.Description,
				IsInitial:   isInitial,
				Executor: wf.StepExecutorFunc{
					In: inType,
					Fn: fn,
				},
				Policies: wf.StepPolicies{
					Retry:              spec.Retry,
					InvocationLimit:    spec.InvocationLimit,
					OnInvocationsLimit: spec.OnInvocationsLimit,
					TimeoutMs:          spec.TimeoutMs,
				},
			}
			if err := g.AddNode(node); err != nil {
				return nil, warnings, err
			}
			inputTypeByID[id] = inType
		default:
			return nil, warnings, &AnalysisError{Method: spec.Method, Reason: "unrecognized step kind"}
		}
	}

	if initialCount == 0 {
		return nil, warnings, &wf.GraphError{Code: "NO_INITIAL_STEP", Message: "exactly one initial step is required, found 0"}
	}
	if initialCount > 1 {
		return nil, warnings, &wf.GraphError{Code: "MULTIPLE_INITIAL_STEPS", Message: "exactly one initial step is required, found multiple"}
	}

	// Pass 2: edges, in routing-hint precedence order.
	for _, spec := range specs {
		if spec.Kind == StepAsyncHandler {
			continue
		}
		id := spec.ID
		if id == "" {
			id = spec.Method
		}

		switch {
		case len(spec.NextClasses) > 0:
			for _, class := range spec.NextClasses {
				matched := false
				for otherID, otherIn := range inputTypeByID {
					if otherIn != nil && class.AssignableTo(otherIn) {
						g.AddEdge(wf.Edge{Kind: wf.EdgeSequential, From: id, To: otherID, PayloadType: class})
						matched = true
					}
				}
				if !matched {
					warnings = append(warnings, fmt.Sprintf("step %s: nextClasses entry %s matches no step input type", id, class))
				}
			}
		case len(spec.NextSteps) > 0:
			for _, target := range spec.NextSteps {
				if _, ok := g.Nodes[target]; !ok {
					warnings = append(warnings, fmt.Sprintf("step %s: nextSteps target %q does not exist, dropped", id, target))
					continue
				}
				g.AddEdge(wf.Edge{Kind: wf.EdgeSequential, From: id, To: target})
			}
		case spec.Condition != nil:
			if spec.OnTrue != "" {
				g.AddEdge(wf.Edge{Kind: wf.EdgeConditional, From: id, To: spec.OnTrue, When: spec.Condition, Label: "onTrue"})
			}
			if spec.OnFalse != "" {
				notCond := spec.Condition
				g.AddEdge(wf.Edge{Kind: wf.EdgeConditional, From: id, To: spec.OnFalse, When: func(c *wf.Context) bool { return !notCond(c) }, Label: "onFalse"})
			}
		default:
			// Inferred routing: Go erases the payload type of a method's
			// returned wf.StepResult statically, so the analyzer cannot
			// distinguish Continue/Branch targets by static return-type
			// inspection the way a sealed-subresult language could. Instead
			// it wires a type-filtered candidate edge to every other node, in
			// declaration order, and lets the engine's runtime edge matcher
			// (wf.Edge.PayloadType checked against the StepResult's actual
			// Value type) pick the one whose input type the produced value
			// satisfies. See DESIGN.md Open Question (d).
			for _, other := range specs {
				if other.Kind == StepAsyncHandler {
					continue
				}
				otherID := other.ID
				if otherID == "" {
					otherID = other.Method
				}
				if otherID == id {
					continue
				}
				g.AddEdge(wf.Edge{Kind: wf.EdgeSequential, From: id, To: otherID, PayloadType: inputTypeByID[otherID]})
			}
		}

		// Always additionally emit Error edges to any step whose input type
		// is the error interface (Go's Throwable-supertype analogue).
		for otherID, otherIn := range inputTypeByID {
			if otherIn == errorIfaceType {
				g.AddEdge(wf.Edge{Kind: wf.EdgeError, From: id, To: otherID})
			}
		}
	}

	if unreachable := g.UnreachableNodes(); len(unreachable) > 0 {
		warnings = append(warnings, fmt.Sprintf("unreachable steps from initial step: %v", unreachable))
	}

	if err := g.Validate(); err != nil {
		return nil, warnings, err
	}
	return g, warnings, nil
}

// bindStepMethod resolves a (context.Context, T[, *wf.Context]) wf.StepResult
// method by name into a wf.StepExecutorFunc-compatible closure: at most one
// data-carrying parameter plus an optional workflow-context parameter.
func bindStepMethod(rv reflect.Value, methodName string) (reflect.Type, func(context.Context, any, *wf.Context) wf.StepResult, error) {
	m := rv.MethodByName(methodName)
	if !m.IsValid() {
		return nil, nil, fmt.Errorf("method not found")
	}
	mt := m.Type()
	if mt.NumIn() < 2 || mt.NumIn() > 3 {
		return nil, nil, fmt.Errorf("expected (context.Context, T[, *wf.Context]), got %d params", mt.NumIn())
	}
	if mt.In(0) != ctxIfaceType {
		return nil, nil, fmt.Errorf("first parameter must be context.Context")
	}
	inputType := mt.In(1)
	hasWctx := mt.NumIn() == 3
	if hasWctx && mt.In(2) != wfContextType {
		return nil, nil, fmt.Errorf("third parameter must be *wf.Context")
	}
	if mt.NumOut() != 1 || mt.Out(0) != reflect.TypeOf(wf.StepResult{}) {
		return nil, nil, fmt.Errorf("must return exactly one wf.StepResult")
	}

	fn := func(ctx context.Context, input any, wctx *wf.Context) wf.StepResult {
		args := make([]reflect.Value, 0, 3)
		args = append(args, reflect.ValueOf(ctx))
		args = append(args, coerce(input, inputType))
		if hasWctx {
			args = append(args, reflect.ValueOf(wctx))
		}
		out := m.Call(args)
		return out[0].Interface().(wf.StepResult)
	}
	return inputType, fn, nil
}

// bindAsyncMethod resolves a (wf.AsyncInvocation) wf.StepResult method.
func bindAsyncMethod(rv reflect.Value, methodName string) (reflect.Type, func(wf.AsyncInvocation) wf.StepResult, error) {
	m := rv.MethodByName(methodName)
	if !m.IsValid() {
		return nil, nil, fmt.Errorf("method not found")
	}
	mt := m.Type()
	invType := reflect.TypeOf(wf.AsyncInvocation{})
	if mt.NumIn() != 1 || mt.In(0) != invType {
		return nil, nil, fmt.Errorf("async handler must take exactly one wf.AsyncInvocation parameter")
	}
	if mt.NumOut() != 1 || mt.Out(0) != reflect.TypeOf(wf.StepResult{}) {
		return nil, nil, fmt.Errorf("must return exactly one wf.StepResult")
	}
	fn := func(inv wf.AsyncInvocation) wf.StepResult {
		out := m.Call([]reflect.Value{reflect.ValueOf(inv)})
		return out[0].Interface().(wf.StepResult)
	}
	return invType, fn, nil
}

func coerce(input any, target reflect.Type) reflect.Value {
	if input == nil {
		return reflect.Zero(target)
	}
	iv := reflect.ValueOf(input)
	if iv.Type() == target {
		return iv
	}
	if iv.Type().AssignableTo(target) {
		return iv
	}
	if iv.Type().ConvertibleTo(target) {
		return iv.Convert(target)
	}
	return reflect.Zero(target)
}
