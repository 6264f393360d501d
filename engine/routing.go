package engine

import (
	"reflect"

	"github.com/flowforge/workflow/wf"
)

// chooseEdge routes a Continue/Branch result to its successor edge:
// Sequential and Branch edges are both candidates, ordered by which variant
// the step returned, matched against the payload's runtime type; Conditional
// edges fall back when no typed edge matches.
func chooseEdge(graph *wf.WorkflowGraph, stepID string, result wf.StepResult, wctx *wf.Context) (wf.Edge, bool) {
	edges := graph.SortedEdges(stepID)
	valueType := reflect.TypeOf(result.Value)

	tryKinds := [2]wf.EdgeKind{wf.EdgeSequential, wf.EdgeBranch}
	if result.Kind == wf.KindBranch {
		tryKinds = [2]wf.EdgeKind{wf.EdgeBranch, wf.EdgeSequential}
	}
	for _, kind := range tryKinds {
		for _, e := range edges {
			if e.Kind != kind {
				continue
			}
			if e.PayloadType == nil || (valueType != nil && valueType.AssignableTo(e.PayloadType)) {
				return e, true
			}
		}
	}
	for _, e := range edges {
		if e.Kind == wf.EdgeConditional && e.When != nil && e.When(wctx) {
			return e, true
		}
	}
	return wf.Edge{}, false
}

// chooseErrorEdge routes a Fail result to an Error edge, when one exists.
func chooseErrorEdge(graph *wf.WorkflowGraph, stepID string, err error) (wf.Edge, bool) {
	if err == nil {
		return wf.Edge{}, false
	}
	errType := reflect.TypeOf(err)
	for _, e := range graph.SortedEdges(stepID) {
		if e.Kind != wf.EdgeError {
			continue
		}
		if e.PayloadType == nil || (errType != nil && errType.AssignableTo(e.PayloadType)) {
			return e, true
		}
	}
	return wf.Edge{}, false
}
