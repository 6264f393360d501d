package wf

import (
	"context"
	"reflect"
	"time"
)

// StepExecutor is the typed callable backing a StepNode: workflow steps are
// heterogeneous methods discovered by reflection, each with its own typed
// input/output, rather than homogeneous functions over one shared state
// struct.
type StepExecutor interface {
	// InputType returns the Go type this step expects as input.
	InputType() reflect.Type
	// OutputType returns the Go type this step's Finish/Continue payload has,
	// when staticaly known (may be nil for Object-typed/polymorphic steps).
	OutputType() reflect.Type
	// Invoke runs the step. input is already converted to InputType when possible.
	Invoke(ctx context.Context, input any, wctx *Context) StepResult
}

// StepExecutorFunc adapts a plain function to the StepExecutor interface for
// fluent-builder use.
type StepExecutorFunc struct {
	In, Out reflect.Type
	Fn      func(ctx context.Context, input any, wctx *Context) StepResult
}

func (f StepExecutorFunc) InputType() reflect.Type  { return f.In }
func (f StepExecutorFunc) OutputType() reflect.Type { return f.Out }
func (f StepExecutorFunc) Invoke(ctx context.Context, input any, wctx *Context) StepResult {
	return f.Fn(ctx, input, wctx)
}

// OnLimitAction controls what happens once a step's InvocationLimit is exceeded.
type OnLimitAction int

const (
	// LimitStop silently terminates the instance with the latest output as Finish.
	LimitStop OnLimitAction = iota
	// LimitContinue ignores the limit and keeps invoking the step.
	LimitContinue
	// LimitError fails the instance.
	LimitError
)

// RetryPolicy configures the step executor's retry loop.
type RetryPolicy struct {
	MaxAttempts        int
	Delay              time.Duration
	BackoffMultiplier  float64
	MaxDelay           time.Duration
	JitterFactor       float64
	RetryOn            []reflect.Type // empty = retry all error types
	AbortOn            []reflect.Type // takes precedence over RetryOn
	RetryOnFailResult  bool
}

// StepPolicies bundles the optional per-step policies a StepNode may declare.
type StepPolicies struct {
	Retry              *RetryPolicy
	InvocationLimit    int // 0 = unlimited
	OnInvocationsLimit OnLimitAction
	TimeoutMs          int64
}

// StepNode is one node of a WorkflowGraph.
type StepNode struct {
	ID          string
	Description string
	IsInitial   bool
	IsAsync     bool
	Executor    StepExecutor
	Policies    StepPolicies
}
