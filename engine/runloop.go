package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/workflow/async"
	"github.com/flowforge/workflow/executor"
	"github.com/flowforge/workflow/store"
	"github.com/flowforge/workflow/wf"
)

// runLoop drives inst through its graph starting at stepID with currentInput,
// stopping at the first Suspend, Async dispatch, Finish, or unresolved Fail.
// Caller must hold the per-instance lock.
func (en *Engine) runLoop(ctx context.Context, inst *store.WorkflowInstance, graph *wf.WorkflowGraph, wctx *wf.Context, stepID string, currentInput any) {
	if inst.Status == store.StatusCreated {
		inst.Status = store.StatusRunning
		inst.UpdatedAt = time.Now()
		en.instances.Save(ctx, inst)
	}

	currentStepID := stepID
	for {
		node, ok := graph.Nodes[currentStepID]
		if !ok {
			en.fail(ctx, inst, wctx, fmt.Errorf("%w: unknown step %q", wf.ErrNoSuccessor, currentStepID))
			return
		}
		inst.CurrentStepID = currentStepID

		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		result, records, err := en.exec.Execute(ctx, inst.InstanceID, node, currentInput, wctx, rng)

		for _, rec := range records {
			inst.ExecutionHistory = append(inst.ExecutionHistory, store.StepExecutionRecord{
				StepID:    currentStepID,
				Input:     currentInput,
				Output:    rec.Result.Value,
				StartedAt: rec.StartedAt,
				EndedAt:   rec.EndedAt,
				Attempt:   rec.Attempt,
				Error:     errString(rec.Err),
			})
		}
		inst.WorkflowContext = wctx.Snapshot()
		inst.UpdatedAt = time.Now()
		en.instances.Save(ctx, inst)

		if err != nil {
			var limitErr *executor.ErrInvocationLimitExceeded
			if errors.As(err, &limitErr) && limitErr.Action == wf.LimitStop {
				last, _ := wctx.StepOutput(currentStepID, nil)
				en.finish(ctx, inst, wctx, last)
				return
			}
			en.fail(ctx, inst, wctx, err)
			return
		}

		switch result.Kind {
		case wf.KindContinue, wf.KindBranch:
			wctx.RecordOutput(currentStepID, result.Value)
			edge, ok := chooseEdge(graph, currentStepID, result, wctx)
			if !ok {
				en.fail(ctx, inst, wctx, fmt.Errorf("%w: step %s", wf.ErrNoSuccessor, currentStepID))
				return
			}
			currentStepID = edge.To
			currentInput = result.Value
			continue

		case wf.KindSuspend:
			en.suspend(ctx, inst, wctx, currentStepID, result)
			return

		case wf.KindAsync:
			en.dispatchAsync(ctx, inst, graph, wctx, currentStepID, result)
			return

		case wf.KindFinish:
			en.finish(ctx, inst, wctx, result.Value)
			return

		case wf.KindFail:
			en.handleStepFailure(ctx, inst, graph, wctx, currentStepID, result)
			return
		}
	}
}

func (en *Engine) handleStepFailure(ctx context.Context, inst *store.WorkflowInstance, graph *wf.WorkflowGraph, wctx *wf.Context, stepID string, result wf.StepResult) {
	if edge, ok := chooseErrorEdge(graph, stepID, result.Err); ok {
		en.runLoop(ctx, inst, graph, wctx, edge.To, result.Err)
		return
	}
	en.fail(ctx, inst, wctx, result.Err)
}

func (en *Engine) suspend(ctx context.Context, inst *store.WorkflowInstance, wctx *wf.Context, stepID string, result wf.StepResult) {
	typeName := ""
	if result.NextInputType != nil {
		typeName = result.NextInputType.Name()
		en.schemaSvc.RegisterNamed(typeName, result.NextInputType)
	}
	messageID := result.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	susp := &store.SuspensionData{
		InstanceID:    inst.InstanceID,
		MessageID:     messageID,
		PromptToUser:  result.PromptToUser,
		NextInputType: typeName,
		CreatedAt:     time.Now(),
	}
	en.suspensions.Save(ctx, susp)

	inst.Status = store.StatusSuspended
	inst.WorkflowContext = wctx.Snapshot()
	inst.UpdatedAt = time.Now()
	en.instances.Save(ctx, inst)
	en.publisher.PublishWorkflowSuspended(inst.InstanceID, inst.ChatID, inst.WorkflowID, stepID, messageID)
}

func (en *Engine) dispatchAsync(ctx context.Context, inst *store.WorkflowInstance, graph *wf.WorkflowGraph, wctx *wf.Context, stepID string, result wf.StepResult) {
	handler, ok := async.MatchHandler(graph.AsyncHandlers, result.TaskID)
	if !ok {
		en.fail(ctx, inst, wctx, fmt.Errorf("%w: %s", wf.ErrAsyncHandlerMissing, result.TaskID))
		return
	}
	messageID := result.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	now := time.Now()
	state := &store.AsyncStepState{
		MessageID:   messageID,
		InstanceID:  inst.InstanceID,
		StepID:      stepID,
		TaskID:      result.TaskID,
		TaskArgs:    result.TaskArgs,
		InitialData: result.ImmediateData,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	en.asyncStates.Save(ctx, state)

	inst.Status = store.StatusRunning
	inst.OutstandingAsyncMessageID = messageID
	inst.WorkflowContext = wctx.Snapshot()
	inst.UpdatedAt = time.Now()
	en.instances.Save(ctx, inst)
	en.publisher.PublishAsyncDispatched(inst.InstanceID, inst.ChatID, inst.WorkflowID, stepID, messageID, result.TaskID)

	async.Dispatch(context.Background(), en.pool, en.asyncStates, messageID, handler, result.TaskArgs, en.resumeAfterAsync)
}

// resumeAfterAsync is the async coordinator's completion callback: it
// resumes the run loop using the handler's StepResult as if it were the
// triggering step's own result.
func (en *Engine) resumeAfterAsync(messageID string) {
	ctx := context.Background()
	state, err := en.asyncStates.GetByMessageID(ctx, messageID)
	if err != nil {
		return
	}
	inst, err := en.instances.Get(ctx, state.InstanceID)
	if err != nil {
		return
	}
	if inst.OutstandingAsyncMessageID != messageID {
		return // already resumed (or superseded) by a prior callback
	}

	lock := en.lockFor(inst.InstanceID)
	lock.Lock()
	defer lock.Unlock()

	graph, err := en.GetWorkflowGraph(inst.WorkflowID)
	if err != nil {
		en.fail(ctx, inst, wf.NewContext(inst.InstanceID), err)
		return
	}

	wctx := wf.NewContext(inst.InstanceID)
	rehydrateContext(wctx, inst)

	inst.OutstandingAsyncMessageID = ""

	var result wf.StepResult
	if state.Error != "" {
		result = wf.Fail(errors.New(state.Error))
	} else {
		switch state.ResultKind {
		case wf.KindFinish.String():
			result = wf.Finish(state.ResultData)
		case wf.KindBranch.String():
			result = wf.Branch(state.ResultData)
		default:
			result = wf.Continue(state.ResultData)
		}
	}

	inst.ExecutionHistory = append(inst.ExecutionHistory, store.StepExecutionRecord{
		StepID:    state.StepID,
		Output:    result.Value,
		StartedAt: state.CreatedAt,
		EndedAt:   time.Now(),
		Attempt:   1,
		Error:     errString(result.Err),
	})

	switch result.Kind {
	case wf.KindFinish:
		en.finish(ctx, inst, wctx, result.Value)
	case wf.KindFail:
		en.handleStepFailure(ctx, inst, graph, wctx, state.StepID, result)
	default:
		wctx.RecordOutput(state.StepID, result.Value)
		edge, ok := chooseEdge(graph, state.StepID, result, wctx)
		if !ok {
			en.fail(ctx, inst, wctx, fmt.Errorf("%w: step %s", wf.ErrNoSuccessor, state.StepID))
			return
		}
		en.runLoop(ctx, inst, graph, wctx, edge.To, result.Value)
	}
}

func (en *Engine) finish(ctx context.Context, inst *store.WorkflowInstance, wctx *wf.Context, value any) {
	inst.Status = store.StatusCompleted
	inst.WorkflowContext = wctx.Snapshot()
	inst.UpdatedAt = time.Now()
	en.instances.Save(ctx, inst)
	en.publisher.PublishWorkflowCompleted(inst.InstanceID, inst.ChatID, inst.WorkflowID)
	en.metrics.RecordInstanceFinished(inst.WorkflowID, string(store.StatusCompleted))
}

func (en *Engine) fail(ctx context.Context, inst *store.WorkflowInstance, wctx *wf.Context, err error) {
	inst.Status = store.StatusFailed
	inst.ErrorInfo = &store.ErrorInfo{Message: err.Error()}
	inst.WorkflowContext = wctx.Snapshot()
	inst.UpdatedAt = time.Now()
	en.instances.Save(ctx, inst)
	en.publisher.PublishWorkflowFailed(inst.InstanceID, inst.ChatID, inst.WorkflowID, err.Error())
	en.metrics.RecordInstanceFinished(inst.WorkflowID, string(store.StatusFailed))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
