package engine

import (
	"context"
	"time"

	"github.com/flowforge/workflow/store"
)

// Execution is the handle returned by Execute/Resume. Get(timeout) blocks
// until a terminal or partial-terminal state is reached. Since the run loop
// already advances synchronously up to its next
// suspension point before returning, Get's poll loop only matters when a
// background async completion races the caller.
type Execution struct {
	engine     *Engine
	instanceID string
	snapshot   *store.WorkflowInstance
}

// InstanceID returns the execution's instance id.
func (ex *Execution) InstanceID() string { return ex.instanceID }

// Get blocks until the instance reaches SUSPENDED, COMPLETED, FAILED, or
// RUNNING with an outstanding async dispatch, or timeout elapses.
func (ex *Execution) Get(ctx context.Context, timeout time.Duration) (*store.WorkflowInstance, error) {
	deadline := time.Now().Add(timeout)
	for {
		inst, err := ex.engine.instances.Get(ctx, ex.instanceID)
		if err != nil {
			return nil, err
		}
		if isStoppingState(inst) || timeout <= 0 || time.Now().After(deadline) {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-time.After(ex.engine.waitPollInterval):
		}
	}
}

func isStoppingState(inst *store.WorkflowInstance) bool {
	switch inst.Status {
	case store.StatusSuspended, store.StatusCompleted, store.StatusFailed:
		return true
	case store.StatusRunning:
		return inst.OutstandingAsyncMessageID != ""
	default:
		return false
	}
}
