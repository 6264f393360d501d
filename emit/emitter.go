package emit

import "context"

// Emitter receives observability events from the engine and async
// coordinator. Wiring is external; the engine tolerates a nil Emitter.
type Emitter interface {
	Emit(event Event)
	EmitBatch(ctx context.Context, events []Event) error
	Flush(ctx context.Context) error
}

// Publisher adapts an Emitter to named publish operations so engine code
// reads like the operations it performs rather than raw Emit calls.
type Publisher struct{ Emitter Emitter }

func (p Publisher) emit(e Event) {
	if p.Emitter == nil {
		return
	}
	p.Emitter.Emit(e)
}

func (p Publisher) PublishWorkflowStarted(instanceID, chatID, workflowID string) {
	p.emit(Event{InstanceID: instanceID, ChatID: chatID, WorkflowID: workflowID, Msg: MsgInstanceCreated})
}

func (p Publisher) PublishWorkflowResumed(instanceID, chatID, workflowID, stepID string) {
	p.emit(Event{InstanceID: instanceID, ChatID: chatID, WorkflowID: workflowID, StepID: stepID, Msg: MsgResumed})
}

func (p Publisher) PublishWorkflowSuspended(instanceID, chatID, workflowID, stepID, messageID string) {
	p.emit(Event{InstanceID: instanceID, ChatID: chatID, WorkflowID: workflowID, StepID: stepID, Msg: MsgSuspended,
		Meta: map[string]any{"messageId": messageID}})
}

func (p Publisher) PublishWorkflowCompleted(instanceID, chatID, workflowID string) {
	p.emit(Event{InstanceID: instanceID, ChatID: chatID, WorkflowID: workflowID, Msg: MsgCompleted})
}

func (p Publisher) PublishWorkflowFailed(instanceID, chatID, workflowID, reason string) {
	p.emit(Event{InstanceID: instanceID, ChatID: chatID, WorkflowID: workflowID, Msg: MsgFailed,
		Meta: map[string]any{"error": reason}})
}

func (p Publisher) PublishAsyncDispatched(instanceID, chatID, workflowID, stepID, messageID, taskID string) {
	p.emit(Event{InstanceID: instanceID, ChatID: chatID, WorkflowID: workflowID, StepID: stepID, Msg: MsgAsyncDispatched,
		Meta: map[string]any{"messageId": messageID, "taskId": taskID}})
}

func (p Publisher) PublishAsyncProgress(instanceID, stepID, messageID string, percent int, message string) {
	p.emit(Event{InstanceID: instanceID, StepID: stepID, Msg: MsgAsyncProgress,
		Meta: map[string]any{"messageId": messageID, "percent": percent, "message": message}})
}
