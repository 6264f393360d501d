package emit

import "context"

// NullEmitter discards every event. Used when no observability backend is wired.
type NullEmitter struct{}

func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (n *NullEmitter) Emit(Event)                            {}
func (n *NullEmitter) EmitBatch(context.Context, []Event) error { return nil }
func (n *NullEmitter) Flush(context.Context) error              { return nil }
