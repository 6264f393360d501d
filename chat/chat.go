// Package chat implements the chat facade: request/response mapping onto
// the engine's execute/resume calls, chat session bookkeeping, and
// async-status polling. It is a thin orchestration layer sitting on top
// of engine.Engine.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/workflow/engine"
	"github.com/flowforge/workflow/schema"
	"github.com/flowforge/workflow/store"
)

// ErrChatRequired is returned when a request omits a chat id.
var ErrChatRequired = errors.New("chat: chatId is required")

// ErrWorkflowRequired is returned when executeChat has no suspended instance
// to resume and no workflow id to start fresh.
var ErrWorkflowRequired = errors.New("chat: workflowId is required to start a new instance")

// ErrUnknownMessage is returned when a message id can't be resolved to a chat.
var ErrUnknownMessage = errors.New("chat: unknown message id")

// Request is an inbound chat turn.
type Request struct {
	ChatID     string
	UserID     string
	WorkflowID string // required only when there is no suspended instance to resume
	Payload    any    // raw input; a map[string]any/struct value, or a resume properties map
}

// Response is the synthesized reply for one chat turn.
type Response struct {
	ID              string
	ChatID          string
	UserID          string
	WorkflowID      string
	InstanceID      string
	Completed       bool
	PercentComplete int
	Properties      map[string]string
	NextInputSchema string
}

// Service implements the chat facade.
type Service struct {
	engine      *engine.Engine
	schemaSvc   *schema.Service
	sessions    store.ChatSessionRepository
	history     store.ChatHistoryRepository
	asyncStates store.AsyncStateRepository

	waitPollInterval time.Duration
	waitTimeout      time.Duration
}

// NewService constructs a chat facade over an already-configured engine.
func NewService(en *engine.Engine, schemaSvc *schema.Service, sessions store.ChatSessionRepository, history store.ChatHistoryRepository, asyncStates store.AsyncStateRepository) *Service {
	return &Service{
		engine:           en,
		schemaSvc:        schemaSvc,
		sessions:         sessions,
		history:          history,
		asyncStates:      asyncStates,
		waitPollInterval: 50 * time.Millisecond,
		waitTimeout:      100 * time.Second,
	}
}

// ExecuteChat routes to resume when a SUSPENDED instance already exists
// for the chat, otherwise starts a fresh instance.
func (s *Service) ExecuteChat(ctx context.Context, req Request) (*Response, error) {
	if req.ChatID == "" {
		return nil, ErrChatRequired
	}
	if _, err := s.GetOrCreateSession(ctx, req.ChatID, req.UserID); err != nil {
		return nil, err
	}
	if err := s.appendRequest(ctx, req); err != nil {
		return nil, err
	}

	var inst *store.WorkflowInstance
	suspended, err := s.engine.FindLatestSuspendedByChatID(ctx, req.ChatID)
	switch {
	case err == nil:
		inst, err = s.resumeAndWait(ctx, suspended.InstanceID, req.Payload)
	case errors.Is(err, store.ErrNotFound):
		if req.WorkflowID == "" {
			return nil, ErrWorkflowRequired
		}
		inst, err = s.executeAndWait(ctx, req.WorkflowID, req.Payload, req.ChatID)
	default:
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	resp, err := s.synthesizeResponse(ctx, req.ChatID, req.UserID, inst)
	if err != nil {
		return nil, err
	}
	if err := s.appendResponse(ctx, resp); err != nil {
		return nil, err
	}
	s.bumpLastMessageTime(ctx, req.ChatID)
	return resp, nil
}

// ResumeChat identifies the chat via the original response recorded in
// history, keyed by the given message id.
func (s *Service) ResumeChat(ctx context.Context, messageID string, req Request) (*Response, error) {
	original, err := s.history.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownMessage
		}
		return nil, err
	}
	req.ChatID = original.ChatID
	if req.UserID == "" {
		req.UserID = original.UserID
	}
	return s.ExecuteChat(ctx, req)
}

// GetAsyncStatus reads AsyncStepState plus the original response and
// produces a fresh snapshot, without advancing the instance. While the
// handler is still running this reports its progress; once it has completed
// and the engine has resumed the instance past it, this reports whatever
// state the instance has since reached.
func (s *Service) GetAsyncStatus(ctx context.Context, messageID string) (*Response, error) {
	original, err := s.history.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownMessage
		}
		return nil, err
	}
	state, err := s.asyncStates.GetByMessageID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !state.Completed {
		return s.asyncResponse(original.ChatID, original.UserID, messageID, state)
	}
	inst, err := s.engine.GetWorkflowInstance(ctx, state.InstanceID)
	if err != nil {
		return nil, err
	}
	return s.synthesizeResponse(ctx, original.ChatID, original.UserID, inst)
}

func (s *Service) resumeAndWait(ctx context.Context, instanceID string, payload any) (*store.WorkflowInstance, error) {
	ex, err := s.engine.Resume(ctx, instanceID, payload)
	if err != nil {
		return nil, err
	}
	return s.waitForTerminalState(ctx, ex.InstanceID())
}

func (s *Service) executeAndWait(ctx context.Context, workflowID string, payload any, chatID string) (*store.WorkflowInstance, error) {
	ex, err := s.engine.Execute(ctx, workflowID, payload, "", chatID)
	if err != nil {
		return nil, err
	}
	return s.waitForTerminalState(ctx, ex.InstanceID())
}

// waitForTerminalState polls until the instance reaches SUSPENDED,
// COMPLETED, FAILED, or RUNNING-with-outstanding-async — all of which count
// as terminal for the purposes of a single chat turn — or the wait times out.
func (s *Service) waitForTerminalState(ctx context.Context, instanceID string) (*store.WorkflowInstance, error) {
	deadline := time.Now().Add(s.waitTimeout)
	for {
		inst, err := s.engine.GetWorkflowInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if isTerminalForChat(inst) {
			return inst, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("chat: timed out waiting for instance %s to reach a terminal state", instanceID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.waitPollInterval):
		}
	}
}

func isTerminalForChat(inst *store.WorkflowInstance) bool {
	switch inst.Status {
	case store.StatusSuspended, store.StatusCompleted, store.StatusFailed:
		return true
	case store.StatusRunning:
		return inst.OutstandingAsyncMessageID != ""
	default:
		return false
	}
}

func (s *Service) appendRequest(ctx context.Context, req Request) error {
	props, err := extractProperties(s.schemaSvc, req.Payload)
	if err != nil {
		return err
	}
	return s.history.Append(ctx, &store.ChatMessage{
		ID:         uuid.NewString(),
		ChatID:     req.ChatID,
		UserID:     req.UserID,
		Direction:  store.DirectionRequest,
		Timestamp:  time.Now(),
		Properties: props,
	})
}

func (s *Service) appendResponse(ctx context.Context, resp *Response) error {
	return s.history.Append(ctx, &store.ChatMessage{
		ID:              resp.ID,
		ChatID:          resp.ChatID,
		UserID:          resp.UserID,
		Direction:       store.DirectionResponse,
		Timestamp:       time.Now(),
		Properties:      resp.Properties,
		Completed:       resp.Completed,
		PercentComplete: resp.PercentComplete,
		NextInputSchema: resp.NextInputSchema,
	})
}

func (s *Service) bumpLastMessageTime(ctx context.Context, chatID string) {
	sess, err := s.sessions.Get(ctx, chatID)
	if err != nil {
		return
	}
	sess.LastMessageTime = time.Now()
	s.sessions.Save(ctx, sess)
}

// synthesizeResponse maps an instance's current state onto a Response, for
// SUSPENDED (plain), RUNNING with outstanding async, COMPLETED, and FAILED
// instances.
func (s *Service) synthesizeResponse(ctx context.Context, chatID, userID string, inst *store.WorkflowInstance) (*Response, error) {
	if inst.OutstandingAsyncMessageID != "" {
		state, err := s.asyncStates.GetByMessageID(ctx, inst.OutstandingAsyncMessageID)
		if err != nil {
			return nil, err
		}
		return s.asyncResponse(chatID, userID, inst.OutstandingAsyncMessageID, state)
	}

	switch inst.Status {
	case store.StatusSuspended:
		susp, err := s.engine.GetSuspension(ctx, inst.InstanceID)
		if err != nil {
			return nil, err
		}
		props, err := extractProperties(s.schemaSvc, susp.PromptToUser)
		if err != nil {
			return nil, err
		}
		return &Response{
			ID:              susp.MessageID,
			ChatID:          chatID,
			UserID:          userID,
			WorkflowID:      inst.WorkflowID,
			InstanceID:      inst.InstanceID,
			Completed:       true,
			PercentComplete: 100,
			Properties:      props,
			NextInputSchema: susp.NextInputType,
		}, nil

	case store.StatusCompleted:
		var output any
		if n := len(inst.ExecutionHistory); n > 0 {
			output = inst.ExecutionHistory[n-1].Output
		}
		props, err := extractProperties(s.schemaSvc, output)
		if err != nil {
			return nil, err
		}
		return &Response{
			ID:              uuid.NewString(),
			ChatID:          chatID,
			UserID:          userID,
			WorkflowID:      inst.WorkflowID,
			InstanceID:      inst.InstanceID,
			Completed:       true,
			PercentComplete: 100,
			Properties:      props,
		}, nil

	case store.StatusFailed:
		msg := ""
		if inst.ErrorInfo != nil {
			msg = inst.ErrorInfo.Message
		}
		return &Response{
			ID:              uuid.NewString(),
			ChatID:          chatID,
			UserID:          userID,
			WorkflowID:      inst.WorkflowID,
			InstanceID:      inst.InstanceID,
			Completed:       true,
			PercentComplete: 100,
			Properties:      map[string]string{"error": msg},
		}, nil

	default:
		return nil, fmt.Errorf("chat: instance %s in non-terminal state %v", inst.InstanceID, inst.Status)
	}
}

// asyncResponse builds the RUNNING/SUSPENDED-with-outstanding-async
// Response, shared by executeChat, getAsyncStatus and the RUNNING-w/-async case.
func (s *Service) asyncResponse(chatID, userID, messageID string, state *store.AsyncStepState) (*Response, error) {
	props, err := extractProperties(s.schemaSvc, state.InitialData)
	if err != nil {
		return nil, err
	}
	props["status"] = state.StatusMessage
	props["progressPercent"] = fmt.Sprint(state.PercentComplete)
	return &Response{
		ID:              messageID,
		ChatID:          chatID,
		UserID:          userID,
		InstanceID:      state.InstanceID,
		Completed:       false,
		PercentComplete: state.PercentComplete,
		Properties:      props,
	}, nil
}

// extractProperties extracts a chat turn's properties: an explicit
// `properties` sub-field (list of name/value records or a nested map) wins
// over the Type service's structural ToPropertiesMap.
func extractProperties(schemaSvc *schema.Service, payload any) (map[string]string, error) {
	if props, ok := payload.(map[string]string); ok {
		return props, nil
	}
	if m, ok := payload.(map[string]any); ok {
		if raw, has := m["properties"]; has {
			return coercePropertiesSubfield(raw)
		}
	}
	return schemaSvc.ToPropertiesMap(payload)
}

func coercePropertiesSubfield(raw any) (map[string]string, error) {
	out := make(map[string]string)
	switch v := raw.(type) {
	case map[string]string:
		for k, val := range v {
			out[k] = val
		}
	case map[string]any:
		for k, val := range v {
			out[k] = fmt.Sprint(val)
		}
	case []any:
		for _, entry := range v {
			rec, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			name, _ := rec["name"].(string)
			if name == "" {
				continue
			}
			out[name] = fmt.Sprint(rec["value"])
		}
	default:
		return out, nil
	}
	return out, nil
}
