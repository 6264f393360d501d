package chat

import (
	"context"
	"time"

	"github.com/flowforge/workflow/store"
)

// GetOrCreateSession returns the existing chat session or creates one, used
// internally by ExecuteChat and exposed directly as part of the runtime API.
func (s *Service) GetOrCreateSession(ctx context.Context, chatID, userID string) (*store.ChatSession, error) {
	sess, err := s.sessions.Get(ctx, chatID)
	if err == nil {
		return sess, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}
	return s.CreateChatSession(ctx, chatID, userID, "")
}

// CreateChatSession persists a new, non-archived session.
func (s *Service) CreateChatSession(ctx context.Context, chatID, userID, name string) (*store.ChatSession, error) {
	now := time.Now()
	sess := &store.ChatSession{
		ChatID:          chatID,
		UserID:          userID,
		Name:            name,
		CreatedAt:       now,
		LastMessageTime: now,
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// ArchiveChatSession marks a session archived without deleting its history.
func (s *Service) ArchiveChatSession(ctx context.Context, chatID string) error {
	sess, err := s.sessions.Get(ctx, chatID)
	if err != nil {
		return err
	}
	sess.Archived = true
	return s.sessions.Save(ctx, sess)
}

// ListChatsForUser lists a user's chat sessions, paginated.
func (s *Service) ListChatsForUser(ctx context.Context, userID string, page store.PageRequest) (store.Page[*store.ChatSession], error) {
	return s.sessions.ListForUser(ctx, userID, page)
}

// GetChatHistory returns a chat's message history, paginated. includeContext
// is accepted for interface symmetry with callers that distinguish a
// lightweight listing from a full one; the facade never strips properties
// from persisted ChatMessage records, so it has no additional effect here.
func (s *Service) GetChatHistory(ctx context.Context, chatID string, page store.PageRequest, includeContext bool) (store.Page[*store.ChatMessage], error) {
	_ = includeContext
	return s.history.ListForChat(ctx, chatID, page)
}
