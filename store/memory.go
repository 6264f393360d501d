package store

import (
	"context"
	"sort"
	"sync"
)

// MemInstanceStore is an in-memory InstanceRepository, grounded on the
// teacher's graph/store.MemStore[S] (mutex-guarded map, deep-copy-free since
// callers treat returned pointers as owned snapshots).
type MemInstanceStore struct {
	mu   sync.RWMutex
	byID map[string]*WorkflowInstance
}

func NewMemInstanceStore() *MemInstanceStore {
	return &MemInstanceStore{byID: make(map[string]*WorkflowInstance)}
}

func (m *MemInstanceStore) Save(ctx context.Context, inst *WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inst
	m.byID[inst.InstanceID] = &cp
	return nil
}

func (m *MemInstanceStore) Get(ctx context.Context, instanceID string) (*WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.byID[instanceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *MemInstanceStore) FindLatestSuspendedByChatID(ctx context.Context, chatID string) (*WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *WorkflowInstance
	for _, inst := range m.byID {
		if inst.ChatID != chatID || inst.Status != StatusSuspended {
			continue
		}
		if latest == nil || inst.UpdatedAt.After(latest.UpdatedAt) {
			latest = inst
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemInstanceStore) ListByChatID(ctx context.Context, chatID string, page PageRequest) (Page[*WorkflowInstance], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*WorkflowInstance
	for _, inst := range m.byID {
		if inst.ChatID == chatID {
			cp := *inst
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginate(all, page), nil
}

// MemSuspensionStore is an in-memory SuspensionRepository.
type MemSuspensionStore struct {
	mu         sync.RWMutex
	byInstance map[string]*SuspensionData
	byMessage  map[string]*SuspensionData
}

func NewMemSuspensionStore() *MemSuspensionStore {
	return &MemSuspensionStore{
		byInstance: make(map[string]*SuspensionData),
		byMessage:  make(map[string]*SuspensionData),
	}
}

func (m *MemSuspensionStore) Save(ctx context.Context, s *SuspensionData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.byInstance[s.InstanceID] = &cp
	m.byMessage[s.MessageID] = &cp
	return nil
}

func (m *MemSuspensionStore) GetByInstanceID(ctx context.Context, instanceID string) (*SuspensionData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byInstance[instanceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemSuspensionStore) GetByMessageID(ctx context.Context, messageID string) (*SuspensionData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byMessage[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemSuspensionStore) DeleteByInstanceID(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byInstance[instanceID]
	if !ok {
		return nil
	}
	delete(m.byInstance, instanceID)
	delete(m.byMessage, s.MessageID)
	return nil
}

// MemAsyncStateStore is an in-memory AsyncStateRepository.
type MemAsyncStateStore struct {
	mu   sync.RWMutex
	byID map[string]*AsyncStepState
}

func NewMemAsyncStateStore() *MemAsyncStateStore {
	return &MemAsyncStateStore{byID: make(map[string]*AsyncStepState)}
}

func (m *MemAsyncStateStore) Save(ctx context.Context, s *AsyncStepState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.byID[s.MessageID] = &cp
	return nil
}

func (m *MemAsyncStateStore) GetByMessageID(ctx context.Context, messageID string) (*AsyncStepState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemAsyncStateStore) ListIncomplete(ctx context.Context) ([]*AsyncStepState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AsyncStepState
	for _, s := range m.byID {
		if !s.Completed {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MemChatSessionStore is an in-memory ChatSessionRepository.
type MemChatSessionStore struct {
	mu   sync.RWMutex
	byID map[string]*ChatSession
}

func NewMemChatSessionStore() *MemChatSessionStore {
	return &MemChatSessionStore{byID: make(map[string]*ChatSession)}
}

func (m *MemChatSessionStore) Save(ctx context.Context, s *ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.byID[s.ChatID] = &cp
	return nil
}

func (m *MemChatSessionStore) Get(ctx context.Context, chatID string) (*ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemChatSessionStore) ListForUser(ctx context.Context, userID string, page PageRequest) (Page[*ChatSession], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*ChatSession
	for _, s := range m.byID {
		if s.UserID == userID {
			cp := *s
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastMessageTime.After(all[j].LastMessageTime) })
	return paginate(all, page), nil
}

func (m *MemChatSessionStore) ListActiveForUser(ctx context.Context, userID string, page PageRequest) (Page[*ChatSession], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*ChatSession
	for _, s := range m.byID {
		if s.UserID == userID && !s.Archived {
			cp := *s
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastMessageTime.After(all[j].LastMessageTime) })
	return paginate(all, page), nil
}

// MemChatHistoryStore is an in-memory ChatHistoryRepository.
type MemChatHistoryStore struct {
	mu     sync.RWMutex
	byChat map[string][]*ChatMessage
	byID   map[string]*ChatMessage
}

func NewMemChatHistoryStore() *MemChatHistoryStore {
	return &MemChatHistoryStore{byChat: make(map[string][]*ChatMessage), byID: make(map[string]*ChatMessage)}
}

func (m *MemChatHistoryStore) Append(ctx context.Context, msg *ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.byChat[msg.ChatID] = append(m.byChat[msg.ChatID], &cp)
	m.byID[msg.ID] = &cp
	return nil
}

func (m *MemChatHistoryStore) GetByID(ctx context.Context, messageID string) (*ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.byID[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *MemChatHistoryStore) ListForChat(ctx context.Context, chatID string, page PageRequest) (Page[*ChatMessage], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := append([]*ChatMessage(nil), m.byChat[chatID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	return paginate(all, page), nil
}

func (m *MemChatHistoryStore) CountForChat(ctx context.Context, chatID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byChat[chatID]), nil
}

func (m *MemChatHistoryStore) FindRecentForChat(ctx context.Context, chatID string, n int) ([]*ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.byChat[chatID]
	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]*ChatMessage, n)
	for i := 0; i < n; i++ {
		cp := *all[len(all)-n+i]
		out[i] = &cp
	}
	return out, nil
}

// paginate applies PageRequest over an already-sorted slice, producing the
// {content, pageNumber, pageSize, totalElements, totalPages} shape every
// paginated listing returns.
func paginate[T any](all []T, page PageRequest) Page[T] {
	size := page.PageSize
	if size <= 0 {
		size = len(all)
		if size == 0 {
			size = 1
		}
	}
	if page.SortDirection == SortDesc {
		reversed := make([]T, len(all))
		for i, v := range all {
			reversed[len(all)-1-i] = v
		}
		all = reversed
	}
	total := len(all)
	totalPages := (total + size - 1) / size
	start := page.PageNumber * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return Page[T]{
		Content:       all[start:end],
		PageNumber:    page.PageNumber,
		PageSize:      size,
		TotalElements: total,
		TotalPages:    totalPages,
	}
}
