package llm

import (
	"context"
	"sync"
)

// MockChatModel is a test ChatModel with configurable responses and call
// history.
type MockChatModel struct {
	// Responses is returned in order; once exhausted the last response repeats.
	Responses []string
	Err       error

	mu        sync.Mutex
	Calls     [][]Message
	callIndex int
}

func (m *MockChatModel) Chat(ctx context.Context, messages []Message) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, messages)

	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return "", nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
