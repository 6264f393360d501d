package llm

import (
	"context"
	"errors"
	"testing"
)

func TestMockChatModel_SingleResponse(t *testing.T) {
	t.Run("returns configured response", func(t *testing.T) {
		mock := &MockChatModel{Responses: []string{"Hello, world!"}}

		text, err := mock.Chat(context.Background(), []Message{{Role: RoleUser, Content: "Hi"}})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if text != "Hello, world!" {
			t.Errorf("expected text = 'Hello, world!', got %q", text)
		}
	})

	t.Run("repeats last response when exhausted", func(t *testing.T) {
		mock := &MockChatModel{Responses: []string{"Only response"}}
		messages := []Message{{Role: RoleUser, Content: "Test"}}

		first, err := mock.Chat(context.Background(), messages)
		if err != nil {
			t.Fatalf("first call failed: %v", err)
		}
		second, err := mock.Chat(context.Background(), messages)
		if err != nil {
			t.Fatalf("second call failed: %v", err)
		}
		if first != second {
			t.Errorf("expected same response, got %q and %q", first, second)
		}
	})

	t.Run("returns empty response when none configured", func(t *testing.T) {
		mock := &MockChatModel{}
		text, err := mock.Chat(context.Background(), []Message{{Role: RoleUser, Content: "Hi"}})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if text != "" {
			t.Errorf("expected empty text, got %q", text)
		}
	})
}

func TestMockChatModel_ErrorInjection(t *testing.T) {
	wantErr := errors.New("api error")
	mock := &MockChatModel{Err: wantErr}

	_, err := mock.Chat(context.Background(), []Message{{Role: RoleUser, Content: "Hi"}})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if mock.CallCount() != 1 {
		t.Errorf("expected 1 recorded call, got %d", mock.CallCount())
	}
}

func TestMockChatModel_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mock := &MockChatModel{Responses: []string{"unreachable"}}
	_, err := mock.Chat(ctx, []Message{{Role: RoleUser, Content: "Hi"}})
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
	if mock.CallCount() != 0 {
		t.Errorf("expected no recorded call on pre-cancelled context, got %d", mock.CallCount())
	}
}

func TestMockChatModel_SequentialResponses(t *testing.T) {
	mock := &MockChatModel{Responses: []string{"first", "second"}}
	messages := []Message{{Role: RoleUser, Content: "Hi"}}

	first, _ := mock.Chat(context.Background(), messages)
	second, _ := mock.Chat(context.Background(), messages)
	if first != "first" || second != "second" {
		t.Errorf("expected first/second in order, got %q, %q", first, second)
	}
}
