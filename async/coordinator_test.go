package async

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/flowforge/workflow/store"
	"github.com/flowforge/workflow/wf"
)

func TestMatchPatternWildcard(t *testing.T) {
	cases := []struct {
		pattern, taskID string
		want            bool
	}{
		{"processDataAsync", "processDataAsync", true},
		{"process*", "processDataAsync", true},
		{"*DataAsync", "processDataAsync", true},
		{"process*Async", "processDataAsync", true},
		{"other*", "processDataAsync", false},
	}
	for _, c := range cases {
		if got := MatchPattern(c.pattern, c.taskID); got != c.want {
			t.Errorf("MatchPattern(%q,%q) = %v, want %v", c.pattern, c.taskID, got, c.want)
		}
	}
}

func TestMatchHandlerMostSpecificWins(t *testing.T) {
	handlers := map[string]wf.AsyncHandler{
		"*":               {Pattern: "*"},
		"process*":        {Pattern: "process*"},
		"processData*":    {Pattern: "processData*"},
	}
	got, ok := MatchHandler(handlers, "processDataAsync")
	if !ok || got.Pattern != "processData*" {
		t.Fatalf("expected most specific pattern processData*, got %+v ok=%v", got, ok)
	}
}

func TestProgressMonotonic(t *testing.T) {
	ctx := context.Background()
	states := store.NewMemAsyncStateStore()
	states.Save(ctx, &store.AsyncStepState{MessageID: "m1"})
	reporter := NewProgressReporter(ctx, states, "m1")
	reporter.UpdateProgress(50, "halfway")
	reporter.UpdateProgress(25, "regressed")
	state, _ := states.GetByMessageID(ctx, "m1")
	if state.PercentComplete != 50 {
		t.Fatalf("expected percent clamped to 50, got %d", state.PercentComplete)
	}
	reporter.UpdateProgress(75, "progressing")
	state, _ = states.GetByMessageID(ctx, "m1")
	if state.PercentComplete != 75 {
		t.Fatalf("expected percent 75, got %d", state.PercentComplete)
	}
}

func TestDispatchCompletesAndCallsBack(t *testing.T) {
	ctx := context.Background()
	states := store.NewMemAsyncStateStore()
	states.Save(ctx, &store.AsyncStepState{MessageID: "m1"})
	pool := NewPool(2)

	handler := wf.AsyncHandler{
		Pattern:   "processDataAsync",
		InputType: reflect.TypeOf(""),
		Invoke: func(inv wf.AsyncInvocation) wf.StepResult {
			inv.Report.UpdateProgress(50, "working")
			return wf.Continue("done")
		},
	}

	done := make(chan string, 1)
	Dispatch(ctx, pool, states, "m1", handler, map[string]any{"data": "x"}, func(messageID string) {
		done <- messageID
	})

	select {
	case id := <-done:
		if id != "m1" {
			t.Fatalf("unexpected messageID %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch completion")
	}

	state, err := states.GetByMessageID(ctx, "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !state.Completed || state.PercentComplete != 100 || state.ResultData != "done" {
		t.Fatalf("unexpected final state: %+v", state)
	}
}
