// Package async implements the async coordinator: task-id glob matching
// against registered handlers, a bounded worker pool that keeps handlers off
// the run loop, and a progress reporter enforcing monotonic percent
// completion.
//
// The pool is a fixed-size semaphore rather than a priority frontier, since
// async handlers here have no scheduling-order relationship with one
// another.
package async

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/flowforge/workflow/metrics"
	"github.com/flowforge/workflow/store"
	"github.com/flowforge/workflow/wf"
)

// MatchPattern reports whether pattern matches taskID using glob semantics
// where '*' matches any substring.
func MatchPattern(pattern, taskID string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == taskID
	}
	segs := strings.Split(pattern, "*")
	pos := 0
	for i, seg := range segs {
		if seg == "" {
			continue
		}
		idx := strings.Index(taskID[pos:], seg)
		if idx < 0 {
			return false
		}
		if i == 0 && idx != 0 {
			return false
		}
		pos += idx + len(seg)
	}
	if len(segs) > 0 && segs[len(segs)-1] != "" && !strings.HasSuffix(taskID, segs[len(segs)-1]) {
		return false
	}
	return true
}

// specificity scores a pattern by its literal (non-'*') character count,
// the basis of the "most specific wins" tie-break.
func specificity(pattern string) int {
	return len(pattern) - strings.Count(pattern, "*")
}

// handlerEntry pairs a registered handler with its registration order, used
// to break specificity ties deterministically.
type handlerEntry struct {
	pattern string
	handler wf.AsyncHandler
	order   int
}

// MatchHandler finds the most-specific registered handler whose pattern
// matches taskID. handlers is the WorkflowGraph's AsyncHandlers map, which
// keeps no registration order: patterns are sorted lexically, so a tie
// between equally specific patterns goes to the lexically smaller pattern,
// not to the one registered first. MatchHandlerOrdered breaks ties by an
// explicit pattern order instead.
func MatchHandler(handlers map[string]wf.AsyncHandler, taskID string) (wf.AsyncHandler, bool) {
	patterns := make([]string, 0, len(handlers))
	for p := range handlers {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	entries := make([]handlerEntry, 0, len(patterns))
	for i, p := range patterns {
		entries = append(entries, handlerEntry{pattern: p, handler: handlers[p], order: i})
	}
	return matchEntries(entries, taskID)
}

// MatchHandlerOrdered matches against handlers in the exact order supplied,
// which ties are broken by. Patterns absent from handlers are skipped.
func MatchHandlerOrdered(patterns []string, handlers map[string]wf.AsyncHandler, taskID string) (wf.AsyncHandler, bool) {
	entries := make([]handlerEntry, 0, len(patterns))
	for i, p := range patterns {
		h, ok := handlers[p]
		if !ok {
			continue
		}
		entries = append(entries, handlerEntry{pattern: p, handler: h, order: i})
	}
	return matchEntries(entries, taskID)
}

func matchEntries(entries []handlerEntry, taskID string) (wf.AsyncHandler, bool) {
	var best *handlerEntry
	for i := range entries {
		e := &entries[i]
		if !MatchPattern(e.pattern, taskID) {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		bs, es := specificity(best.pattern), specificity(e.pattern)
		if es > bs || (es == bs && e.order < best.order) {
			best = e
		}
	}
	if best == nil {
		return wf.AsyncHandler{}, false
	}
	return best.handler, true
}

// Pool is a bounded worker pool running async handler invocations off the
// run loop, owned by the coordinator, so that a saturated handler pool
// cannot starve the run loop.
type Pool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending int
}

// NewPool creates a pool admitting at most size concurrent tasks.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// SetMetrics wires a Prometheus collector into the pool. A nil m (the
// default) disables instrumentation.
func (p *Pool) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// Submit queues fn on the pool and returns at once; fn starts as soon as a
// worker slot is free.
func (p *Pool) Submit(fn func()) {
	p.mu.Lock()
	p.pending++
	p.metrics.SetAsyncQueueDepth(p.pending)
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		p.sem <- struct{}{}

		p.mu.Lock()
		p.pending--
		p.metrics.SetAsyncQueueDepth(p.pending)
		p.mu.Unlock()
		p.metrics.IncAsyncInFlight()

		defer func() {
			<-p.sem
			p.metrics.DecAsyncInFlight()
			p.wg.Done()
		}()
		fn()
	}()
}

// Wait blocks until every submitted task has completed. Used by tests and
// graceful shutdown; the run loop itself never waits on the pool.
func (p *Pool) Wait() { p.wg.Wait() }

// progressReporter is the ProgressReporter handed to an async handler,
// persisting through to an AsyncStepState and enforcing the monotonic
// percent invariant.
type progressReporter struct {
	ctx       context.Context
	states    store.AsyncStateRepository
	messageID string

	mu     sync.Mutex
	maxPct int
}

// NewProgressReporter builds the reporter a Dispatch wires into the
// handler's AsyncInvocation.
func NewProgressReporter(ctx context.Context, states store.AsyncStateRepository, messageID string) wf.ProgressReporter {
	return &progressReporter{ctx: ctx, states: states, messageID: messageID}
}

func (r *progressReporter) UpdateProgress(percent int, message string) {
	r.mu.Lock()
	if percent < r.maxPct {
		percent = r.maxPct
	} else {
		r.maxPct = percent
	}
	r.mu.Unlock()

	state, err := r.states.GetByMessageID(r.ctx, r.messageID)
	if err != nil {
		return
	}
	state.PercentComplete = percent
	state.StatusMessage = message
	r.states.Save(r.ctx, state)
}

// Dispatch runs handler on the pool, writing its terminal StepResult back
// into AsyncStepState and invoking onDone with the messageID once persisted
// so the engine can resume the run loop.
func Dispatch(ctx context.Context, pool *Pool, states store.AsyncStateRepository, messageID string, handler wf.AsyncHandler, taskArgs map[string]any, onDone func(messageID string)) {
	pool.Submit(func() {
		taskID := messageID
		if st, err := states.GetByMessageID(ctx, messageID); err == nil && st.TaskID != "" {
			taskID = st.TaskID
		}
		reporter := NewProgressReporter(ctx, states, messageID)
		result := handler.Invoke(wf.AsyncInvocation{TaskID: taskID, TaskArgs: taskArgs, Report: reporter})

		state, err := states.GetByMessageID(ctx, messageID)
		if err != nil {
			return
		}
		state.Completed = true
		state.PercentComplete = 100
		state.ResultKind = result.Kind.String()
		if result.Kind == wf.KindFail {
			state.Error = result.Err.Error()
		} else {
			state.ResultData = result.Value
		}
		states.Save(ctx, state)

		if onDone != nil {
			onDone(messageID)
		}
	})
}
