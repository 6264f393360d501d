// Package engine implements the workflow engine core run loop: instance
// lifecycle, step dispatch through the executor, edge routing, and
// suspend/async/finish/fail handling.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/workflow/async"
	"github.com/flowforge/workflow/emit"
	"github.com/flowforge/workflow/executor"
	"github.com/flowforge/workflow/metrics"
	"github.com/flowforge/workflow/schema"
	"github.com/flowforge/workflow/store"
	"github.com/flowforge/workflow/wf"
)

// RegisteredWorkflow identifies one registered graph by its (id, version) key.
type RegisteredWorkflow struct {
	ID      string
	Version string
}

// Engine owns the graph registry, the circuit-breaker registry, and the
// async coordinator; it is the only component permitted to mutate
// WorkflowInstance.Status.
type Engine struct {
	instances    store.InstanceRepository
	suspensions  store.SuspensionRepository
	asyncStates  store.AsyncStateRepository
	schemaSvc    *schema.Service
	exec         *executor.Executor
	breakers     *executor.Registry
	pool         *async.Pool
	publisher    emit.Publisher
	metrics      *metrics.Metrics

	asyncPoolSize    int
	waitPollInterval time.Duration

	mu         sync.RWMutex
	graphs     map[string]*wf.WorkflowGraph // keyed by "id@version"
	latestByID map[string]string            // id -> most recently registered version

	instLocks sync.Map // instanceID -> *sync.Mutex
}

// New constructs an Engine. instances/suspensions/asyncStates/schemaSvc are
// required; pass in-memory implementations from the store package for tests.
func New(instances store.InstanceRepository, suspensions store.SuspensionRepository, asyncStates store.AsyncStateRepository, schemaSvc *schema.Service, opts ...Option) *Engine {
	en := &Engine{
		instances:        instances,
		suspensions:      suspensions,
		asyncStates:      asyncStates,
		schemaSvc:        schemaSvc,
		breakers:         executor.NewRegistry(executor.DefaultCircuitBreakerConfig()),
		asyncPoolSize:    4,
		waitPollInterval: 5 * time.Millisecond,
		graphs:           make(map[string]*wf.WorkflowGraph),
		latestByID:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(en)
	}
	en.exec = executor.New(en.breakers)
	en.exec.SetMetrics(en.metrics)
	en.pool = async.NewPool(en.asyncPoolSize)
	en.pool.SetMetrics(en.metrics)
	return en
}

// DrainAsync blocks until every currently-dispatched async handler invocation
// has completed. Intended for graceful shutdown and deterministic tests, not
// for the run loop itself (which never blocks on the async pool).
func (en *Engine) DrainAsync() { en.pool.Wait() }

func graphKey(id, version string) string { return id + "@" + version }

// Register adds graph to the registry, idempotent by (id, version);
// registering the same graph twice is a no-op, but a second registration
// with the same key and a different shape fails.
func (en *Engine) Register(graph *wf.WorkflowGraph) error {
	if err := graph.Validate(); err != nil {
		return err
	}
	key := graphKey(graph.ID, graph.Version)

	en.mu.Lock()
	defer en.mu.Unlock()
	if existing, ok := en.graphs[key]; ok {
		if !existing.SameShape(graph) {
			return &wf.GraphError{Code: "DUPLICATE_REGISTRATION", Message: "graph " + key + " already registered with a different shape"}
		}
		return nil
	}
	en.graphs[key] = graph
	en.latestByID[graph.ID] = graph.Version
	return nil
}

// GetWorkflowGraph returns the registered graph for id at its most recently
// registered version.
func (en *Engine) GetWorkflowGraph(id string) (*wf.WorkflowGraph, error) {
	en.mu.RLock()
	defer en.mu.RUnlock()
	version, ok := en.latestByID[id]
	if !ok {
		return nil, fmt.Errorf("engine: no workflow registered with id %q", id)
	}
	return en.graphs[graphKey(id, version)], nil
}

// GetRegisteredWorkflows lists every registered (id, version) pair.
func (en *Engine) GetRegisteredWorkflows() []RegisteredWorkflow {
	en.mu.RLock()
	defer en.mu.RUnlock()
	out := make([]RegisteredWorkflow, 0, len(en.graphs))
	for _, g := range en.graphs {
		out = append(out, RegisteredWorkflow{ID: g.ID, Version: g.Version})
	}
	return out
}

// GetWorkflowInstance is a read-only lookup.
func (en *Engine) GetWorkflowInstance(ctx context.Context, instanceID string) (*store.WorkflowInstance, error) {
	return en.instances.Get(ctx, instanceID)
}

// FindLatestSuspendedByChatID is a read-only lookup of the most recently
// suspended instance in a chat, keyed by chatId rather than instanceId.
func (en *Engine) FindLatestSuspendedByChatID(ctx context.Context, chatID string) (*store.WorkflowInstance, error) {
	return en.instances.FindLatestSuspendedByChatID(ctx, chatID)
}

// GetSuspension is a read-only lookup of a SUSPENDED instance's outstanding
// prompt, used by the chat facade to build its SUSPENDED response.
func (en *Engine) GetSuspension(ctx context.Context, instanceID string) (*store.SuspensionData, error) {
	return en.suspensions.GetByInstanceID(ctx, instanceID)
}

func (en *Engine) lockFor(instanceID string) *sync.Mutex {
	l, _ := en.instLocks.LoadOrStore(instanceID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Execute creates a fresh instance and starts the run loop at the graph's
// initial step. instanceID defaults to a new UUID when empty.
func (en *Engine) Execute(ctx context.Context, workflowID string, input any, instanceID, chatID string) (*Execution, error) {
	graph, err := en.GetWorkflowGraph(workflowID)
	if err != nil {
		return nil, err
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	now := time.Now()
	inst := &store.WorkflowInstance{
		InstanceID:      instanceID,
		ChatID:          chatID,
		WorkflowID:      graph.ID,
		WorkflowVersion: graph.Version,
		Status:          store.StatusCreated,
		WorkflowContext: map[string]any{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := en.instances.Save(ctx, inst); err != nil {
		return nil, err
	}
	en.publisher.PublishWorkflowStarted(instanceID, chatID, graph.ID)
	en.metrics.RecordInstanceStarted(graph.ID)

	wctx := wf.NewContext(instanceID)
	wctx.Set(wf.TriggerDataKey, input)

	lock := en.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	en.runLoop(ctx, inst, graph, wctx, graph.InitialStepID, input)
	return &Execution{engine: en, instanceID: instanceID, snapshot: inst}, nil
}

// Resume continues a SUSPENDED instance using input as the suspending step's
// return value.
func (en *Engine) Resume(ctx context.Context, instanceID string, input any) (*Execution, error) {
	lock := en.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := en.instances.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != store.StatusSuspended {
		return nil, wf.ErrInvalidResume
	}
	susp, err := en.suspensions.GetByInstanceID(ctx, instanceID)
	if err != nil {
		return nil, wf.ErrInvalidResume
	}

	graph, err := en.GetWorkflowGraph(inst.WorkflowID)
	if err != nil {
		return nil, err
	}

	resolved, err := en.coerceResumeInput(susp, input)
	if err != nil {
		return nil, err
	}

	if err := en.suspensions.DeleteByInstanceID(ctx, instanceID); err != nil {
		return nil, err
	}

	wctx := wf.NewContext(instanceID)
	rehydrateContext(wctx, inst)

	inst.Status = store.StatusRunning
	inst.UpdatedAt = time.Now()
	if err := en.instances.Save(ctx, inst); err != nil {
		return nil, err
	}
	suspendingStepID := inst.CurrentStepID
	en.publisher.PublishWorkflowResumed(instanceID, inst.ChatID, inst.WorkflowID, suspendingStepID)

	// The suspending step already ran; resume treats `resolved` as that
	// step's return value and routes its outgoing edges accordingly,
	// mirroring how an async completion is routed.
	wctx.RecordOutput(suspendingStepID, resolved)
	edge, ok := chooseEdge(graph, suspendingStepID, wf.Continue(resolved), wctx)
	if !ok {
		en.fail(ctx, inst, wctx, fmt.Errorf("%w: step %s", wf.ErrNoSuccessor, suspendingStepID))
		return &Execution{engine: en, instanceID: instanceID, snapshot: inst}, nil
	}

	en.runLoop(ctx, inst, graph, wctx, edge.To, resolved)
	return &Execution{engine: en, instanceID: instanceID, snapshot: inst}, nil
}

// rehydrateContext rebuilds a fresh wf.Context's key/value bag and recorded
// step outputs from a persisted instance's WorkflowContext snapshot (see
// wf.Context.Snapshot/Restore).
func rehydrateContext(wctx *wf.Context, inst *store.WorkflowInstance) {
	wctx.Restore(inst.WorkflowContext)
}

// coerceResumeInput converts a raw properties map to susp.NextInputType via
// the schema service when input isn't already the expected Go value. An
// unregistered schema name falls back to passing the raw request through.
func (en *Engine) coerceResumeInput(susp *store.SuspensionData, input any) (any, error) {
	props, isMap := input.(map[string]string)
	if !isMap || susp.NextInputType == "" {
		return input, nil
	}
	t, err := en.schemaSvc.Lookup(susp.NextInputType)
	if err != nil {
		return input, nil // unregistered schema name: pass the raw request through
	}
	return en.schemaSvc.FromPropertiesMap(t, props)
}
