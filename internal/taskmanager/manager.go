package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentcore/core/internal/backend"
	"github.com/agentcore/core/internal/common/appctx"
	"github.com/agentcore/core/internal/common/logger"
	"github.com/agentcore/core/internal/events/bus"
	"github.com/agentcore/core/internal/lock"
	"github.com/agentcore/core/internal/modelcatalog"
	"github.com/agentcore/core/internal/pool"
	"github.com/agentcore/core/internal/profile"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// promptTimeout bounds how long a single dispatched prompt is allowed to run
// before its detached context is canceled. Large refactors and long agent
// turns can run for a while, so this is generous rather than tight.
const promptTimeout = 60 * time.Minute

// sessionClient is the subset of backend.SessionClient the Task Manager
// needs. Defined locally so tests can substitute a fake without touching the
// real ACP transport.
type sessionClient interface {
	Prompt(ctx context.Context, sessionID, text string, model *backend.ModelOverride) error
	Cancel(ctx context.Context, sessionID, reason string) error
}

// ClientFactory builds a sessionClient bound to a worker's server URL.
type ClientFactory func(serverURL string) sessionClient

// OperationFunc implements one "kind: op" entry in the fixed operation
// registry (spec §4.6). It runs synchronously and never touches the agent
// runtime.
type OperationFunc func(ctx context.Context, args map[string]interface{}) (string, error)

// StartRequest is task_start's input.
type StartRequest struct {
	Kind          Kind
	WorkerID      string
	WorkflowID    string
	Op            string
	OpArgs        map[string]interface{}
	Prompt        Prompt
	Model         string
	ModelPolicy   ModelPolicy
	ForceNew      bool
}

// StartResult is task_start's output.
type StartResult struct {
	TaskID string `json:"taskId"`
	Next   string `json:"next"`
}

// AwaitResult is one task's outcome as returned by task_await.
type AwaitResult struct {
	Status      Status     `json:"status"`
	Response    string     `json:"response,omitempty"`
	DurationMs  int64      `json:"durationMs"`
	Error       *TaskError `json:"error,omitempty"`
}

// PeekResult is task_peek's output: current status and chunks, non-blocking.
type PeekResult struct {
	Status       Status     `json:"status"`
	StreamChunks []string   `json:"streamChunks"`
	Response     string     `json:"response,omitempty"`
	Error        *TaskError `json:"error,omitempty"`
}

// Manager is the Task Manager: it owns every Task and mediates between
// task_start/task_await/task_peek/task_list/task_cancel callers, the Pool,
// and the per-worker session protocol.
type Manager struct {
	pool      *pool.Pool
	profiles  *profile.Resolver
	catalog   *modelcatalog.Catalog
	bus       bus.Bus
	newClient ClientFactory
	ops       map[string]OperationFunc
	log       *logger.Logger

	mu         sync.Mutex
	tasks      map[string]*Task
	workerTask map[string]string  // profileID -> current task id
	workerSem  map[string]chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Task Manager. newClient defaults to a real ACP
// backend.SessionClient when nil.
func New(p *pool.Pool, profiles *profile.Resolver, catalog *modelcatalog.Catalog, eb bus.Bus, newClient ClientFactory, log *logger.Logger) *Manager {
	if newClient == nil {
		newClient = func(serverURL string) sessionClient {
			return backend.NewSessionClient(serverURL, log)
		}
	}
	m := &Manager{
		pool:       p,
		profiles:   profiles,
		catalog:    catalog,
		bus:        eb,
		newClient:  newClient,
		log:        log.WithFields(zap.String("component", "task-manager")),
		tasks:      make(map[string]*Task),
		workerTask: make(map[string]string),
		workerSem:  make(map[string]chan struct{}),
		stopCh:     make(chan struct{}),
	}
	m.ops = defaultOperations(m)
	return m
}

// RegisterOperation installs or replaces an entry in the "kind: op" registry.
func (m *Manager) RegisterOperation(name string, fn OperationFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[name] = fn
}

// Shutdown cancels every in-flight dispatch's detached context, so prompt
// goroutines started by Start unwind instead of outliving the process.
// Idempotent.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Start implements task_start. It validates synchronously (unknown worker id
// or operation fails immediately with ConfigInvalid); everything that
// requires talking to a worker happens in a background goroutine, so Start
// itself never blocks on a spawn or a prompt send.
func (m *Manager) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if req.Kind == "" {
		req.Kind = KindWorker
	}

	switch req.Kind {
	case KindOp:
		return m.startOp(ctx, req)
	case KindWorker:
		return m.startWorker(ctx, req)
	case KindWorkflow:
		return StartResult{}, &TaskError{Kind: ErrConfigInvalid, Message: "workflow tasks are not implemented by this core"}
	default:
		return StartResult{}, &TaskError{Kind: ErrConfigInvalid, Message: fmt.Sprintf("unknown task kind %q", req.Kind)}
	}
}

func (m *Manager) startOp(ctx context.Context, req StartRequest) (StartResult, error) {
	if req.Op == "" {
		return StartResult{}, &TaskError{Kind: ErrConfigInvalid, Message: "op tasks require an op name"}
	}
	m.mu.Lock()
	fn, ok := m.ops[req.Op]
	m.mu.Unlock()
	if !ok {
		return StartResult{}, &TaskError{Kind: ErrConfigInvalid, Message: fmt.Sprintf("unknown operation %q", req.Op)}
	}

	t := newTask(m.newTaskID(), KindOp)
	t.Op = req.Op
	m.store(t)
	t.markRunning()

	result, err := fn(ctx, req.OpArgs)
	if err != nil {
		t.finish(StatusFailed, "", &TaskError{Kind: ErrConfigInvalid, Message: err.Error()})
	} else {
		t.finish(StatusCompleted, result, nil)
	}
	return StartResult{TaskID: t.ID, Next: "task_await"}, nil
}

func (m *Manager) startWorker(ctx context.Context, req StartRequest) (StartResult, error) {
	if req.WorkerID == "" {
		return StartResult{}, &TaskError{Kind: ErrConfigInvalid, Message: "worker tasks require a workerId"}
	}
	prof, err := m.profiles.Resolve(req.WorkerID)
	if err != nil {
		return StartResult{}, &TaskError{Kind: ErrConfigInvalid, Message: err.Error()}
	}

	t := newTask(m.newTaskID(), KindWorker)
	t.WorkerID = req.WorkerID
	t.Prompt = req.Prompt
	t.ModelOverride = req.Model
	t.ModelPolicy = req.ModelPolicy
	if t.ModelPolicy == "" {
		t.ModelPolicy = ModelPolicyDynamic
	}
	m.store(t)

	go m.dispatchWorker(t, prof, req)

	return StartResult{TaskID: t.ID, Next: "task_await"}, nil
}

func (m *Manager) dispatchWorker(t *Task, prof profile.WorkerProfile, req StartRequest) {
	ctx, cancel := appctx.Detached(context.Background(), m.stopCh, promptTimeout)
	defer cancel()

	opts := pool.EnsureOptions{
		ForceNew:    req.ForceNew,
		NeedsVision: needsVision(req.Prompt.Attachments),
	}

	modelRef := prof.Model
	if req.Model != "" && t.ModelPolicy == ModelPolicySticky {
		modelRef = req.Model
	}
	if modelRef != "" {
		resolved, err := m.catalog.Resolve(ctx, modelRef)
		if err != nil {
			m.fail(t, ErrModelUnavailable, err.Error(), modelCatalogHint(err))
			return
		}
		opts.RequestedModel = resolved.String()
		opts.ModelReason = resolved.Reason
	}

	w, err := m.pool.Ensure(ctx, prof, opts)
	if err != nil {
		m.fail(t, classifyEnsureErr(err), err.Error(), "")
		return
	}

	sem := m.semaphoreFor(prof.ID)
	select {
	case <-sem:
	case <-t.done:
		return // canceled while queued
	}
	defer func() {
		sem <- struct{}{}
		m.clearCurrent(prof.ID, t.ID)
		m.pool.SetCurrentTask(prof.ID, "")
		if inst, ok := m.pool.Get(prof.ID); ok && inst.Status == pool.StatusBusy {
			m.pool.UpdateStatus(prof.ID, pool.StatusReady, "")
		}
	}()

	m.setCurrent(prof.ID, t.ID)
	m.pool.SetCurrentTask(prof.ID, t.ID)
	m.pool.UpdateStatus(prof.ID, pool.StatusBusy, "")
	t.markRunning()
	t.sessionID = w.SessionID
	m.publish(bus.TopicTaskStarted, bus.TaskPayload{TaskID: t.ID, WorkerID: prof.ID, Status: string(StatusRunning)})

	var override *backend.ModelOverride
	if req.Model != "" && t.ModelPolicy == ModelPolicyDynamic {
		if resolved, err := m.catalog.Resolve(ctx, req.Model); err == nil {
			override = &backend.ModelOverride{ProviderID: resolved.ProviderID, ModelID: resolved.ModelID}
		} else {
			m.fail(t, ErrModelUnavailable, err.Error(), modelCatalogHint(err))
			return
		}
	}

	client := m.newClient(w.ServerURL)
	if err := client.Prompt(ctx, w.SessionID, req.Prompt.Text, override); err != nil {
		m.fail(t, ErrWorkerUnreachable, err.Error(), "")
		return
	}
	// Completion is observed asynchronously via HandleChunk's final flag; hold
	// the worker's slot until then so the next queued prompt waits its turn.
	select {
	case <-t.done:
	case <-ctx.Done():
	}
}

// HandleChunk implements bridge.ChunkHandler: it routes one streamed chunk to
// its owning task by taskID, falling back to the worker's single current
// task when the bridge payload only carries a workerId (spec §4.7).
func (m *Manager) HandleChunk(workerID, taskID string, chunk []byte, final bool) error {
	t := m.resolveTask(workerID, taskID)
	if t == nil {
		return fmt.Errorf("no task found for worker %q / task %q", workerID, taskID)
	}

	if len(chunk) > 0 {
		t.appendChunk(string(chunk))
		m.publish(bus.TopicTaskChunk, bus.TaskPayload{TaskID: t.ID, WorkerID: workerID, Chunk: string(chunk)})
	}
	if final {
		if t.finish(StatusCompleted, "", nil) {
			m.publish(bus.TopicTaskComplete, bus.TaskPayload{TaskID: t.ID, WorkerID: workerID, Status: string(StatusCompleted)})
		}
	}
	return nil
}

// HandleEvent implements bridge.EventHandler: the event is published on the
// bus under its own type as a SkillPayload carrying the reporting worker and
// the payload's skillId, status and error fields; other payload fields are
// not forwarded.
func (m *Manager) HandleEvent(workerID string, eventType string, payload map[string]interface{}) error {
	topic := bus.Topic(eventType)
	skillID, _ := payload["skillId"].(string)
	status, _ := payload["status"].(string)
	errMsg, _ := payload["error"].(string)
	m.bus.Publish(topic, bus.NewEvent(topic, bus.SkillPayload{
		WorkerID: workerID,
		SkillID:  skillID,
		Status:   status,
		Error:    errMsg,
	}))
	return nil
}

// Await implements task_await: it blocks until every named task reaches a
// terminal status or timeoutMs elapses, then is level-triggered (an
// already-terminal task returns immediately).
func (m *Manager) Await(ctx context.Context, taskIDs []string, timeoutMs int) map[string]AwaitResult {
	results := make(map[string]AwaitResult, len(taskIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range taskIDs {
		t := m.get(id)
		if t == nil {
			mu.Lock()
			results[id] = AwaitResult{Status: StatusFailed, Error: &TaskError{Kind: ErrConfigInvalid, Message: "unknown task id"}}
			mu.Unlock()
			continue
		}
		if timeoutMs <= 0 || isTerminal(t.Status()) {
			mu.Lock()
			results[id] = snapshot(t)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(t *Task, id string) {
			defer wg.Done()
			select {
			case <-t.done:
			case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
			case <-ctx.Done():
			}
			mu.Lock()
			results[id] = snapshot(t)
			mu.Unlock()
		}(t, id)
	}
	wg.Wait()
	return results
}

// Peek implements task_peek: current status and accumulated chunks, never
// blocking.
func (m *Manager) Peek(taskID string) (PeekResult, bool) {
	t := m.get(taskID)
	if t == nil {
		return PeekResult{}, false
	}
	return PeekResult{
		Status:       t.Status(),
		StreamChunks: t.StreamChunks(),
		Response:     t.Result(),
		Error:        t.Err(),
	}, true
}

// Cancel implements task_cancel: marks the task canceled, tells the worker's
// session to abort, and returns it to ready once the abort is observed (spec
// §5). Pending chunks already appended are left intact.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	t := m.get(taskID)
	if t == nil {
		return &TaskError{Kind: ErrConfigInvalid, Message: "unknown task id"}
	}

	if !t.finish(StatusCanceled, "", &TaskError{Kind: ErrTaskCanceled, Message: "canceled by caller"}) {
		return nil // already terminal; task_cancel is idempotent
	}
	m.publish(bus.TopicTaskCanceled, bus.TaskPayload{TaskID: t.ID, WorkerID: t.WorkerID, Status: string(StatusCanceled)})

	if t.WorkerID == "" || t.sessionID == "" {
		return nil
	}
	w, ok := m.pool.Get(t.WorkerID)
	if !ok {
		return nil
	}
	client := m.newClient(w.ServerURL)
	if err := client.Cancel(ctx, t.sessionID, "task_cancel"); err != nil {
		m.log.Warn("failed to send abort to worker", zap.String("task_id", taskID), zap.Error(err))
	}
	return nil
}

func (m *Manager) fail(t *Task, kind ErrorKind, message, hint string) {
	if t.finish(StatusFailed, "", &TaskError{Kind: kind, Message: message, Hint: hint}) {
		m.publish(bus.TopicTaskFailed, bus.TaskPayload{TaskID: t.ID, WorkerID: t.WorkerID, Status: string(StatusFailed), Error: message})
	}
}

func (m *Manager) publish(topic bus.Topic, payload bus.TaskPayload) {
	m.bus.Publish(topic, bus.NewEvent(topic, payload))
}

func (m *Manager) store(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
}

func (m *Manager) get(taskID string) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[taskID]
}

func (m *Manager) setCurrent(profileID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workerTask[profileID] = taskID
}

func (m *Manager) clearCurrent(profileID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workerTask[profileID] == taskID {
		delete(m.workerTask, profileID)
	}
}

func (m *Manager) resolveTask(workerID, taskID string) *Task {
	if taskID != "" {
		if t := m.get(taskID); t != nil {
			return t
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.workerTask[workerID]; ok {
		return m.tasks[id]
	}
	return nil
}

// semaphoreFor returns profileID's single-slot FIFO queue, creating it
// pre-filled (unlocked) on first use, so at most one prompt is in flight per
// worker at a time (spec §5).
func (m *Manager) semaphoreFor(profileID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.workerSem[profileID]
	if !ok {
		sem = make(chan struct{}, 1)
		sem <- struct{}{}
		m.workerSem[profileID] = sem
	}
	return sem
}

func (m *Manager) newTaskID() string {
	return uuid.New().String()
}

func snapshot(t *Task) AwaitResult {
	var duration int64
	if !t.StartedAt.IsZero() {
		end := t.FinishedAt
		if end.IsZero() {
			end = time.Now()
		}
		duration = end.Sub(t.StartedAt).Milliseconds()
	}
	return AwaitResult{
		Status:     t.Status(),
		Response:   t.Result(),
		DurationMs: duration,
		Error:      t.Err(),
	}
}

func needsVision(atts []Attachment) bool {
	for _, a := range atts {
		if a.Type == AttachmentImage {
			return true
		}
	}
	return false
}

func classifyEnsureErr(err error) ErrorKind {
	var incompatible *pool.ErrIncompatibleWorker
	if errors.As(err, &incompatible) {
		return ErrIncompatibleWorker
	}
	var portInUse *pool.ErrPortInUse
	if errors.As(err, &portInUse) {
		return ErrPortInUse
	}
	if errors.Is(err, lock.ErrLockTimeout) {
		return ErrLockTimeout
	}
	return ErrSpawnTimeout
}

func modelCatalogHint(err error) string {
	if res, ok := err.(*modelcatalog.ResolutionError); ok && len(res.Suggestions) > 0 {
		return "did you mean: " + joinStrings(res.Suggestions)
	}
	return ""
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
