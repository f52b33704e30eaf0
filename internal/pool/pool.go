// Package pool implements the Worker Pool / Registry: a thread-safe
// profileId -> WorkerInstance map that is the sole mutator of worker state
// and the sole source of worker.* events.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentcore/core/internal/common/logger"
	"github.com/agentcore/core/internal/events/bus"
	"github.com/agentcore/core/internal/lock"
	"github.com/agentcore/core/internal/profile"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Status is a WorkerInstance's position in the spawn/health FSM. Transitions
// are monotone: starting -> ready -> (busy <-> ready)* -> stopped|error.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusBusy     Status = "busy"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// LastResult summarizes the worker's most recently completed task.
type LastResult struct {
	Response string
	Report   string
	Duration time.Duration
}

// WorkerInstance is the runtime, mutable record for one live worker. Exactly
// one exists per profile id at any time (spec §3's invariant); the Pool is
// its sole owner and mutator.
type WorkerInstance struct {
	ProfileID       string
	PID             int  // 0 if absent (agent backend)
	ContainerID     string
	Port            int
	ServerURL       string
	SessionID       string
	ParentSessionID string
	Status          Status
	ResolvedModel   string
	ModelReason     string
	StartedAt       time.Time
	LastActivity    time.Time
	CurrentTask     string
	LastResult      *LastResult
	Error           string
	Warning         string

	Capabilities profile.Capabilities
}

// Backend is what a Worker Backend (server or agent) must provide to the
// Pool so it can spawn, probe, and stop workers without knowing the spawn
// strategy.
type Backend interface {
	// Spawn creates a new worker for p pinned to resolvedModel and returns
	// its initial WorkerInstance (status ready once the readiness probe
	// succeeds).
	Spawn(ctx context.Context, p profile.WorkerProfile, resolvedModel, modelReason string) (*WorkerInstance, error)
	// HealthCheck pings the worker; a non-nil error counts as one consecutive
	// failure toward the three-strikes quarantine rule (spec §4.4.3).
	HealthCheck(ctx context.Context, w *WorkerInstance) error
	// Stop terminates the worker (SIGTERM/grace/SIGKILL for a process,
	// container stop/kill for a containerized one).
	Stop(ctx context.Context, w *WorkerInstance, grace time.Duration) error
}

// EnsureOptions controls Pool.ensure's reuse-vs-respawn decision.
type EnsureOptions struct {
	RequestedModel string // already-resolved "provider/model"; empty = keep current
	ModelReason    string
	NeedsVision    bool
	ForceNew       bool
}

// ErrIncompatibleWorker is returned by Ensure when a running worker exists
// but its model or capability envelope does not satisfy the task and the
// caller did not pass ForceNew (spec §4.4.3).
type ErrIncompatibleWorker struct {
	ProfileID string
	Reason    string
}

func (e *ErrIncompatibleWorker) Error() string {
	return fmt.Sprintf("worker %q is incompatible with the request: %s", e.ProfileID, e.Reason)
}

// ErrPortInUse is returned by a Backend.Spawn when a profile's pinned port
// is already held by a different profile (spec §4.4.1, §5 shared resource 3).
type ErrPortInUse struct {
	ProfileID string
	Port      int
	Reason    string
}

func (e *ErrPortInUse) Error() string {
	return fmt.Sprintf("port %d for profile %q is unavailable: %s", e.Port, e.ProfileID, e.Reason)
}

// PersistedWorkerSnapshot is one row from the read-only state reader (spec §6).
type PersistedWorkerSnapshot struct {
	ProfileID     string
	LastModel     string
	LastServerURL string
	LastSeenAt    time.Time
}

type spawnWaiter struct {
	done chan struct{}
	inst *WorkerInstance
	err  error
}

// Pool is the thread-safe profileId -> WorkerInstance registry.
type Pool struct {
	backend func(profile.Kind) Backend
	locks   *lock.Manager
	eventBus bus.Bus
	log     *logger.Logger

	mu       sync.Mutex
	instances map[string]*WorkerInstance
	spawning  map[string]*spawnWaiter
	healthFailures map[string]int
}

// New creates a Pool. backendFor resolves which Backend implementation
// handles a profile of the given Kind (server vs subagent).
func New(backendFor func(profile.Kind) Backend, locks *lock.Manager, eventBus bus.Bus, log *logger.Logger) *Pool {
	return &Pool{
		backend:        backendFor,
		locks:          locks,
		eventBus:       eventBus,
		log:            log,
		instances:      make(map[string]*WorkerInstance),
		spawning:       make(map[string]*spawnWaiter),
		healthFailures: make(map[string]int),
	}
}

// Get returns the current instance for profileID, if any.
func (p *Pool) Get(profileID string) (*WorkerInstance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.instances[profileID]
	return w, ok
}

// List returns a snapshot of every tracked instance.
func (p *Pool) List() []*WorkerInstance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*WorkerInstance, 0, len(p.instances))
	for _, w := range p.instances {
		out = append(out, w)
	}
	return out
}

// Hydrate rehydrates instance metadata from a previously persisted snapshot
// without respawning anything (spec §4.5). Hydrated instances start in
// StatusStopped; the next Ensure call for that profile respawns normally.
func (p *Pool) Hydrate(snapshots []PersistedWorkerSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range snapshots {
		if _, exists := p.instances[s.ProfileID]; exists {
			continue
		}
		p.instances[s.ProfileID] = &WorkerInstance{
			ProfileID:     s.ProfileID,
			ResolvedModel: s.LastModel,
			ServerURL:     s.LastServerURL,
			Status:        StatusStopped,
			LastActivity:  s.LastSeenAt,
		}
	}
}

// Ensure returns the running worker for prof.ID, spawning one if absent and
// reusing a compatible one if present. Concurrent callers for the same
// profile id collapse onto a single in-flight spawn (spec §4.5, §8's
// round-trip property).
func (p *Pool) Ensure(ctx context.Context, prof profile.WorkerProfile, opts EnsureOptions) (*WorkerInstance, error) {
	p.mu.Lock()
	if existing, ok := p.instances[prof.ID]; ok && existing.Status != StatusError && existing.Status != StatusStopped {
		if !opts.ForceNew {
			if compatible, reason := isCompatible(existing, opts); compatible {
				p.mu.Unlock()
				return existing, nil
			} else {
				p.mu.Unlock()
				return nil, &ErrIncompatibleWorker{ProfileID: prof.ID, Reason: reason}
			}
		}
	}
	if waiter, ok := p.spawning[prof.ID]; ok {
		p.mu.Unlock()
		<-waiter.done
		return waiter.inst, waiter.err
	}

	waiter := &spawnWaiter{done: make(chan struct{})}
	p.spawning[prof.ID] = waiter
	p.mu.Unlock()

	inst, err := p.spawn(ctx, prof, opts)

	p.mu.Lock()
	delete(p.spawning, prof.ID)
	if err == nil {
		p.instances[prof.ID] = inst
	}
	p.mu.Unlock()

	waiter.inst, waiter.err = inst, err
	close(waiter.done)
	return inst, err
}

func isCompatible(w *WorkerInstance, opts EnsureOptions) (bool, string) {
	if opts.RequestedModel != "" && w.ResolvedModel != opts.RequestedModel {
		return false, fmt.Sprintf("resolved model %q does not match requested %q", w.ResolvedModel, opts.RequestedModel)
	}
	if opts.NeedsVision && !w.Capabilities.SupportsVision {
		return false, "task requires vision support the worker's profile does not provide"
	}
	return true, ""
}

// spawnLockTimeout bounds how long a caller waits to acquire a profile's
// spawn lock before failing with lock.ErrLockTimeout (spec §4.1).
const spawnLockTimeout = 30 * time.Second

func (p *Pool) spawn(ctx context.Context, prof profile.WorkerProfile, opts EnsureOptions) (*WorkerInstance, error) {
	var inst *WorkerInstance
	err := p.locks.WithLock(ctx, prof.ID, spawnLockTimeout, func() error {
		var spawnErr error
		b := p.backend(prof.Kind)
		resolvedModel, reason := opts.RequestedModel, opts.ModelReason
		inst, spawnErr = b.Spawn(ctx, prof, resolvedModel, reason)
		return spawnErr
	})
	if err != nil {
		p.publish(bus.TopicWorkerError, prof.ID, StatusError, err.Error())
		return nil, err
	}
	p.publish(bus.TopicWorkerSpawned, prof.ID, inst.Status, "")
	if inst.Status == StatusReady {
		p.publish(bus.TopicWorkerReady, prof.ID, inst.Status, "")
	}
	return inst, nil
}

// UpdateStatus transitions profileID's instance to newStatus and emits the
// corresponding event. Every mutation to a WorkerInstance goes through here
// or through Ensure/Stop, never directly (spec §4.5).
func (p *Pool) UpdateStatus(profileID string, newStatus Status, errMsg string) {
	p.mu.Lock()
	w, ok := p.instances[profileID]
	if !ok {
		p.mu.Unlock()
		return
	}
	w.Status = newStatus
	w.LastActivity = time.Now()
	if errMsg != "" {
		w.Error = errMsg
	}
	p.mu.Unlock()

	topic := statusTopic(newStatus)
	p.publish(topic, profileID, newStatus, errMsg)
}

// SetCurrentTask records which task id, if any, currently owns profileID's
// worker. The Task Manager calls this around dispatch/completion so
// task_list's workers view can surface it; it is not itself a status
// transition and emits no event.
func (p *Pool) SetCurrentTask(profileID, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.instances[profileID]; ok {
		w.CurrentTask = taskID
	}
}

func statusTopic(s Status) bus.Topic {
	switch s {
	case StatusReady:
		return bus.TopicWorkerReady
	case StatusBusy:
		return bus.TopicWorkerBusy
	case StatusError:
		return bus.TopicWorkerError
	case StatusStopped:
		return bus.TopicWorkerStopped
	default:
		return bus.TopicWorkerSpawned
	}
}

func (p *Pool) publish(topic bus.Topic, profileID string, status Status, errMsg string) {
	p.mu.Lock()
	w := p.instances[profileID]
	p.mu.Unlock()
	resolvedModel := ""
	if w != nil {
		resolvedModel = w.ResolvedModel
	}
	p.eventBus.Publish(topic, bus.NewEvent(topic, bus.WorkerPayload{
		ProfileID:     profileID,
		Status:        string(status),
		ResolvedModel: resolvedModel,
		Error:         errMsg,
	}))
}

// Stop stops profileID's worker and removes it from the pool.
func (p *Pool) Stop(ctx context.Context, profileID string, backendFor func(profile.Kind) Backend, kind profile.Kind, grace time.Duration) error {
	p.mu.Lock()
	w, ok := p.instances[profileID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	b := backendFor(kind)
	if err := b.Stop(ctx, w, grace); err != nil {
		p.log.Warn("error stopping worker", zap.String("profile_id", profileID), zap.Error(err))
	}

	p.mu.Lock()
	delete(p.instances, profileID)
	p.mu.Unlock()

	p.eventBus.Publish(bus.TopicWorkerStopped, bus.NewEvent(bus.TopicWorkerStopped, bus.WorkerPayload{
		ProfileID: profileID,
		Status:    string(StatusStopped),
	}))
	return nil
}

// StopAll stops every tracked worker in parallel, returning the first error
// encountered (if any), via golang.org/x/sync/errgroup.
func (p *Pool) StopAll(ctx context.Context, backendFor func(profile.Kind) Backend, kindFor func(profileID string) profile.Kind, grace time.Duration) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.instances))
	for id := range p.instances {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	return stopAllParallel(ctx, ids, func(ctx context.Context, id string) error {
		return p.Stop(ctx, id, backendFor, kindFor(id), grace)
	})
}

// stopAllParallel runs fn over ids concurrently, returning the first error.
func stopAllParallel(ctx context.Context, ids []string, fn func(ctx context.Context, id string) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return fn(ctx, id)
		})
	}
	return g.Wait()
}

// HealthCheckFailureThreshold is how many consecutive failed health checks a
// live worker tolerates before the Pool quarantines it (spec §4.4.3).
const HealthCheckFailureThreshold = 3

// healthCheckTimeout bounds a single probe so one unreachable worker cannot
// stall the rest of a sweep.
const healthCheckTimeout = 5 * time.Second

// RunHealthChecks pings every ready or busy worker every interval via its
// Backend.HealthCheck, and quarantines any worker that fails
// HealthCheckFailureThreshold consecutive checks: its status becomes error
// and its Backend.Stop is called (the instance stays in the pool). It
// blocks until ctx is canceled; callers run it in its own goroutine.
func (p *Pool) RunHealthChecks(ctx context.Context, interval time.Duration, backendFor func(profile.Kind) Backend, kindFor func(profileID string) profile.Kind) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepHealth(ctx, backendFor, kindFor)
		}
	}
}

func (p *Pool) sweepHealth(ctx context.Context, backendFor func(profile.Kind) Backend, kindFor func(profileID string) profile.Kind) {
	p.mu.Lock()
	live := make([]*WorkerInstance, 0, len(p.instances))
	for _, w := range p.instances {
		if w.Status == StatusReady || w.Status == StatusBusy {
			live = append(live, w)
		}
	}
	p.mu.Unlock()

	for _, w := range live {
		b := backendFor(kindFor(w.ProfileID))
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := b.HealthCheck(checkCtx, w)
		cancel()

		if err == nil {
			p.mu.Lock()
			delete(p.healthFailures, w.ProfileID)
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		p.healthFailures[w.ProfileID]++
		failures := p.healthFailures[w.ProfileID]
		p.mu.Unlock()

		p.log.Debug("worker health check failed",
			zap.String("profile_id", w.ProfileID), zap.Int("failures", failures), zap.Error(err))
		if failures < HealthCheckFailureThreshold {
			continue
		}

		p.log.Warn("quarantining unreachable worker after repeated health check failures",
			zap.String("profile_id", w.ProfileID), zap.Int("failures", failures))
		p.UpdateStatus(w.ProfileID, StatusError, fmt.Sprintf(
			"worker unreachable after %d consecutive health check failures: %v", failures, err))
		_ = b.Stop(ctx, w, 5*time.Second)

		p.mu.Lock()
		delete(p.healthFailures, w.ProfileID)
		p.mu.Unlock()
	}
}
