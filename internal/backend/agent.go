package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/agentcore/core/internal/common/logger"
	"github.com/agentcore/core/internal/pool"
	"github.com/agentcore/core/internal/profile"
	"go.uber.org/zap"
)

// AgentBackend spawns subagent-kind profiles as child sessions under a
// single shared runtime process, rather than one process per profile.
// The parent session on the shared runtime is established lazily on first
// use; the runtime process itself is not started by this backend.
type AgentBackend struct {
	sharedURL string
	log       *logger.Logger

	mu      sync.Mutex
	shared  *SessionClient
	parent  string // parent session id, once established
	started bool
}

// NewAgentBackend creates an AgentBackend bound to a runtime already
// reachable at sharedURL (e.g. started by the orchestrator at boot).
func NewAgentBackend(sharedURL string, log *logger.Logger) *AgentBackend {
	return &AgentBackend{
		sharedURL: sharedURL,
		log:       log.WithFields(zap.String("component", "agent-backend")),
	}
}

func (b *AgentBackend) ensureParentSession(ctx context.Context) (*SessionClient, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return b.shared, b.parent, nil
	}

	client := NewSessionClient(b.sharedURL, b.log)
	if err := client.Health(ctx); err != nil {
		return nil, "", fmt.Errorf("shared agent runtime not reachable at %s: %w", b.sharedURL, err)
	}
	if _, err := client.Initialize(ctx, "agentcore", "1.0.0"); err != nil {
		return nil, "", fmt.Errorf("initializing shared runtime session: %w", err)
	}
	parentID, err := client.NewSession(ctx, "/workspace")
	if err != nil {
		return nil, "", fmt.Errorf("creating parent session on shared runtime: %w", err)
	}

	if err := client.StreamUpdates(ctx, func(n acp.SessionNotification) {
		b.log.Debug("acp session update", zap.String("parent_session_id", parentID))
	}); err != nil {
		b.log.Warn("failed to open ACP update stream for shared runtime", zap.Error(err))
	}

	b.shared = client
	b.parent = parentID
	b.started = true
	return client, parentID, nil
}

// Close tears down the shared runtime session's update stream. Call once at
// process shutdown; the shared runtime process itself is managed externally.
func (b *AgentBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shared != nil {
		b.shared.Close()
	}
}

// Spawn creates a child session under the shared runtime for p. Satisfies
// pool.Backend. Subagent workers never get their own process, port, or
// container; PID/Port/ContainerID stay zero.
func (b *AgentBackend) Spawn(ctx context.Context, p profile.WorkerProfile, resolvedModel, modelReason string) (*pool.WorkerInstance, error) {
	client, parentID, err := b.ensureParentSession(ctx)
	if err != nil {
		return nil, err
	}

	childID, err := client.NewSession(ctx, "/workspace")
	if err != nil {
		return nil, fmt.Errorf("creating child session for %s: %w", p.ID, err)
	}

	return &pool.WorkerInstance{
		ProfileID:       p.ID,
		ServerURL:       b.sharedURL,
		SessionID:       childID,
		ParentSessionID: parentID,
		Status:          pool.StatusReady,
		ResolvedModel:   resolvedModel,
		ModelReason:     modelReason,
		StartedAt:       time.Now(),
		LastActivity:    time.Now(),
		Capabilities:    p.Capabilities,
	}, nil
}

// HealthCheck pings the shared runtime (not the individual child session,
// which has no independent liveness signal). Satisfies pool.Backend.
func (b *AgentBackend) HealthCheck(ctx context.Context, w *pool.WorkerInstance) error {
	b.mu.Lock()
	client := b.shared
	b.mu.Unlock()
	if client == nil {
		return fmt.Errorf("shared agent runtime not started")
	}
	return client.Health(ctx)
}

// Stop cancels the child session's in-flight turn, if any; the shared
// runtime process itself outlives any single subagent worker. Satisfies
// pool.Backend.
func (b *AgentBackend) Stop(ctx context.Context, w *pool.WorkerInstance, grace time.Duration) error {
	b.mu.Lock()
	client := b.shared
	b.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Cancel(ctx, w.SessionID, "worker stopped")
}
