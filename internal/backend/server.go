package backend

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/agentcore/core/internal/common/logger"
	"github.com/agentcore/core/internal/pool"
	"github.com/agentcore/core/internal/profile"
	"go.uber.org/zap"
)

// BridgeInfo is what a server worker needs injected to reach the Bridge.
type BridgeInfo struct {
	URL        string
	Token      string
	TimeoutMS  int
}

// ServerConfig configures a ServerBackend.
type ServerConfig struct {
	Bridge          BridgeInfo
	RuntimeBinary   string // path to the agent-runtime executable
	ContainerImage  string // image used when Isolation == IsolationContainer
	NetworkName     string
	SpawnTimeout    time.Duration
	ReadinessPoll   time.Duration
}

// ServerBackend spawns each profile as a dedicated process or container.
type ServerBackend struct {
	cfg    ServerConfig
	ports  *PortAllocator
	docker *DockerRuntime
	log    *logger.Logger

	procs   map[string]*os.Process
	clients map[string]*SessionClient
}

// NewServerBackend creates a ServerBackend. docker may be nil if no profile
// requests container isolation.
func NewServerBackend(cfg ServerConfig, ports *PortAllocator, docker *DockerRuntime, log *logger.Logger) *ServerBackend {
	if cfg.SpawnTimeout == 0 {
		cfg.SpawnTimeout = 30 * time.Second
	}
	if cfg.ReadinessPoll == 0 {
		cfg.ReadinessPoll = 200 * time.Millisecond
	}
	return &ServerBackend{
		cfg:     cfg,
		ports:   ports,
		docker:  docker,
		log:     log.WithFields(zap.String("component", "server-backend")),
		procs:   make(map[string]*os.Process),
		clients: make(map[string]*SessionClient),
	}
}

// Spawn starts a new worker for p, waits for readiness, and creates its ACP
// session. Satisfies pool.Backend.
func (b *ServerBackend) Spawn(ctx context.Context, p profile.WorkerProfile, resolvedModel, modelReason string) (*pool.WorkerInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.SpawnTimeout)
	defer cancel()

	var port int
	if p.Port != 0 {
		reserved, rerr := b.ports.ReservePort(p.Port, p.ID)
		if rerr != nil {
			return nil, &pool.ErrPortInUse{ProfileID: p.ID, Port: p.Port, Reason: rerr.Error()}
		}
		port = reserved
	} else {
		freed, ferr := freeLoopbackPort()
		if ferr != nil {
			return nil, fmt.Errorf("allocating port for %s: %w", p.ID, ferr)
		}
		port = freed
	}

	env := b.buildEnv(p, port)

	var (
		containerID string
		pid         int
	)
	switch p.Isolation {
	case profile.IsolationContainer:
		if b.docker == nil {
			return nil, fmt.Errorf("profile %s requests container isolation but docker is not configured", p.ID)
		}
		id, err := b.docker.CreateAndStart(ctx, ContainerConfig{
			Name:        fmt.Sprintf("worker-%s", p.ID),
			Image:       b.cfg.ContainerImage,
			Cmd:         []string{b.cfg.RuntimeBinary},
			Env:         env,
			NetworkName: b.cfg.NetworkName,
			Labels:      map[string]string{"agentcore.profile": p.ID},
		})
		if err != nil {
			return nil, err
		}
		containerID = id
	default:
		proc, err := b.spawnProcess(p, env)
		if err != nil {
			return nil, err
		}
		pid = proc.Pid
		b.procs[p.ID] = proc
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	if containerID != "" && b.docker != nil {
		if ip, err := b.docker.ContainerIP(ctx, containerID, b.cfg.NetworkName); err == nil && ip != "" {
			serverURL = fmt.Sprintf("http://%s:%d", ip, port)
		}
	}

	client := NewSessionClient(serverURL, b.log)
	if err := b.waitForReady(ctx, client); err != nil {
		b.killWorker(p.ID, containerID, port)
		return nil, fmt.Errorf("worker %s failed readiness probe: %w", p.ID, err)
	}

	info, err := client.Initialize(ctx, "agentcore", "1.0.0")
	if err != nil {
		b.killWorker(p.ID, containerID, port)
		return nil, fmt.Errorf("initializing session for %s: %w", p.ID, err)
	}
	b.log.Debug("worker runtime initialized",
		zap.String("profile_id", p.ID), zap.String("runtime_name", info.Name), zap.String("runtime_version", info.Version))

	sessionID, err := client.NewSession(ctx, "/workspace")
	if err != nil {
		b.killWorker(p.ID, containerID, port)
		return nil, fmt.Errorf("creating session for %s: %w", p.ID, err)
	}

	b.clients[p.ID] = client
	if err := client.StreamUpdates(ctx, func(n acp.SessionNotification) {
		b.log.Debug("acp session update", zap.String("profile_id", p.ID), zap.String("session_id", sessionID))
	}); err != nil {
		b.log.Warn("failed to open ACP update stream", zap.String("profile_id", p.ID), zap.Error(err))
	}

	return &pool.WorkerInstance{
		ProfileID:     p.ID,
		PID:           pid,
		ContainerID:   containerID,
		Port:          port,
		ServerURL:     serverURL,
		SessionID:     sessionID,
		Status:        pool.StatusReady,
		ResolvedModel: resolvedModel,
		ModelReason:   modelReason,
		StartedAt:     time.Now(),
		LastActivity:  time.Now(),
		Capabilities:  p.Capabilities,
	}, nil
}

func (b *ServerBackend) buildEnv(p profile.WorkerProfile, port int) []string {
	timeoutMS := b.cfg.Bridge.TimeoutMS
	if timeoutMS == 0 {
		timeoutMS = 10000
	}
	return []string{
		fmt.Sprintf("ORCH_BRIDGE_URL=%s", b.cfg.Bridge.URL),
		fmt.Sprintf("ORCH_BRIDGE_TOKEN=%s", b.cfg.Bridge.Token),
		fmt.Sprintf("ORCH_WORKER_ID=%s", p.ID),
		fmt.Sprintf("ORCH_BRIDGE_TIMEOUT_MS=%d", timeoutMS),
		fmt.Sprintf("PORT=%d", port),
	}
}

func (b *ServerBackend) spawnProcess(p profile.WorkerProfile, env []string) (*os.Process, error) {
	cmd := exec.Command(b.cfg.RuntimeBinary)
	cmd.Env = append(os.Environ(), env...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting runtime process for %s: %w", p.ID, err)
	}
	return cmd.Process, nil
}

func (b *ServerBackend) waitForReady(ctx context.Context, client *SessionClient) error {
	ticker := time.NewTicker(b.cfg.ReadinessPoll)
	defer ticker.Stop()
	for {
		if err := client.Health(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *ServerBackend) killWorker(profileID string, containerID string, port int) {
	b.ports.Release(port)
	if containerID != "" && b.docker != nil {
		_ = b.docker.Stop(context.Background(), containerID, 5*time.Second)
		return
	}
	if proc, ok := b.procs[profileID]; ok {
		_ = proc.Kill()
		delete(b.procs, profileID)
	}
}

// HealthCheck pings the worker over HTTP. Satisfies pool.Backend.
func (b *ServerBackend) HealthCheck(ctx context.Context, w *pool.WorkerInstance) error {
	client := NewSessionClient(w.ServerURL, b.log)
	return client.Health(ctx)
}

// Stop terminates the worker, preferring SIGTERM-then-grace-then-SIGKILL for
// processes and stop-then-remove for containers. Satisfies pool.Backend.
func (b *ServerBackend) Stop(ctx context.Context, w *pool.WorkerInstance, grace time.Duration) error {
	defer b.ports.Release(w.Port)
	if client, ok := b.clients[w.ProfileID]; ok {
		client.Close()
		delete(b.clients, w.ProfileID)
	}

	if w.ContainerID != "" && b.docker != nil {
		return b.docker.Stop(ctx, w.ContainerID, grace)
	}

	proc, ok := b.procs[w.ProfileID]
	if !ok {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return proc.Kill()
	}

	done := make(chan error, 1)
	go func() { _, err := proc.Wait(); done <- err }()

	select {
	case <-done:
	case <-time.After(grace):
		_ = proc.Kill()
	}
	delete(b.procs, w.ProfileID)
	return nil
}

func freeLoopbackPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
