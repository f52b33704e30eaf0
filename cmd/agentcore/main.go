// Package main is the entry point for the agentcore orchestrator: it wires
// the Profile Lock, Model Catalog, Profile Resolver, Worker Pool, Bridge
// Server, Event Bus, and Task Manager into a single process and exposes the
// five-tool Task API over MCP.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentcore/core/internal/backend"
	"github.com/agentcore/core/internal/bridge"
	"github.com/agentcore/core/internal/common/config"
	"github.com/agentcore/core/internal/common/logger"
	"github.com/agentcore/core/internal/common/tracing"
	"github.com/agentcore/core/internal/events/bus"
	"github.com/agentcore/core/internal/lock"
	"github.com/agentcore/core/internal/mcpserver"
	"github.com/agentcore/core/internal/modelcatalog"
	"github.com/agentcore/core/internal/persistence"
	"github.com/agentcore/core/internal/pool"
	"github.com/agentcore/core/internal/procprobe"
	"github.com/agentcore/core/internal/profile"
	"github.com/agentcore/core/internal/taskmanager"
)

// Exit codes (spec §6).
const (
	exitOK             = 0
	exitConfigInvalid  = 1
	exitBridgePortBusy = 2
	exitSIGINT         = 130
	exitSIGTERM        = 143
)

var (
	configPathFlag  = flag.String("config", "", "directory to search for config.yaml")
	mcpPortFlag     = flag.Int("mcp-port", 9090, "Task API (MCP) server port")
	runtimeBinFlag  = flag.String("runtime-binary", "opencode-runtime", "agent runtime executable invoked per server-kind worker")
	sharedAgentFlag = flag.String("shared-agent-url", "http://127.0.0.1:9191", "shared runtime URL used by subagent-kind profiles")
)

func main() {
	flag.Parse()

	// 1. Load configuration.
	cfg, err := config.LoadWithPath(*configPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(exitConfigInvalid)
	}

	// 2. Initialize logger.
	level, format, outputPath := cfg.LoggerConfig()
	log, err := logger.New(logger.Config{Level: level, Format: format, OutputPath: outputPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(exitConfigInvalid)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting agentcore orchestrator")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	code := run(ctx, cancel, sigCh, cfg, log)
	os.Exit(code)
}

// run builds and serves the full orchestrator stack, blocking until either
// the bridge fails or sigCh delivers a termination signal, and returns the
// process exit code to use.
func run(ctx context.Context, cancel context.CancelFunc, sigCh chan os.Signal, cfg *config.Config, log *logger.Logger) int {
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	// 3. Event Bus: in-process by default, NATS when a broker URL is configured.
	eventBus, closeBus, err := buildEventBus(cfg.Events, log)
	if err != nil {
		log.Error("failed to start event bus", zap.Error(err))
		return exitConfigInvalid
	}
	defer closeBus()

	// 4. Process Probe + Profile Lock.
	probe := procprobe.New()
	locks := lock.New(expandHome(cfg.Lock.RuntimeDir), cfg.Lock.StaleGracePeriod(), probe, log)

	// 5. Profile Resolver, seeded from the embedded built-in table.
	builtin, err := profile.LoadBuiltin()
	if err != nil {
		log.Error("failed to load built-in profile table", zap.Error(err))
		return exitConfigInvalid
	}
	profiles := profile.NewResolver(builtin)

	// 6. Model Catalog, fed by the shared runtime's provider listing.
	runtimeClient := modelcatalog.NewHTTPRuntimeClient(*sharedAgentFlag)
	catalog := modelcatalog.NewCatalog(runtimeClient, cfg.ModelCatalog.CacheTTL(), log)

	// 7. Bridge token: generated fresh each run, injected into every spawned
	// worker's environment and required on every Bridge request.
	bridgeToken, err := randomToken()
	if err != nil {
		log.Error("failed to generate bridge token", zap.Error(err))
		return exitConfigInvalid
	}

	// 8. Worker Backends, behind a single backendFor(kind) seam the Pool and
	// Task Manager use without knowing the spawn strategy.
	var dockerRuntime *backend.DockerRuntime
	if cfg.Docker.Enabled {
		dockerRuntime, err = backend.NewDockerRuntime(cfg.Docker, log)
		if err != nil {
			log.Error("failed to connect to docker", zap.Error(err))
			return exitConfigInvalid
		}
		defer func() { _ = dockerRuntime.Close() }()
	}

	ports := backend.NewPortAllocator(20000, 29999)
	bridgeURL := fmt.Sprintf("http://%s:%d", cfg.Bridge.Host, cfg.Bridge.Port)
	serverBackend := backend.NewServerBackend(backend.ServerConfig{
		Bridge: backend.BridgeInfo{
			URL:       bridgeURL,
			Token:     bridgeToken,
			TimeoutMS: int(cfg.Bridge.RequestTimeoutDuration().Milliseconds()),
		},
		RuntimeBinary:  *runtimeBinFlag,
		ContainerImage: fmt.Sprintf("agentcore/%s:latest", *runtimeBinFlag),
		NetworkName:    cfg.Docker.Network,
		SpawnTimeout:   cfg.Pool.SpawnTimeout(),
	}, ports, dockerRuntime, log)
	agentBackend := backend.NewAgentBackend(*sharedAgentFlag, log)

	backendFor := func(kind profile.Kind) pool.Backend {
		if kind == profile.KindSubagent {
			return agentBackend
		}
		return serverBackend
	}
	kindFor := func(profileID string) profile.Kind {
		p, err := profiles.Resolve(profileID)
		if err != nil {
			return profile.KindServer
		}
		return p.Kind
	}

	// 9. Worker Pool, hydrated from the read-only persisted-state snapshot.
	workerPool := pool.New(backendFor, locks, eventBus, log)
	if snapshots, err := persistence.LoadWorkerSnapshots(expandHome(cfg.Persistence.SnapshotPath), log); err != nil {
		log.Warn("skipping worker snapshot hydration", zap.Error(err))
	} else {
		workerPool.Hydrate(snapshots)
	}
	go workerPool.RunHealthChecks(ctx, cfg.Pool.HealthCheckInterval(), backendFor, kindFor)

	// 10. Task Manager, the sole owner of Task state.
	taskMgr := taskmanager.New(workerPool, profiles, catalog, eventBus, nil, log)

	// 11. Bridge Server: the loopback surface workers call back into.
	bridgeSrv := bridge.New(bridge.Config{
		Host:           cfg.Bridge.Host,
		Port:           cfg.Bridge.Port,
		Token:          bridgeToken,
		RequestTimeout: cfg.Bridge.RequestTimeoutDuration(),
		Diagnostics:    cfg.Bridge.Diagnostics,
	}, taskMgr.HandleChunk, taskMgr.HandleEvent, log)

	if busy, err := portBusy(cfg.Bridge.Host, cfg.Bridge.Port); err != nil || busy {
		log.Error("bridge port unavailable", zap.Int("port", cfg.Bridge.Port), zap.Error(err))
		return exitBridgePortBusy
	}

	bridgeErrs := make(chan error, 1)
	go func() { bridgeErrs <- bridgeSrv.Start() }()

	// 12. Task API (MCP) server, backed by the Task Manager.
	mcpSrv, stopMCP, err := mcpserver.Provide(ctx, mcpserver.Config{Port: *mcpPortFlag}, taskMgr, log)
	if err != nil {
		log.Error("failed to start MCP server", zap.Error(err))
		_ = bridgeSrv.Shutdown(2 * time.Second)
		return exitConfigInvalid
	}
	log.Info("task API ready",
		zap.String("sse_endpoint", mcpSrv.SSEEndpoint()),
		zap.String("streamable_http_endpoint", mcpSrv.StreamableHTTPEndpoint()))

	// 13. Block until a bridge failure or a termination signal arrives.
	var exitCode int
	select {
	case err := <-bridgeErrs:
		log.Error("bridge server exited", zap.Error(err))
		exitCode = exitBridgePortBusy
	case sig := <-sigCh:
		cancel()
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		if sig == syscall.SIGTERM {
			exitCode = exitSIGTERM
		} else {
			exitCode = exitSIGINT
		}
	}

	// 14. Graceful shutdown: stop workers before the surfaces they talk to.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Pool.ShutdownGrace()+5*time.Second)
	defer cancelShutdown()

	taskMgr.Shutdown()
	if err := workerPool.StopAll(shutdownCtx, backendFor, kindFor, cfg.Pool.ShutdownGrace()); err != nil {
		log.Warn("error stopping workers", zap.Error(err))
	}
	agentBackend.Close()
	if err := stopMCP(); err != nil {
		log.Warn("error stopping MCP server", zap.Error(err))
	}
	if err := bridgeSrv.Shutdown(5 * time.Second); err != nil {
		log.Warn("error stopping bridge server", zap.Error(err))
	}

	log.Info("agentcore orchestrator stopped")
	return exitCode
}

func buildEventBus(cfg config.EventsConfig, log *logger.Logger) (bus.Bus, func(), error) {
	if cfg.BrokerURL == "" {
		mem := bus.NewMemory(cfg.SubscriberBuffer, cfg.RollingBuffer, log)
		return mem, mem.Close, nil
	}
	nb, err := bus.DialNATS(cfg.BrokerURL, cfg.SubscriberBuffer, cfg.RollingBuffer, log)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing nats broker %s: %w", cfg.BrokerURL, err)
	}
	return nb, nb.Close, nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}

// portBusy checks whether the bridge's configured port is already taken,
// so a conflict is reported with exitBridgePortBusy before any worker
// depends on reaching it.
func portBusy(host string, port int) (bool, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return true, nil
	}
	_ = l.Close()
	return false, nil
}

