// Package lock implements the Profile Lock: a cross-process advisory lock
// keyed by profile id, serializing spawn attempts across concurrent callers
// and across orchestrator instances on the same host.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/agentcore/core/internal/common/logger"
	"github.com/agentcore/core/internal/procprobe"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// ErrLockTimeout is returned by Acquire when the deadline elapses before the
// lock is obtained (spec §7's LockTimeout).
var ErrLockTimeout = errors.New("lock: timed out waiting to acquire profile lock")

// Releaser releases a previously acquired lock. Calling it more than once is
// a no-op.
type Releaser func()

// Manager hands out per-profile-id file locks under runtimeDir.
type Manager struct {
	runtimeDir  string
	staleGrace  time.Duration
	probe       *procprobe.Probe
	log         *logger.Logger

	mu    sync.Mutex
	held  map[string]*flock.Flock
}

// New creates a Manager. runtimeDir is created on first use if absent.
func New(runtimeDir string, staleGrace time.Duration, probe *procprobe.Probe, log *logger.Logger) *Manager {
	return &Manager{
		runtimeDir: runtimeDir,
		staleGrace: staleGrace,
		probe:      probe,
		log:        log,
		held:       make(map[string]*flock.Flock),
	}
}

func (m *Manager) lockPath(profileID string) string {
	return filepath.Join(m.runtimeDir, fmt.Sprintf("%s.lock", profileID))
}

// Acquire blocks (bounded by timeout) until it holds the lock for
// profileID, then returns a Releaser. A lock file whose recorded holder pid
// is no longer alive is reclaimed once staleGrace has elapsed since the
// file's last modification.
func (m *Manager) Acquire(ctx context.Context, profileID string, timeout time.Duration) (Releaser, error) {
	if err := os.MkdirAll(m.runtimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	path := m.lockPath(profileID)
	fl := flock.New(path)

	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("acquiring profile lock %s: %w", profileID, err)
		}
		if locked {
			break
		}

		if m.reclaimIfStale(path) {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ErrLockTimeout
		default:
		}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		m.log.Warn("failed to stamp lock file with holder pid", zap.String("profile_id", profileID), zap.Error(err))
	}

	m.mu.Lock()
	m.held[profileID] = fl
	m.mu.Unlock()

	released := false
	var once sync.Once
	return func() {
		once.Do(func() {
			released = true
			_ = fl.Unlock()
			m.mu.Lock()
			delete(m.held, profileID)
			m.mu.Unlock()
		})
		_ = released
	}, nil
}

// WithLock runs fn while holding profileID's lock, releasing it afterward
// regardless of fn's outcome.
func (m *Manager) WithLock(ctx context.Context, profileID string, timeout time.Duration, fn func() error) error {
	release, err := m.Acquire(ctx, profileID, timeout)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// reclaimIfStale removes a lock file whose holder pid is recorded but no
// longer alive and the file is older than the stale grace period. Returns
// true if it reclaimed something, so the caller should retry immediately.
func (m *Manager) reclaimIfStale(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) < m.staleGrace {
		return false
	}

	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return false
	}
	if m.probe.IsAlive(int32(pid)) {
		return false
	}

	if err := os.Remove(path); err != nil {
		return false
	}
	m.log.Warn("reclaimed stale profile lock", zap.String("path", path), zap.Int("stale_holder_pid", pid))
	return true
}
