package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentcore/core/internal/common/logger"
	"github.com/agentcore/core/internal/events/bus"
	"github.com/agentcore/core/internal/lock"
	"github.com/agentcore/core/internal/procprobe"
	"github.com/agentcore/core/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	spawnCount int32
	spawnDelay time.Duration
	failSpawn  bool
}

func (f *fakeBackend) Spawn(ctx context.Context, p profile.WorkerProfile, resolvedModel, reason string) (*WorkerInstance, error) {
	atomic.AddInt32(&f.spawnCount, 1)
	if f.spawnDelay > 0 {
		time.Sleep(f.spawnDelay)
	}
	if f.failSpawn {
		return nil, assertErr
	}
	return &WorkerInstance{
		ProfileID:     p.ID,
		Status:        StatusReady,
		ResolvedModel: resolvedModel,
		ModelReason:   reason,
		StartedAt:     time.Now(),
	}, nil
}

func (f *fakeBackend) HealthCheck(ctx context.Context, w *WorkerInstance) error { return nil }

func (f *fakeBackend) Stop(ctx context.Context, w *WorkerInstance, grace time.Duration) error {
	return nil
}

var assertErr = &ErrIncompatibleWorker{ProfileID: "fixture", Reason: "forced spawn failure"}

func newTestPool(t *testing.T, backend Backend) (*Pool, bus.Bus) {
	t.Helper()
	b := bus.NewMemory(16, 8, logger.Default())
	lm := lock.New(t.TempDir(), time.Second, procprobe.New(), logger.Default())
	p := New(func(profile.Kind) Backend { return backend }, lm, b, logger.Default())
	return p, b
}

func testProfile(id string) profile.WorkerProfile {
	return profile.WorkerProfile{ID: id, Kind: profile.KindServer}
}

func TestEnsureSpawnsOnceThenReuses(t *testing.T) {
	backend := &fakeBackend{}
	p, _ := newTestPool(t, backend)

	prof := testProfile("coder")
	w1, err := p.Ensure(context.Background(), prof, EnsureOptions{RequestedModel: "providerX/modelY"})
	require.NoError(t, err)
	assert.Equal(t, StatusReady, w1.Status)

	w2, err := p.Ensure(context.Background(), prof, EnsureOptions{RequestedModel: "providerX/modelY"})
	require.NoError(t, err)
	assert.Same(t, w1, w2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&backend.spawnCount))
}

func TestEnsureConcurrentCallersCollapseToOneSpawn(t *testing.T) {
	backend := &fakeBackend{spawnDelay: 50 * time.Millisecond}
	p, _ := newTestPool(t, backend)
	prof := testProfile("coder")

	const n = 8
	results := make(chan *WorkerInstance, n)
	for i := 0; i < n; i++ {
		go func() {
			w, err := p.Ensure(context.Background(), prof, EnsureOptions{})
			require.NoError(t, err)
			results <- w
		}()
	}

	var first *WorkerInstance
	for i := 0; i < n; i++ {
		w := <-results
		if first == nil {
			first = w
		} else {
			assert.Same(t, first, w)
		}
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&backend.spawnCount))
}

func TestEnsureReturnsIncompatibleWorkerWithoutForceNew(t *testing.T) {
	backend := &fakeBackend{}
	p, _ := newTestPool(t, backend)
	prof := testProfile("coder")

	_, err := p.Ensure(context.Background(), prof, EnsureOptions{RequestedModel: "providerX/modelY"})
	require.NoError(t, err)

	_, err = p.Ensure(context.Background(), prof, EnsureOptions{RequestedModel: "providerZ/modelBig"})
	require.Error(t, err)
	var incompatible *ErrIncompatibleWorker
	require.ErrorAs(t, err, &incompatible)
}

func TestUpdateStatusPublishesEvent(t *testing.T) {
	backend := &fakeBackend{}
	p, eb := newTestPool(t, backend)
	prof := testProfile("coder")

	_, err := p.Ensure(context.Background(), prof, EnsureOptions{})
	require.NoError(t, err)

	sub := eb.Subscribe("worker.>")
	defer sub.Unsubscribe()

	p.UpdateStatus("coder", StatusBusy, "")
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Topic != bus.TopicWorkerBusy {
				continue // worker.spawned/worker.ready from Ensure, replayed on Subscribe
			}
			payload, ok := ev.Payload.(bus.WorkerPayload)
			require.True(t, ok)
			assert.Equal(t, "coder", payload.ProfileID)
			assert.Equal(t, string(StatusBusy), payload.Status)
			return
		case <-deadline:
			t.Fatal("expected a worker.busy event")
		}
	}
}

func TestHydrateDoesNotOverwriteLiveInstance(t *testing.T) {
	backend := &fakeBackend{}
	p, _ := newTestPool(t, backend)
	prof := testProfile("coder")

	w, err := p.Ensure(context.Background(), prof, EnsureOptions{})
	require.NoError(t, err)

	p.Hydrate([]PersistedWorkerSnapshot{{ProfileID: "coder", LastModel: "stale/model"}})

	got, ok := p.Get("coder")
	require.True(t, ok)
	assert.Same(t, w, got)
}
