package taskmanager

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentcore/core/internal/backend"
	"github.com/agentcore/core/internal/common/logger"
	"github.com/agentcore/core/internal/events/bus"
	"github.com/agentcore/core/internal/lock"
	"github.com/agentcore/core/internal/modelcatalog"
	"github.com/agentcore/core/internal/pool"
	"github.com/agentcore/core/internal/procprobe"
	"github.com/agentcore/core/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a pool.Backend that never touches a real process, mirroring
// the profile's declared capabilities onto the spawned instance so
// vision-compatibility checks behave like the real Worker Pool.
type fakeBackend struct {
	spawnCount int32
	failSpawn  bool
}

func (f *fakeBackend) Spawn(ctx context.Context, p profile.WorkerProfile, resolvedModel, reason string) (*pool.WorkerInstance, error) {
	atomic.AddInt32(&f.spawnCount, 1)
	if f.failSpawn {
		return nil, fmt.Errorf("forced spawn failure")
	}
	return &pool.WorkerInstance{
		ProfileID:     p.ID,
		Status:        pool.StatusReady,
		ResolvedModel: resolvedModel,
		ModelReason:   reason,
		ServerURL:     "http://127.0.0.1:0",
		SessionID:     "sess-" + p.ID,
		StartedAt:     time.Now(),
		Capabilities:  p.Capabilities,
	}, nil
}

func (f *fakeBackend) HealthCheck(ctx context.Context, w *pool.WorkerInstance) error { return nil }

func (f *fakeBackend) Stop(ctx context.Context, w *pool.WorkerInstance, grace time.Duration) error {
	return nil
}

// fakeSessionClient substitutes for the real ACP transport. onPrompt runs
// synchronously inside Prompt, which is how tests simulate the Bridge
// delivering chunks for the task before the prompt call itself returns.
type fakeSessionClient struct {
	onPrompt func(sessionID, text string, model *backend.ModelOverride) error
	onCancel func(sessionID, reason string) error
}

func (f *fakeSessionClient) Prompt(ctx context.Context, sessionID, text string, model *backend.ModelOverride) error {
	if f.onPrompt != nil {
		return f.onPrompt(sessionID, text, model)
	}
	return nil
}

func (f *fakeSessionClient) Cancel(ctx context.Context, sessionID, reason string) error {
	if f.onCancel != nil {
		return f.onCancel(sessionID, reason)
	}
	return nil
}

type fakeRuntimeClient struct {
	providers modelcatalog.Providers
	defaults  modelcatalog.RuntimeDefaults
	err       error
}

func (f *fakeRuntimeClient) FetchProviders(ctx context.Context) (modelcatalog.Providers, modelcatalog.RuntimeDefaults, error) {
	return f.providers, f.defaults, f.err
}

// fixtureProviders is a small, stable catalog fixture covering an explicit
// provider/model pair, a low-latency model for auto:fast, and a
// vision-capable model for auto:vision.
func fixtureProviders() modelcatalog.Providers {
	return modelcatalog.Providers{
		{
			ID:           "providerX",
			Source:       "configured",
			DefaultModel: "modelY",
			SmallModel:   "modelFast",
			Models: []modelcatalog.Model{
				{ID: "modelY", Name: "Model Y", Capabilities: modelcatalog.Capabilities{ToolCalling: true, ContextWindow: 200000}},
				{ID: "modelFast", Name: "Model Fast", LowLatency: true, CostPerMillionInputTokens: 0.5},
				{ID: "modelVision", Name: "Model Vision", Capabilities: modelcatalog.Capabilities{Vision: true}},
			},
		},
	}
}

func testProfileTable() profile.Table {
	return profile.Table{
		"coder": {ID: "coder", Kind: profile.KindServer, Model: "providerX/modelY"},
		"vision": {
			ID: "vision", Kind: profile.KindServer, Model: "auto:vision",
			Capabilities: profile.Capabilities{SupportsVision: true},
		},
	}
}

func newTestManager(t *testing.T, be *fakeBackend, client *fakeSessionClient) (*Manager, bus.Bus) {
	t.Helper()
	b := bus.NewMemory(16, 8, logger.Default())
	lm := lock.New(t.TempDir(), time.Second, procprobe.New(), logger.Default())
	p := pool.New(func(profile.Kind) pool.Backend { return be }, lm, b, logger.Default())
	profiles := profile.NewResolver(testProfileTable())
	rc := &fakeRuntimeClient{
		providers: fixtureProviders(),
		defaults:  modelcatalog.RuntimeDefaults{DefaultProvider: "providerX", DefaultModel: "modelY"},
	}
	catalog := modelcatalog.NewCatalog(rc, time.Minute, logger.Default())
	newClient := func(serverURL string) sessionClient { return client }
	mgr := New(p, profiles, catalog, b, newClient, logger.Default())
	return mgr, b
}

func awaitStatus(t *testing.T, mgr *Manager, taskID string, want Status, timeout time.Duration) AwaitResult {
	t.Helper()
	results := mgr.Await(context.Background(), []string{taskID}, int(timeout.Milliseconds()))
	res, ok := results[taskID]
	require.True(t, ok)
	require.Equal(t, want, res.Status, "task %s ended with error %+v", taskID, res.Error)
	return res
}

func TestStartWorkerRoundTripCompletesOnFinalChunk(t *testing.T) {
	be := &fakeBackend{}
	client := &fakeSessionClient{}
	mgr, _ := newTestManager(t, be, client)

	client.onPrompt = func(sessionID, text string, model *backend.ModelOverride) error {
		assert.Equal(t, "sess-coder", sessionID)
		assert.Equal(t, "write a function", text)
		return mgr.HandleChunk("coder", "", []byte("done."), true)
	}

	res, err := mgr.Start(context.Background(), StartRequest{
		Kind:     KindWorker,
		WorkerID: "coder",
		Prompt:   Prompt{Text: "write a function"},
	})
	require.NoError(t, err)
	assert.Equal(t, "task_await", res.Next)

	out := awaitStatus(t, mgr, res.TaskID, StatusCompleted, 2*time.Second)
	assert.Equal(t, "done.", out.Response)
	assert.EqualValues(t, 1, atomic.LoadInt32(&be.spawnCount))
}

func TestStartWorkerUnknownProfileFailsSynchronously(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeBackend{}, &fakeSessionClient{})

	_, err := mgr.Start(context.Background(), StartRequest{Kind: KindWorker, WorkerID: "nonexistent", Prompt: Prompt{Text: "hi"}})
	require.Error(t, err)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, ErrConfigInvalid, taskErr.Kind)
}

func TestStartWorkerVisionAttachmentAgainstIncapableWorkerFails(t *testing.T) {
	be := &fakeBackend{}
	client := &fakeSessionClient{}
	mgr, _ := newTestManager(t, be, client)

	client.onPrompt = func(sessionID, text string, model *backend.ModelOverride) error {
		return mgr.HandleChunk("coder", "", []byte("ok"), true)
	}

	// Warm "coder" up with a plain task first: it has no vision capability.
	first, err := mgr.Start(context.Background(), StartRequest{Kind: KindWorker, WorkerID: "coder", Prompt: Prompt{Text: "hi"}})
	require.NoError(t, err)
	awaitStatus(t, mgr, first.TaskID, StatusCompleted, 2*time.Second)

	// A second task against the same, now-live worker that needs vision
	// must route to IncompatibleWorker rather than silently dropping the
	// attachment or respawning without being asked to.
	res, err := mgr.Start(context.Background(), StartRequest{
		Kind:     KindWorker,
		WorkerID: "coder",
		Prompt: Prompt{
			Text:        "what is in this image?",
			Attachments: []Attachment{{Type: AttachmentImage, Data: "data:image/png;base64,AA=="}},
		},
	})
	require.NoError(t, err) // Start itself never blocks on a spawn

	out := awaitStatus(t, mgr, res.TaskID, StatusFailed, 2*time.Second)
	require.NotNil(t, out.Error)
	assert.Equal(t, ErrIncompatibleWorker, out.Error.Kind)
}

func TestStartWorkerVisionAttachmentAgainstCapableWorkerSucceeds(t *testing.T) {
	be := &fakeBackend{}
	client := &fakeSessionClient{}
	mgr, _ := newTestManager(t, be, client)

	client.onPrompt = func(sessionID, text string, model *backend.ModelOverride) error {
		return mgr.HandleChunk("vision", "", []byte("a cat."), true)
	}

	res, err := mgr.Start(context.Background(), StartRequest{
		Kind:     KindWorker,
		WorkerID: "vision",
		Prompt: Prompt{
			Text:        "what is in this image?",
			Attachments: []Attachment{{Type: AttachmentImage, Data: "data:image/png;base64,AA=="}},
		},
	})
	require.NoError(t, err)

	out := awaitStatus(t, mgr, res.TaskID, StatusCompleted, 2*time.Second)
	assert.Equal(t, "a cat.", out.Response)
}

func TestTenConcurrentStartsOnColdProfileSpawnExactlyOnce(t *testing.T) {
	be := &fakeBackend{}
	client := &fakeSessionClient{}
	mgr, _ := newTestManager(t, be, client)

	client.onPrompt = func(sessionID, text string, model *backend.ModelOverride) error {
		return mgr.HandleChunk(sessionIDToProfile(sessionID), "", []byte("ok"), true)
	}

	const n = 10
	taskIDs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		res, err := mgr.Start(context.Background(), StartRequest{
			Kind:     KindWorker,
			WorkerID: "coder",
			Prompt:   Prompt{Text: "hi"},
		})
		require.NoError(t, err)
		taskIDs = append(taskIDs, res.TaskID)
	}

	results := mgr.Await(context.Background(), taskIDs, 2000)
	for _, id := range taskIDs {
		assert.Equal(t, StatusCompleted, results[id].Status)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&be.spawnCount))
}

func sessionIDToProfile(sessionID string) string {
	return sessionID[len("sess-"):]
}

func TestCancelIsIdempotentAndLeavesExistingChunksIntact(t *testing.T) {
	be := &fakeBackend{}
	client := &fakeSessionClient{}
	mgr, _ := newTestManager(t, be, client)

	started := make(chan struct{})
	release := make(chan struct{})
	client.onPrompt = func(sessionID, text string, model *backend.ModelOverride) error {
		_ = mgr.HandleChunk("coder", "", []byte("partial"), false)
		close(started)
		<-release
		return nil
	}

	res, err := mgr.Start(context.Background(), StartRequest{Kind: KindWorker, WorkerID: "coder", Prompt: Prompt{Text: "hi"}})
	require.NoError(t, err)

	<-started
	require.NoError(t, mgr.Cancel(context.Background(), res.TaskID))
	// Canceling twice must not error or re-finish the task.
	require.NoError(t, mgr.Cancel(context.Background(), res.TaskID))
	close(release)

	peek, ok := mgr.Peek(res.TaskID)
	require.True(t, ok)
	assert.Equal(t, StatusCanceled, peek.Status)
	assert.Equal(t, []string{"partial"}, peek.StreamChunks)
	require.NotNil(t, peek.Error)
	assert.Equal(t, ErrTaskCanceled, peek.Error.Kind)

	// A chunk delivered after cancellation must be discarded (spec §5).
	_ = mgr.HandleChunk("coder", "", []byte("late"), false)
	peek, _ = mgr.Peek(res.TaskID)
	assert.Equal(t, []string{"partial"}, peek.StreamChunks)
}

func TestPeekOnUnknownTaskReturnsNotFound(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeBackend{}, &fakeSessionClient{})
	_, ok := mgr.Peek("does-not-exist")
	assert.False(t, ok)
}

func TestAwaitIsLevelTriggeredForAlreadyTerminalTask(t *testing.T) {
	be := &fakeBackend{}
	client := &fakeSessionClient{}
	mgr, _ := newTestManager(t, be, client)

	done := make(chan struct{})
	client.onPrompt = func(sessionID, text string, model *backend.ModelOverride) error {
		err := mgr.HandleChunk("coder", "", []byte("done"), true)
		close(done)
		return err
	}

	res, err := mgr.Start(context.Background(), StartRequest{Kind: KindWorker, WorkerID: "coder", Prompt: Prompt{Text: "hi"}})
	require.NoError(t, err)
	<-done

	// Give finish() a moment to close the task's done channel before the
	// level-triggered Await call below.
	time.Sleep(10 * time.Millisecond)

	results := mgr.Await(context.Background(), []string{res.TaskID}, 0)
	assert.Equal(t, StatusCompleted, results[res.TaskID].Status)
}
