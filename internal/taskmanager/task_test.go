package taskmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskMarkRunningTransitionsOnceFromPending(t *testing.T) {
	task := newTask("t1", KindWorker)
	assert.Equal(t, StatusPending, task.Status())

	task.markRunning()
	assert.Equal(t, StatusRunning, task.Status())
	firstStart := task.StartedAt

	task.markRunning() // already running, must be a no-op
	assert.Equal(t, firstStart, task.StartedAt)
}

func TestTaskFinishIsIdempotentFirstCallerWins(t *testing.T) {
	task := newTask("t1", KindWorker)
	task.markRunning()

	require.True(t, task.finish(StatusCompleted, "first", nil))
	assert.False(t, task.finish(StatusFailed, "", &TaskError{Kind: ErrWorkerUnreachable, Message: "too late"}))

	assert.Equal(t, StatusCompleted, task.Status())
	assert.Equal(t, "first", task.Result())
	assert.Nil(t, task.Err())
}

func TestTaskFinishDerivesResultFromAccumulatedChunksWhenEmpty(t *testing.T) {
	task := newTask("t1", KindWorker)
	task.markRunning()
	task.appendChunk("hello ")
	task.appendChunk("world")

	require.True(t, task.finish(StatusCompleted, "", nil))
	assert.Equal(t, "hello world", task.Result())
}

func TestTaskAppendChunkDiscardedAfterTerminal(t *testing.T) {
	task := newTask("t1", KindWorker)
	task.markRunning()
	task.appendChunk("kept")
	require.True(t, task.finish(StatusCanceled, "", &TaskError{Kind: ErrTaskCanceled, Message: "canceled"}))

	task.appendChunk("dropped")
	assert.Equal(t, []string{"kept"}, task.StreamChunks())
}

func TestTaskFinishSetsErrOnlyForFailedOrCanceled(t *testing.T) {
	completed := newTask("t1", KindWorker)
	completed.markRunning()
	completed.finish(StatusCompleted, "ok", nil)
	assert.Nil(t, completed.Err())

	failed := newTask("t2", KindWorker)
	failed.markRunning()
	failed.finish(StatusFailed, "", &TaskError{Kind: ErrSpawnTimeout, Message: "timed out"})
	require.NotNil(t, failed.Err())
	assert.Equal(t, ErrSpawnTimeout, failed.Err().Kind)
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, isTerminal(StatusPending))
	assert.False(t, isTerminal(StatusRunning))
	assert.True(t, isTerminal(StatusCompleted))
	assert.True(t, isTerminal(StatusFailed))
	assert.True(t, isTerminal(StatusCanceled))
}

func TestTaskErrorStringIncludesKindAndMessage(t *testing.T) {
	err := &TaskError{Kind: ErrModelUnavailable, Message: "provider offline"}
	assert.Equal(t, "ModelUnavailable: provider offline", err.Error())
}
