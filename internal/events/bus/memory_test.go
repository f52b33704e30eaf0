package bus

import (
	"testing"
	"time"

	"github.com/agentcore/core/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublishSubscribeWildcard(t *testing.T) {
	b := NewMemory(8, 8, logger.Default())
	defer b.Close()

	sub := b.Subscribe("worker.*")
	defer sub.Unsubscribe()

	b.Publish(TopicWorkerReady, NewEvent(TopicWorkerReady, WorkerPayload{ProfileID: "coder", Status: "ready"}))
	b.Publish(TopicTaskStarted, NewEvent(TopicTaskStarted, TaskPayload{TaskID: "t1"}))

	select {
	case e := <-sub.Events():
		assert.Equal(t, TopicWorkerReady, e.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected worker.ready event")
	}

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event delivered to worker.* subscriber: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryDropOldestOnFullQueue(t *testing.T) {
	b := NewMemory(1, 8, logger.Default())
	defer b.Close()

	sub := b.Subscribe("task.chunk")
	defer sub.Unsubscribe()

	b.Publish(TopicTaskChunk, NewEvent(TopicTaskChunk, TaskPayload{TaskID: "t1", Chunk: "a"}))
	b.Publish(TopicTaskChunk, NewEvent(TopicTaskChunk, TaskPayload{TaskID: "t1", Chunk: "b"}))

	e := <-sub.Events()
	payload, ok := e.Payload.(TaskPayload)
	require.True(t, ok)
	assert.Equal(t, "b", payload.Chunk)
	assert.GreaterOrEqual(t, sub.Dropped(), uint64(1))
}

func TestMemoryLateSubscriberReplaysBuffer(t *testing.T) {
	b := NewMemory(8, 8, logger.Default())
	defer b.Close()

	b.Publish(TopicWorkerReady, NewEvent(TopicWorkerReady, WorkerPayload{ProfileID: "coder", Status: "ready"}))

	sub := b.Subscribe("worker.ready")
	defer sub.Unsubscribe()

	select {
	case e := <-sub.Events():
		assert.Equal(t, TopicWorkerReady, e.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected replayed event")
	}
}
