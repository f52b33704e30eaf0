// Package bus implements the orchestrator's event fan-out: a topic-indexed
// broadcaster with bounded per-subscriber queues that delivers worker, task,
// and skill events to UI and diagnostics subscribers.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Topic identifies an event's place in the worker.*/task.*/skill.* hierarchy.
// Subscribers match topics with NATS-style wildcards: "*" matches exactly one
// dot-delimited token, ">" matches one or more trailing tokens.
type Topic string

const (
	TopicWorkerSpawned Topic = "worker.spawned"
	TopicWorkerReady   Topic = "worker.ready"
	TopicWorkerBusy    Topic = "worker.busy"
	TopicWorkerError   Topic = "worker.error"
	TopicWorkerStopped Topic = "worker.stopped"

	TopicTaskStarted  Topic = "task.started"
	TopicTaskChunk    Topic = "task.chunk"
	TopicTaskComplete Topic = "task.completed"
	TopicTaskFailed   Topic = "task.failed"
	TopicTaskCanceled Topic = "task.canceled"

	TopicSkillLoadStarted   Topic = "skill.load.started"
	TopicSkillLoadCompleted Topic = "skill.load.completed"
	TopicSkillLoadFailed    Topic = "skill.load.failed"
	TopicSkillPermission    Topic = "skill.permission"
)

// Event is the tagged variant delivered on the bus. Payload holds one of the
// *Payload structs below, chosen by Topic; validation happens once, at the
// Bridge boundary, before an Event is ever constructed.
type Event struct {
	ID        string      `json:"id"`
	Topic     Topic       `json:"topic"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// NewEvent stamps an Event with a fresh ID and the current time.
func NewEvent(topic Topic, payload interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// WorkerPayload accompanies every worker.* event.
type WorkerPayload struct {
	ProfileID     string `json:"profileId"`
	Status        string `json:"status"`
	ResolvedModel string `json:"resolvedModel,omitempty"`
	Error         string `json:"error,omitempty"`
}

// TaskPayload accompanies every task.* event.
type TaskPayload struct {
	TaskID   string `json:"taskId"`
	WorkerID string `json:"workerId,omitempty"`
	Chunk    string `json:"chunk,omitempty"`
	Final    bool   `json:"final,omitempty"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SkillPayload accompanies every skill.* event.
type SkillPayload struct {
	WorkerID string `json:"workerId"`
	SkillID  string `json:"skillId"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Subscription is a live subscriber's handle onto the bus.
type Subscription interface {
	// Events delivers matching events in arrival order. Closed when the
	// subscription is unsubscribed; Memory also closes it when the bus is
	// closed (NATSBus.Close does not).
	Events() <-chan *Event
	// Dropped returns how many events were discarded because this
	// subscriber's queue was full (drop-oldest policy).
	Dropped() uint64
	Unsubscribe()
}

// Bus is the event fan-out contract. The default implementation (Memory) is
// in-process; when a broker URL is configured the same contract is backed by
// NATS (NATSBus) so a second local process can observe the stream.
type Bus interface {
	// Publish fans event out to every subscriber whose pattern matches
	// topic, and appends it to that topic's rolling buffer.
	Publish(topic Topic, event *Event)
	// Subscribe registers a new subscriber for pattern (may contain "*"/">"
	// wildcards) and replays the matching tail of the rolling buffer.
	Subscribe(pattern string) Subscription
	Close()
}
