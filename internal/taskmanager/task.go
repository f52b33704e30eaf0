// Package taskmanager implements the Task API: task_start, task_await,
// task_peek, task_list, and task_cancel. It maps a task to a worker borrowed
// from the Pool and a session prompt, collects streamed chunks delivered by
// the Bridge, and returns the terminal response (spec §4.6).
package taskmanager

import (
	"sync"
	"time"
)

// Kind distinguishes the three shapes a task can take. Only "worker" ever
// reaches an agent runtime; "op" is resolved entirely against the in-process
// operation registry.
type Kind string

const (
	KindWorker   Kind = "worker"
	KindWorkflow Kind = "workflow"
	KindOp       Kind = "op"
)

// Status is a Task's position in its lifecycle. Progression is monotone:
// pending -> running -> (completed | failed | canceled).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// ModelPolicy controls whether a per-message model override changes the
// worker's sticky default (spec §8's "Model override, no respawn" scenario).
type ModelPolicy string

const (
	// ModelPolicySticky changes the worker's default model going forward.
	ModelPolicySticky ModelPolicy = "sticky"
	// ModelPolicyDynamic pins only this one message; the worker's default
	// model (and ResolvedModel) is left untouched.
	ModelPolicyDynamic ModelPolicy = "dynamic"
)

// AttachmentType is the kind of inline content riding along with a prompt.
type AttachmentType string

const (
	AttachmentText  AttachmentType = "text"
	AttachmentImage AttachmentType = "image"
	AttachmentFile  AttachmentType = "file"
)

// Attachment is one piece of inline content attached to a task's prompt.
type Attachment struct {
	Type AttachmentType `json:"type"`
	// Data is either a data: URL or inline bytes, depending on Type.
	Data string `json:"data"`
	Name string `json:"name,omitempty"`
}

// ErrorKind enumerates the taxonomy of §7, carried on a terminal failed/
// canceled task rather than a Go error type, since Task is a data record
// observed by task_peek/task_await long after the originating call returned.
type ErrorKind string

const (
	ErrConfigInvalid      ErrorKind = "ConfigInvalid"
	ErrModelUnavailable   ErrorKind = "ModelUnavailable"
	ErrSpawnTimeout       ErrorKind = "SpawnTimeout"
	ErrRuntimeMissing     ErrorKind = "RuntimeMissing"
	ErrPortInUse          ErrorKind = "PortInUse"
	ErrIncompatibleWorker ErrorKind = "IncompatibleWorker"
	ErrLockTimeout        ErrorKind = "LockTimeout"
	ErrTaskTimeout        ErrorKind = "TaskTimeout"
	ErrTaskCanceled       ErrorKind = "TaskCanceled"
	ErrBridgeUnauthorized ErrorKind = "BridgeUnauthorized"
	ErrBridgeMalformed    ErrorKind = "BridgeMalformed"
	ErrWorkerUnreachable  ErrorKind = "WorkerUnreachable"
)

// TaskError is the structured error surfaced on a failed or canceled task
// (spec §7's user-visible behavior: every failed task includes
// {status: "failed", error: {kind, message, hint?}}).
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Hint    string    `json:"hint,omitempty"`
}

func (e *TaskError) Error() string { return string(e.Kind) + ": " + e.Message }

// Prompt is the caller-supplied request body of a task.
type Prompt struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Task is the Task Manager's owned, mutable record of one dispatched
// prompt. Invariants (spec §3): status progression is monotone; Result is
// present iff Status == completed; Err is present iff Status is failed or
// canceled.
type Task struct {
	ID         string
	Kind       Kind
	WorkerID   string // profile id, for Kind == worker
	WorkflowID string
	Op         string
	Prompt     Prompt

	ModelOverride string
	ModelPolicy   ModelPolicy

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	mu           sync.Mutex
	status       Status
	streamChunks []string
	result       string
	err          *TaskError

	sessionID string
	done      chan struct{}
}

func newTask(id string, kind Kind) *Task {
	return &Task{
		ID:        id,
		Kind:      kind,
		CreatedAt: time.Now(),
		status:    StatusPending,
		done:      make(chan struct{}),
	}
}

// Status returns the task's current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// StreamChunks returns a snapshot of the chunks accumulated so far, in
// arrival order.
func (t *Task) StreamChunks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.streamChunks))
	copy(out, t.streamChunks)
	return out
}

// Result returns the task's terminal text result, if any.
func (t *Task) Result() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the task's structured terminal error, if any.
func (t *Task) Err() *TaskError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// isTerminal reports whether status is one task_await can stop waiting on.
func isTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// appendChunk records an incoming stream chunk. Discarded once the task has
// already reached a terminal state (spec §5: "pending chunks after
// cancellation are discarded").
func (t *Task) appendChunk(chunk string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if isTerminal(t.status) {
		return
	}
	t.streamChunks = append(t.streamChunks, chunk)
}

// markRunning transitions pending -> running exactly once.
func (t *Task) markRunning() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return
	}
	t.status = StatusRunning
	t.StartedAt = time.Now()
}

// finish transitions the task to a terminal status, deriving Result from the
// accumulated chunks when resultText is empty. Returns false if the task was
// already terminal (finish is idempotent, first caller wins).
func (t *Task) finish(status Status, resultText string, taskErr *TaskError) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if isTerminal(t.status) {
		return false
	}
	t.status = status
	t.FinishedAt = time.Now()
	switch status {
	case StatusCompleted:
		if resultText != "" {
			t.result = resultText
		} else {
			t.result = joinChunks(t.streamChunks)
		}
	case StatusFailed, StatusCanceled:
		t.err = taskErr
	}
	close(t.done)
	return true
}

func joinChunks(chunks []string) string {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return string(out)
}
