// Package storage holds the persistent entities of the run server and the
// backends that store them. Backends are owner-agnostic; owner scoping is
// applied by the services on top.
package storage

import (
	"encoding/json"
	"time"
)

// ThreadStatus is the lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadIdle        ThreadStatus = "idle"
	ThreadBusy        ThreadStatus = "busy"
	ThreadInterrupted ThreadStatus = "interrupted"
	ThreadError       ThreadStatus = "error"
)

// Valid reports whether s is a known thread status.
func (s ThreadStatus) Valid() bool {
	switch s {
	case ThreadIdle, ThreadBusy, ThreadInterrupted, ThreadError:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending     RunStatus = "pending"
	RunRunning     RunStatus = "running"
	RunSuccess     RunStatus = "success"
	RunError       RunStatus = "error"
	RunInterrupted RunStatus = "interrupted"
	RunTimeout     RunStatus = "timeout"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunError, RunInterrupted, RunTimeout:
		return true
	}
	return false
}

// ThreadStatus maps a terminal run status to the status of its thread.
func (s RunStatus) ThreadStatus() ThreadStatus {
	switch s {
	case RunSuccess:
		return ThreadIdle
	case RunInterrupted:
		return ThreadInterrupted
	case RunPending, RunRunning:
		return ThreadBusy
	default:
		return ThreadError
	}
}

// MultitaskStrategy governs a run request against a thread that already
// has an active run.
type MultitaskStrategy string

const (
	MultitaskReject    MultitaskStrategy = "reject"
	MultitaskEnqueue   MultitaskStrategy = "enqueue"
	MultitaskInterrupt MultitaskStrategy = "interrupt"
	MultitaskRollback  MultitaskStrategy = "rollback"
)

// Valid reports whether s is a known strategy.
func (s MultitaskStrategy) Valid() bool {
	switch s {
	case MultitaskReject, MultitaskEnqueue, MultitaskInterrupt, MultitaskRollback:
		return true
	}
	return false
}

// Thread is a durable conversation container.
type Thread struct {
	ThreadID  string         `json:"thread_id"`
	OwnerID   string         `json:"owner_id,omitempty"`
	Status    ThreadStatus   `json:"status"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RunKwargs are the run-creation parameters kept on the run record.
type RunKwargs struct {
	Input           json.RawMessage `json:"input,omitempty"`
	Config          map[string]any  `json:"config,omitempty"`
	Context         map[string]any  `json:"context,omitempty"`
	InterruptBefore []string        `json:"interrupt_before,omitempty"`
	InterruptAfter  []string        `json:"interrupt_after,omitempty"`
	StreamMode      []string        `json:"stream_mode,omitempty"`
	Webhook         string          `json:"webhook,omitempty"`
	OnCompletion    string          `json:"on_completion,omitempty"`
}

// Run is one execution attempt of an assistant against a thread.
type Run struct {
	RunID             string            `json:"run_id"`
	ThreadID          string            `json:"thread_id"`
	AssistantID       string            `json:"assistant_id"`
	OwnerID           string            `json:"owner_id,omitempty"`
	Status            RunStatus         `json:"status"`
	MultitaskStrategy MultitaskStrategy `json:"multitask_strategy"`
	Metadata          map[string]any    `json:"metadata"`
	Kwargs            RunKwargs         `json:"kwargs"`
	Error             string            `json:"error,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Interrupt records a pause requested by interrupt_before / interrupt_after.
type Interrupt struct {
	Node  string `json:"node"`
	When  string `json:"when"`
	RunID string `json:"run_id,omitempty"`
}

// Task is a pending node in a checkpoint.
type Task struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StateSnapshot is an immutable checkpoint in a thread's log.
type StateSnapshot struct {
	Values             map[string]any `json:"values"`
	Next               []string       `json:"next"`
	Tasks              []Task         `json:"tasks"`
	CheckpointID       string         `json:"checkpoint_id"`
	CheckpointNS       string         `json:"checkpoint_ns"`
	ParentCheckpointID string         `json:"parent_checkpoint_id,omitempty"`
	Metadata           map[string]any `json:"metadata"`
	Interrupts         []Interrupt    `json:"interrupts"`
	CreatedAt          time.Time      `json:"created_at"`
}

// CronPayload is the run-creation template of a cron job.
type CronPayload struct {
	Input           json.RawMessage `json:"input,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	Config          map[string]any  `json:"config,omitempty"`
	Context         map[string]any  `json:"context,omitempty"`
	Webhook         string          `json:"webhook,omitempty"`
	InterruptBefore []string        `json:"interrupt_before,omitempty"`
	InterruptAfter  []string        `json:"interrupt_after,omitempty"`
	OnRunCompleted  string          `json:"on_run_completed,omitempty"`
}

// CronJob is a recurring run trigger.
type CronJob struct {
	CronID      string      `json:"cron_id"`
	Schedule    string      `json:"schedule"`
	AssistantID string      `json:"assistant_id"`
	ThreadID    string      `json:"thread_id,omitempty"`
	Payload     CronPayload `json:"payload"`
	EndTime     *time.Time  `json:"end_time"`
	NextRunDate *time.Time  `json:"next_run_date"`
	OwnerID     string      `json:"owner_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
