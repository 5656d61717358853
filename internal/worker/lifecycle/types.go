package lifecycle

import (
	"time"
)

// Status is the state of a worker session.
type Status string

const (
	StatusSpawning    Status = "spawning"
	StatusHandshaking Status = "handshaking"
	StatusConnected   Status = "connected"
	StatusRunning     Status = "running"
	StatusIdle        Status = "idle"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusStalled     Status = "stalled"
	StatusCancelled   Status = "cancelled"
	StatusTimedOut    Status = "timed_out"
)

// IsFinal reports whether no further transitions can happen.
func (s Status) IsFinal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStalled, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// FailureKind classifies why a session did not complete.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureSpawn         FailureKind = "spawn_failed"
	FailureEarlyExit     FailureKind = "early_exit"
	FailureTimedOut      FailureKind = "timed_out"
	FailureStalled       FailureKind = "stalled"
	FailureCancelled     FailureKind = "cancelled"
	FailureProtocolError FailureKind = "protocol_error"
)

// finalStatus maps a failure kind to the session status it ends in.
func (k FailureKind) finalStatus() Status {
	switch k {
	case FailureNone:
		return StatusCompleted
	case FailureTimedOut:
		return StatusTimedOut
	case FailureStalled:
		return StatusStalled
	case FailureCancelled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// Result is the outcome of one worker session. Every failure, whatever its
// cause, is reported here rather than as an error.
type Result struct {
	WorkerID        string        `json:"worker_id"`
	TaskID          string        `json:"task_id,omitempty"`
	Success         bool          `json:"success"`
	Status          Status        `json:"status"`
	Output          string        `json:"output"`
	ToolCallCount   int           `json:"tool_call_count"`
	StopReason      string        `json:"stop_reason,omitempty"`
	Failure         FailureKind   `json:"failure,omitempty"`
	Error           string        `json:"error,omitempty"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	Signal          *string       `json:"signal,omitempty"`
	Stderr          []string      `json:"stderr,omitempty"`
	RemoteSessionID string        `json:"remote_session_id,omitempty"`
	ProcessKilled   bool          `json:"process_killed"`
	Duration        time.Duration `json:"duration_ns"`
}

// Snapshot is a point-in-time view of a live session.
type Snapshot struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id,omitempty"`
	Model           string     `json:"model,omitempty"`
	PID             int        `json:"pid,omitempty"`
	RemoteSessionID string     `json:"remote_session_id,omitempty"`
	Status          Status     `json:"status"`
	Progress        int        `json:"progress"`
	Output          string     `json:"output"`
	Stderr          []string   `json:"stderr,omitempty"`
	ToolCallCount   int        `json:"tool_call_count"`
	Terminals       int        `json:"terminals"`
	StartedAt       time.Time  `json:"started_at"`
	LastActivity    time.Time  `json:"last_activity"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}
