// Package execution holds the Execution and TaskState entities: the
// mutable, persisted record of one run of a Workflow.
package execution

import (
	"context"
	"time"

	"github.com/aosanya/workflowcore/internal/errs"
)

// Status is an Execution's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus is a TaskState's lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	default:
		return false
	}
}

// TaskError is the structured error recorded on a failed TaskState;
// skipped tasks carry a SkipReason instead.
type TaskError struct {
	Kind      errs.Kind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// TaskState is one DAG node's execution record. Terminal statuses are
// write-once: once Status reaches a terminal value, Status, EndedAt,
// Output, and Error never change again.
type TaskState struct {
	Name       string      `json:"name"`
	Status     TaskStatus  `json:"status"`
	Attempt    int         `json:"attempt"`
	StartedAt  *time.Time  `json:"startedAt,omitempty"`
	EndedAt    *time.Time  `json:"endedAt,omitempty"`
	Output     interface{} `json:"output,omitempty"`
	Error      *TaskError  `json:"error,omitempty"`
	ElapsedMs  int64       `json:"elapsedMs"`
	Recovered  bool        `json:"recovered,omitempty"`
	SkipReason string      `json:"skipReason,omitempty"`
}

// IsTerminal reports whether this TaskState has reached a terminal status.
func (t *TaskState) IsTerminal() bool { return t.Status.Terminal() }

// FailureDigest names the first task in an execution to fail and its
// error kind, surfaced on the Execution for quick triage.
type FailureDigest struct {
	TaskName string    `json:"taskName"`
	Kind     errs.Kind `json:"kind"`
	Message  string    `json:"message"`
}

// CancelReason distinguishes an operator-requested cancellation from one
// caused by the workflow's own timeout budget running out.
type CancelReason string

const (
	CancelReasonNone         CancelReason = ""
	CancelReasonUser         CancelReason = "user"
	CancelReasonTimeout      CancelReason = "timeout"
	CancelReasonOrchestrator CancelReason = "orchestrator_shutdown"
)

// Metrics is the execution metrics snapshot surfaced through
// GetExecution.
type Metrics struct {
	TasksSucceeded int `json:"tasksSucceeded"`
	TasksFailed    int `json:"tasksFailed"`
	TasksSkipped   int `json:"tasksSkipped"`
	TasksCancelled int `json:"tasksCancelled"`
	RetryCount     int `json:"retryCount"`
	BreakerTrips   int `json:"breakerTrips"`
	AgentsUtilized int `json:"agentsUtilized"`
}

// Execution is one instantiation of a workflow: an input, a status, and
// the full set of TaskStates for every task named in the bound workflow
// version. It is owned exclusively by its Workflow Runtime; no sharing of
// TaskState records between executions.
type Execution struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflowId"`
	WorkflowVersion int                    `json:"workflowVersion"`
	Status          Status                 `json:"status"`
	StartedAt       time.Time              `json:"startedAt"`
	EndedAt         *time.Time             `json:"endedAt,omitempty"`
	Input           map[string]interface{} `json:"input,omitempty"`
	TaskStates      map[string]*TaskState  `json:"taskStates"`
	FailureDigest   *FailureDigest         `json:"failureDigest,omitempty"`
	CancelReason    CancelReason           `json:"cancelReason,omitempty"`
	Metrics         Metrics                `json:"metrics"`

	cancel context.CancelFunc
	ctx    context.Context
}

// WithRuntimeContext attaches the in-process cancellation signal; it is
// never persisted.
func (e *Execution) WithRuntimeContext(ctx context.Context, cancel context.CancelFunc) {
	e.ctx, e.cancel = ctx, cancel
}

// Context returns the execution-scoped cancellation context, or
// context.Background if none was attached (e.g. after a store round-trip).
func (e *Execution) Context() context.Context {
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

// Cancel triggers the execution-scoped cancellation signal, if attached.
func (e *Execution) Cancel(reason CancelReason) {
	if e.cancel != nil {
		e.cancel()
	}
	if e.CancelReason == CancelReasonNone {
		e.CancelReason = reason
	}
}
