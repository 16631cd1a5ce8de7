// Package workflow holds the Workflow template: the versioned, immutable
// definition of a DAG of tasks that the Workflow Runtime executes.
package workflow

import "time"

// TriggerKind is one of the three ways a workflow can be started.
type TriggerKind string

const (
	TriggerManual  TriggerKind = "manual"
	TriggerCron    TriggerKind = "cron"
	TriggerWebhook TriggerKind = "webhook"
)

// Trigger describes how a workflow is started.
type Trigger struct {
	Kind     TriggerKind `json:"kind"`
	CronExpr string      `json:"cronExpr,omitempty"`
	Timezone string      `json:"timezone,omitempty"`
}

// OnErrorKind names what a failed task does to the rest of the run.
type OnErrorKind string

const (
	OnErrorFail     OnErrorKind = "fail"
	OnErrorContinue OnErrorKind = "continue"
	OnErrorFallback OnErrorKind = "fallback"
)

// OnError is the failure policy attached to a TaskSpec.
type OnError struct {
	Kind     OnErrorKind `json:"kind"`
	Fallback []string    `json:"fallback,omitempty"`
}

// RetryPolicy controls the Retry/Timeout/Circuit Breaker wrapper's retry
// behavior for one task.
type RetryPolicy struct {
	MaxAttempts    int      `json:"maxAttempts"`
	InitialDelayMs int      `json:"initialDelayMs"`
	MaxDelayMs     int      `json:"maxDelayMs"`
	Multiplier     float64  `json:"multiplier"`
	RetryOn        []string `json:"retryOn,omitempty"`
}

// TaskSpec is one node of the workflow DAG.
type TaskSpec struct {
	Name       string                 `json:"name"`
	AgentType  string                 `json:"agentType"`
	Action     string                 `json:"action"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	DependsOn  []string               `json:"dependsOn,omitempty"`
	Retry      *RetryPolicy           `json:"retry,omitempty"`
	TimeoutMs  *int                   `json:"timeoutMs,omitempty"`
	OnError    OnError                `json:"onError"`
	Condition  string                 `json:"condition,omitempty"`
}

// Config is the workflow-level policy block; any field left at zero value
// falls back to the orchestrator-wide default.
type Config struct {
	TimeoutMs            int         `json:"timeoutMs,omitempty"`
	DefaultTaskTimeoutMs int         `json:"defaultTaskTimeoutMs,omitempty"`
	ConcurrencyCap       int         `json:"concurrencyCap,omitempty"`
	OnError              OnErrorKind `json:"onError,omitempty"`
}

// Workflow is the versioned template of tasks and dependencies. It is
// immutable once referenced by an active execution; editing a referenced
// workflow produces a new Version rather than mutating this one.
type Workflow struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Version   int        `json:"version"`
	Tasks     []TaskSpec `json:"tasks"`
	Trigger   Trigger    `json:"trigger"`
	Config    Config     `json:"config"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// TaskByName returns the TaskSpec with the given name, if present.
func (w *Workflow) TaskByName(name string) (*TaskSpec, bool) {
	for i := range w.Tasks {
		if w.Tasks[i].Name == name {
			return &w.Tasks[i], true
		}
	}
	return nil, false
}
