// Package agent defines the capability contract every pluggable agent
// implementation must satisfy: a type, a set of actions with
// JSON-schema-validated parameters, an execute call, and optional
// lifecycle hooks.
package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// State is an agent descriptor's health/lifecycle state, used to gate
// dispatch: an unhealthy or uninitialized descriptor cannot be resolved.
type State string

const (
	StateCreated     State = "created"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateStopped     State = "stopped"
	StateFailed      State = "failed"
)

// Action describes one callable operation an agent type exposes.
type Action struct {
	Name            string
	ParameterSchema json.RawMessage
	ReturnType      string
}

// Result is the structured outcome of an Execute call: either OK with
// Data, or an error kind with a message and a retryable flag.
type Result struct {
	OK        bool
	Data      interface{}
	ErrorKind string
	Message   string
	Retryable bool
}

// Executor is the callable surface an agent implementation provides.
type Executor interface {
	// Execute performs one action call. It must be idempotent, or the
	// descriptor must declare IsIdempotent(action) == false, in which
	// case the Task Executor suppresses retries.
	Execute(ctx context.Context, action string, params map[string]interface{}) (Result, error)
}

// LifecycleHooks are optional initialize/cleanup hooks invoked by the
// Agent Registry at orchestrator start/stop. A descriptor without hooks
// leaves Descriptor.Hooks nil.
type LifecycleHooks interface {
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// Descriptor is the process-wide record for one agent type: its actions,
// its executor, and its health state. Descriptors are immutable after
// registration except for State and LastHeartbeat, both guarded by mu.
type Descriptor struct {
	AgentType string
	Name      string
	Actions   map[string]Action

	Executor Executor
	Hooks    LifecycleHooks // nil if the agent has no lifecycle hooks

	// NonIdempotentActions names actions that must never be retried.
	NonIdempotentActions map[string]bool

	// MaxConcurrent bounds in-flight calls to this agent type; 0 means
	// unbounded.
	MaxConcurrent int

	mu            sync.RWMutex
	state         State
	lastHeartbeat time.Time
}

// New builds a Descriptor in StateCreated.
func New(agentType, name string, actions map[string]Action, executor Executor) *Descriptor {
	return &Descriptor{
		AgentType:            agentType,
		Name:                 name,
		Actions:              actions,
		Executor:             executor,
		NonIdempotentActions: map[string]bool{},
		state:                StateCreated,
	}
}

// IsIdempotent reports whether retries are permitted for an action.
func (d *Descriptor) IsIdempotent(action string) bool {
	return !d.NonIdempotentActions[action]
}

// State returns the descriptor's current lifecycle state.
func (d *Descriptor) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// SetState transitions the descriptor's state and stamps a heartbeat.
func (d *Descriptor) SetState(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
	d.lastHeartbeat = time.Now().UTC()
}

// IsHealthy reports whether the descriptor is initialized/running and
// may be resolved for dispatch.
func (d *Descriptor) IsHealthy() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state == StateInitialized || d.state == StateRunning
}

// LastHeartbeat returns the timestamp of the last state transition.
func (d *Descriptor) LastHeartbeat() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastHeartbeat
}

// HasAction reports whether this descriptor exposes the named action.
func (d *Descriptor) HasAction(action string) bool {
	_, ok := d.Actions[action]
	return ok
}
