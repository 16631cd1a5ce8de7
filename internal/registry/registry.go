// Package registry holds the process-wide mapping from agentType to
// agent.Descriptor, with bounded lifecycle hooks and schema-validated
// dispatch resolution.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aosanya/workflowcore/internal/agent"
	log "github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"
)

// hookTimeout bounds a single initialize/cleanup hook so one slow agent
// can never block the whole registry.
const hookTimeout = 30 * time.Second

// Registry holds process-wide Descriptors, read-only after registration
// except for descriptor State.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*agent.Descriptor
	logger      *log.Logger
}

// New builds an empty Registry.
func New(logger *log.Logger) *Registry {
	return &Registry{descriptors: make(map[string]*agent.Descriptor), logger: logger}
}

// Register adds a descriptor, failing with agent.ErrDuplicateAgent on a
// conflicting agentType.
func (r *Registry) Register(d *agent.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[d.AgentType]; exists {
		return fmt.Errorf("%w: %s", agent.ErrDuplicateAgent, d.AgentType)
	}
	r.descriptors[d.AgentType] = d
	return nil
}

// AgentAction is a callable resolved from the registry, already bound to
// its descriptor's action schema for validation.
type AgentAction struct {
	Descriptor *agent.Descriptor
	Action     string
}

// Validate checks params against the action's declared JSON schema, if
// any.
func (a AgentAction) Validate(params map[string]interface{}) error {
	act, ok := a.Descriptor.Actions[a.Action]
	if !ok || len(act.ParameterSchema) == 0 {
		return nil
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}

	schemaLoader := gojsonschema.NewBytesLoader(act.ParameterSchema)
	docLoader := gojsonschema.NewBytesLoader(paramsJSON)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("failed to validate parameters: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("%w: %v", agent.ErrSchemaValidation, result.Errors())
	}
	return nil
}

// Execute validates params and dispatches to the descriptor's executor.
func (a AgentAction) Execute(ctx context.Context, params map[string]interface{}) (agent.Result, error) {
	if err := a.Validate(params); err != nil {
		return agent.Result{}, err
	}
	return a.Descriptor.Executor.Execute(ctx, a.Action, params)
}

// Resolve returns a callable for (agentType, action), validated against
// the action's schema before the caller invokes it. Returns
// agent.ErrAgentNotFound, agent.ErrActionNotFound, or
// agent.ErrDescriptorUnhealthy.
func (r *Registry) Resolve(agentType, action string) (*AgentAction, error) {
	r.mu.RLock()
	d, ok := r.descriptors[agentType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentType)
	}
	if !d.HasAction(action) {
		return nil, fmt.Errorf("%w: %s.%s", agent.ErrActionNotFound, agentType, action)
	}
	if !d.IsHealthy() {
		return nil, fmt.Errorf("%w: %s", agent.ErrDescriptorUnhealthy, agentType)
	}
	return &AgentAction{Descriptor: d, Action: action}, nil
}

// Descriptor returns the raw descriptor for agentType, used for
// idempotency lookups and the resilience wrapper's semaphore/maxConcurrent
// lookup.
func (r *Registry) Descriptor(agentType string) (*agent.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[agentType]
	return d, ok
}

// List returns all registered descriptors.
func (r *Registry) List() []*agent.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*agent.Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}

// Start invokes Initialize on every descriptor with lifecycle hooks. Each
// hook is best-effort and bounded by hookTimeout; a timeout or error is
// logged, marks the descriptor failed, and never blocks the remaining
// descriptors.
func (r *Registry) Start(ctx context.Context) {
	r.mu.RLock()
	descriptors := make([]*agent.Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		descriptors = append(descriptors, d)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, d := range descriptors {
		wg.Add(1)
		go func(d *agent.Descriptor) {
			defer wg.Done()
			r.runHook(ctx, d, "initialize", d.Hooks != nil, func(hookCtx context.Context) error {
				return d.Hooks.Initialize(hookCtx)
			})
		}(d)
	}
	wg.Wait()
}

// Stop invokes Cleanup on every descriptor, with the same bounded,
// best-effort semantics as Start.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.RLock()
	descriptors := make([]*agent.Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		descriptors = append(descriptors, d)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, d := range descriptors {
		wg.Add(1)
		go func(d *agent.Descriptor) {
			defer wg.Done()
			r.runHook(ctx, d, "cleanup", d.Hooks != nil, func(hookCtx context.Context) error {
				return d.Hooks.Cleanup(hookCtx)
			})
			d.SetState(agent.StateStopped)
		}(d)
	}
	wg.Wait()
}

func (r *Registry) runHook(ctx context.Context, d *agent.Descriptor, phase string, has bool, hook func(context.Context) error) {
	if !has {
		if phase == "initialize" {
			d.SetState(agent.StateInitialized)
		}
		return
	}

	hookCtx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- hook(hookCtx) }()

	select {
	case err := <-done:
		if err != nil {
			r.logger.WithFields(log.Fields{"agent_type": d.AgentType, "phase": phase, "error": err}).
				Warn("lifecycle hook failed")
			if phase == "initialize" {
				d.SetState(agent.StateFailed)
				return
			}
		}
		if phase == "initialize" {
			d.SetState(agent.StateInitialized)
		}
	case <-hookCtx.Done():
		r.logger.WithFields(log.Fields{"agent_type": d.AgentType, "phase": phase}).
			Warn("lifecycle hook timed out")
		if phase == "initialize" {
			d.SetState(agent.StateFailed)
		}
	}
}
