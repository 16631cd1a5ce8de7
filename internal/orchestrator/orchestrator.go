// Package orchestrator is the control surface of the workflow core: it
// wires the agent registry, expression resolver, resilience wrapper, DAG
// planner, task executor, workflow runtime, execution store, and
// scheduler together behind six operations (SubmitWorkflow,
// TriggerExecution, GetExecution, CancelExecution, ListAgents,
// ScheduleUpsert). Wire transport (HTTP/JWT/CORS) is an external
// collaborator; this package exposes the operations as plain Go methods
// for whatever transport a caller wires on top.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aosanya/workflowcore/internal/agent"
	"github.com/aosanya/workflowcore/internal/errs"
	"github.com/aosanya/workflowcore/internal/execution"
	"github.com/aosanya/workflowcore/internal/planner"
	"github.com/aosanya/workflowcore/internal/registry"
	"github.com/aosanya/workflowcore/internal/resilience"
	"github.com/aosanya/workflowcore/internal/scheduler"
	"github.com/aosanya/workflowcore/internal/workflow"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Config holds the orchestrator-wide tunables.
type Config struct {
	ConcurrencyCap          int
	DefaultTaskTimeoutMs    int
	WorkflowTimeoutMs       int
	SchedulerTickMs         int
	BreakerFailureThreshold int
	BreakerOpenMs           int
	// MaxInFlight bounds the submission queue fronting the runtime pool;
	// TriggerExecution returns ErrOverloaded once it is full.
	MaxInFlight int
}

// Store is the full persistence contract this orchestrator depends on:
// the union of workflow.Repository, execution.Store, and
// scheduler.Repository that a single backing implementation satisfies.
type Store interface {
	workflow.Repository
	execution.Store
	scheduler.Repository
}

// Orchestrator is the process-wide object gluing every component
// together. One Orchestrator owns one Agent Registry, one breaker table,
// and many concurrently running Workflow Runtimes.
type Orchestrator struct {
	cfg    Config
	logger *log.Logger

	store    Store
	registry *registry.Registry
	wfSvc    *workflow.Service
	breakers *resilience.BreakerRegistry
	wrapper  *resilience.Wrapper
	executor *execution.TaskExecutor
	runtime  *execution.Runtime
	sched    *scheduler.Scheduler

	inFlight chan struct{}

	mu      sync.Mutex
	running map[string]*execution.Execution // executionID -> live handle, for Cancel
}

// New builds an Orchestrator. holderID identifies this process instance
// for scheduler lease ownership.
func New(cfg Config, store Store, reg *registry.Registry, logger *log.Logger, holderID string) *Orchestrator {
	breakers := resilience.NewBreakerRegistry(cfg.BreakerFailureThreshold, time.Duration(cfg.BreakerOpenMs)*time.Millisecond)
	sems := resilience.NewSemaphores(func(agentType string) int {
		d, ok := reg.Descriptor(agentType)
		if !ok {
			return 0
		}
		return d.MaxConcurrent
	})
	wrapper := resilience.NewWrapper(breakers, sems, logger)

	lookup := registry.AgentLookup{Registry: reg}
	executor := execution.NewTaskExecutor(lookup, wrapper, logger)
	rt := execution.NewRuntime(executor, store, logger, cfg.ConcurrencyCap, cfg.WorkflowTimeoutMs)

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: reg,
		wfSvc:    workflow.NewService(store, logger),
		breakers: breakers,
		wrapper:  wrapper,
		executor: executor,
		runtime:  rt,
		inFlight: make(chan struct{}, maxOrDefault(cfg.MaxInFlight, 64)),
		running:  make(map[string]*execution.Execution),
	}

	o.sched = scheduler.New(store, o.enqueueFromScheduler, logger, holderID, time.Duration(cfg.SchedulerTickMs)*time.Millisecond)
	return o
}

func maxOrDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Start begins the Agent Registry's lifecycle hooks, replays the
// persisted log for interrupted executions, and launches the Scheduler's
// tick loop. It returns once registry initialization and recovery
// complete; the scheduler keeps running in the background until ctx is
// cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	o.registry.Start(ctx)
	if err := o.Recover(ctx); err != nil {
		o.logger.WithError(err).Warn("execution recovery failed")
	}
	go o.sched.Run(ctx)
}

// Drain stops accepting new dispatches and invokes Cleanup on every
// agent descriptor.
func (o *Orchestrator) Drain(ctx context.Context) {
	o.registry.Stop(ctx)
}

// SubmitWorkflow validates and persists a new workflow template,
// returning its id.
func (o *Orchestrator) SubmitWorkflow(ctx context.Context, wf *workflow.Workflow) (string, error) {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if _, err := planner.Build(wf, o.cfg.DefaultTaskTimeoutMs); err != nil {
		return "", fmt.Errorf("%w: %v", errs.New(errs.ValidationError, "plan validation failed"), err)
	}
	return o.wfSvc.Submit(ctx, wf)
}

// TriggerExecution creates and persists a pending Execution bound to the
// workflow's current version, then runs it asynchronously, returning the
// execution id.
func (o *Orchestrator) TriggerExecution(ctx context.Context, workflowID string, input map[string]interface{}) (string, error) {
	select {
	case o.inFlight <- struct{}{}:
	default:
		return "", errs.ErrOverloaded
	}

	wf, err := o.wfSvc.Get(ctx, workflowID)
	if err != nil {
		<-o.inFlight
		return "", fmt.Errorf("%w: %v", errs.New(errs.ValidationError, "workflow not found"), err)
	}

	plan, err := planner.Build(wf, o.cfg.DefaultTaskTimeoutMs)
	if err != nil {
		<-o.inFlight
		return "", err
	}

	exec := &execution.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          execution.StatusPending,
		StartedAt:       time.Now().UTC(),
		Input:           input,
		TaskStates:      map[string]*execution.TaskState{},
	}
	// The run outlives the caller's request context; cancellation comes
	// only from CancelExecution or the workflow timeout budget.
	runCtx, cancel := context.WithCancel(context.Background())
	exec.WithRuntimeContext(runCtx, cancel)

	if err := o.store.CreateExecution(ctx, exec); err != nil {
		cancel()
		<-o.inFlight
		return "", fmt.Errorf("failed to persist execution: %w", err)
	}

	o.mu.Lock()
	o.running[exec.ID] = exec
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.running, exec.ID)
			o.mu.Unlock()
			<-o.inFlight
		}()
		o.runtime.Run(context.Background(), wf, plan, exec)
	}()

	return exec.ID, nil
}

// Recover replays the committed log after a restart: every non-terminal
// persisted execution is re-driven by a fresh runtime, which recomputes
// the ready set from the persisted task states. A task left in running
// is reset to pending when its agent is idempotent; a non-idempotent one
// is marked failed(InterruptedNonIdempotent) rather than retried.
func (o *Orchestrator) Recover(ctx context.Context) error {
	execs, err := o.store.ListExecutions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list executions for recovery: %w", err)
	}

	for _, exec := range execs {
		if exec.Status.Terminal() {
			continue
		}

		wf, err := o.wfSvc.GetVersion(ctx, exec.WorkflowID, exec.WorkflowVersion)
		if err != nil {
			o.logger.WithFields(log.Fields{"execution_id": exec.ID, "error": err}).
				Warn("recovery skipped, workflow version unavailable")
			continue
		}
		plan, err := planner.Build(wf, o.cfg.DefaultTaskTimeoutMs)
		if err != nil {
			o.logger.WithFields(log.Fields{"execution_id": exec.ID, "error": err}).
				Warn("recovery skipped, plan rebuild failed")
			continue
		}

		for _, ts := range exec.TaskStates {
			if ts.Status != execution.TaskRunning && ts.Status != execution.TaskReady {
				continue
			}
			task, ok := wf.TaskByName(ts.Name)
			if ok && !o.isIdempotent(task.AgentType, task.Action) {
				now := time.Now().UTC()
				ts.Status = execution.TaskFailed
				ts.EndedAt = &now
				ts.Error = &execution.TaskError{
					Kind:      errs.InterruptedNonIdempotent,
					Message:   "task was in flight when the orchestrator stopped",
					Retryable: false,
				}
				_ = o.store.UpsertTaskState(ctx, exec.ID, ts)
				continue
			}
			ts.Status = execution.TaskPending
			ts.StartedAt = nil
			_ = o.store.UpsertTaskState(ctx, exec.ID, ts)
		}

		select {
		case o.inFlight <- struct{}{}:
		default:
			o.logger.WithField("execution_id", exec.ID).Warn("recovery deferred, submission queue full")
			continue
		}

		runCtx, cancel := context.WithCancel(context.Background())
		exec.WithRuntimeContext(runCtx, cancel)

		o.mu.Lock()
		o.running[exec.ID] = exec
		o.mu.Unlock()

		o.logger.WithFields(log.Fields{"execution_id": exec.ID, "workflow_id": exec.WorkflowID}).
			Info("resuming interrupted execution")

		go func(wf *workflow.Workflow, plan *planner.Plan, exec *execution.Execution) {
			defer func() {
				o.mu.Lock()
				delete(o.running, exec.ID)
				o.mu.Unlock()
				<-o.inFlight
			}()
			o.runtime.Run(context.Background(), wf, plan, exec)
		}(wf, plan, exec)
	}
	return nil
}

func (o *Orchestrator) isIdempotent(agentType, action string) bool {
	d, ok := o.registry.Descriptor(agentType)
	if !ok {
		return false
	}
	return d.IsIdempotent(action)
}

// GetExecution returns an execution with its full task state map.
func (o *Orchestrator) GetExecution(ctx context.Context, executionID string) (*execution.Execution, error) {
	return o.store.GetExecution(ctx, executionID)
}

// CancelExecution triggers the execution's cancellation signal if it is
// currently running in this process; a terminal or unknown execution is
// a no-op.
func (o *Orchestrator) CancelExecution(ctx context.Context, executionID string) error {
	o.mu.Lock()
	exec, ok := o.running[executionID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	exec.Cancel(execution.CancelReasonUser)
	return nil
}

// ListAgents returns every registered agent descriptor.
func (o *Orchestrator) ListAgents() []*agent.Descriptor {
	return o.registry.List()
}

// Registry exposes the Agent Registry so a caller can register pluggable
// agent implementations before Start.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// ScheduleUpsert creates or replaces a workflow's cron trigger binding.
func (o *Orchestrator) ScheduleUpsert(ctx context.Context, workflowID, cronExpr, timezone string, enabled bool) error {
	next, err := scheduler.NextFireAt(cronExpr, timezone, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", errs.New(errs.ValidationError, "invalid cron expression"), err)
	}
	entry := &scheduler.ScheduleEntry{
		WorkflowID: workflowID,
		CronExpr:   cronExpr,
		Timezone:   timezone,
		Enabled:    enabled,
		NextFireAt: next,
	}
	return o.store.Upsert(ctx, entry)
}

// enqueueFromScheduler is the scheduler.EnqueueFunc bound to this
// orchestrator's TriggerExecution.
func (o *Orchestrator) enqueueFromScheduler(ctx context.Context, workflowID string, input map[string]interface{}, origin string) error {
	input["_origin"] = origin
	_, err := o.TriggerExecution(ctx, workflowID, input)
	return err
}
