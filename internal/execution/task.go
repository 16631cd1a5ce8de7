package execution

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aosanya/workflowcore/internal/agent"
	"github.com/aosanya/workflowcore/internal/errs"
	"github.com/aosanya/workflowcore/internal/expression"
	"github.com/aosanya/workflowcore/internal/planner"
	"github.com/aosanya/workflowcore/internal/resilience"
	log "github.com/sirupsen/logrus"
)

// AgentLookup is the minimal surface the Task Executor needs from the
// Agent Registry: resolving a callable and reading a descriptor's
// idempotency declaration.
type AgentLookup interface {
	Resolve(agentType, action string) (Dispatchable, error)
	IsIdempotent(agentType, action string) bool
}

// Dispatchable is one resolved, schema-validated agent call.
type Dispatchable interface {
	Execute(ctx context.Context, params map[string]interface{}) (agent.Result, error)
}

// TaskExecutor drives exactly one TaskState to terminal: evaluate the
// condition, resolve parameters, dispatch through the resilience
// wrapper, and classify the outcome.
type TaskExecutor struct {
	agents   AgentLookup
	resolver *resilience.Wrapper
	logger   *log.Logger
}

// NewTaskExecutor builds a TaskExecutor.
func NewTaskExecutor(agents AgentLookup, wrapper *resilience.Wrapper, logger *log.Logger) *TaskExecutor {
	return &TaskExecutor{agents: agents, resolver: wrapper, logger: logger}
}

// Run executes task to terminal and returns the finished TaskState. ctx
// carries the execution-scoped cancellation signal; remainingBudget caps
// the per-attempt timeout alongside the task's own, so an attempt never
// outlives the workflow's remaining budget.
func (te *TaskExecutor) Run(ctx context.Context, entry *planner.Entry, exprCtx expression.Context, remainingBudget time.Duration) *TaskState {
	task := entry.Task
	start := time.Now().UTC()
	ts := &TaskState{Name: task.Name, Status: TaskRunning, StartedAt: &start}

	if ctx.Err() != nil {
		return terminal(ts, start, TaskCancelled, nil, nil)
	}

	if task.Condition != "" {
		resolved, err := expression.Resolve(task.Condition, exprCtx)
		if err != nil {
			te.logger.WithFields(log.Fields{"task": task.Name, "error": err}).Warn("condition resolution failed")
			return terminalError(ts, start, TaskFailed, errs.Wrap(errs.ParamResolution, err, "condition resolution failed"))
		}
		if !truthy(resolved) {
			ts.SkipReason = "ConditionFalse"
			return terminal(ts, start, TaskSkipped, nil, nil)
		}
	}

	params, err := resolveParameters(task.Parameters, exprCtx)
	if err != nil {
		return terminalError(ts, start, TaskFailed, errs.Wrap(errs.ParamResolution, err, "parameter resolution failed"))
	}

	dispatch, err := te.agents.Resolve(task.AgentType, task.Action)
	if err != nil {
		return terminalError(ts, start, TaskFailed, errs.Wrap(errs.AgentNotFound, err, err.Error()))
	}

	key := resilience.Key{AgentType: task.AgentType, Action: task.Action}
	timeout := time.Duration(entry.EffectiveTimeout) * time.Millisecond
	if remainingBudget > 0 && remainingBudget < timeout {
		timeout = remainingBudget
	}

	idempotent := te.agents.IsIdempotent(task.AgentType, task.Action)

	outcome := te.resolver.Call(ctx, key, task.AgentType, entry.EffectiveRetry, timeout, idempotent, func(callCtx context.Context) (interface{}, error) {
		result, execErr := dispatch.Execute(callCtx, params)
		if execErr != nil {
			return nil, execErr
		}
		if !result.OK {
			kind := errs.Kind(result.ErrorKind)
			if kind == "" {
				kind = errs.PermanentAgentError
			}
			return nil, errs.New(kind, result.Message)
		}
		return result.Data, nil
	})

	// TaskState.Attempt is zero-based: 0 for a first-try success, N after
	// N retries. The wrapper reports 1-based attempt counts.
	if outcome.Attempt > 0 {
		ts.Attempt = outcome.Attempt - 1
	}

	if outcome.Err != nil {
		kind := errs.KindOf(outcome.Err)
		if kind == errs.Cancelled {
			return terminal(ts, start, TaskCancelled, nil, nil)
		}
		return terminalError(ts, start, TaskFailed, outcome.Err.(*errs.Error))
	}

	ts.Output = outcome.Result
	return terminal(ts, start, TaskSucceeded, outcome.Result, nil)
}

func terminal(ts *TaskState, start time.Time, status TaskStatus, output interface{}, taskErr *TaskError) *TaskState {
	end := time.Now().UTC()
	ts.Status = status
	ts.EndedAt = &end
	ts.ElapsedMs = end.Sub(start).Milliseconds()
	if output != nil {
		ts.Output = output
	}
	ts.Error = taskErr
	return ts
}

func terminalError(ts *TaskState, start time.Time, status TaskStatus, e *errs.Error) *TaskState {
	return terminal(ts, start, status, nil, &TaskError{Kind: e.Kind, Message: e.Message, Retryable: e.Retryable})
}

// resolveParameters resolves an expression tree whose leaves are
// interface{} but the task's Parameters field is already
// map[string]interface{}; Resolve handles the walk directly.
func resolveParameters(params map[string]interface{}, exprCtx expression.Context) (map[string]interface{}, error) {
	if params == nil {
		return nil, nil
	}
	resolved, err := expression.Resolve(map[string]interface{}(params), exprCtx)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]interface{}), nil
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case float64:
		return t != 0
	default:
		return true
	}
}

// BuildTaskOutputs snapshots every terminal-succeeded task's output as
// JSON for the expression resolver's `tasks.<name>` scope.
func BuildTaskOutputs(states map[string]*TaskState) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(states))
	for name, ts := range states {
		if ts.Status != TaskSucceeded || ts.Output == nil {
			continue
		}
		raw, err := json.Marshal(ts.Output)
		if err != nil {
			continue
		}
		out[name] = raw
	}
	return out
}
