package execution

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aosanya/workflowcore/internal/errs"
	"github.com/aosanya/workflowcore/internal/expression"
	"github.com/aosanya/workflowcore/internal/planner"
	"github.com/aosanya/workflowcore/internal/workflow"
	log "github.com/sirupsen/logrus"
)

// Runtime drives a single Execution from pending to terminal, running
// ready tasks concurrently up to a concurrency cap, propagating failure
// and fallback policy, and persisting every state transition before
// observing it as committed.
type Runtime struct {
	executor              *TaskExecutor
	store                 Store
	logger                *log.Logger
	defaultConcurrencyCap int
	defaultWorkflowMs     int
}

// NewRuntime builds a Runtime.
func NewRuntime(executor *TaskExecutor, store Store, logger *log.Logger, defaultConcurrencyCap, defaultWorkflowMs int) *Runtime {
	return &Runtime{
		executor:              executor,
		store:                 store,
		logger:                logger,
		defaultConcurrencyCap: defaultConcurrencyCap,
		defaultWorkflowMs:     defaultWorkflowMs,
	}
}

// taskOutcome is what a finished task executor goroutine reports back to
// the scheduling loop.
type taskOutcome struct {
	state *TaskState
}

// Run drives exec to a terminal status. It blocks until the execution
// finishes; callers invoke it from a goroutine to get the async
// TriggerExecution semantics the Control API exposes. The execution's own
// runtime context (exec.Context()) carries its cancellation signal.
func (rt *Runtime) Run(ctx context.Context, wf *workflow.Workflow, plan *planner.Plan, exec *Execution) {
	concurrencyCap := wf.Config.ConcurrencyCap
	if concurrencyCap <= 0 {
		concurrencyCap = rt.defaultConcurrencyCap
	}

	workflowTimeoutMs := wf.Config.TimeoutMs
	if workflowTimeoutMs <= 0 {
		workflowTimeoutMs = rt.defaultWorkflowMs
	}
	deadline := exec.StartedAt.Add(time.Duration(workflowTimeoutMs) * time.Millisecond)

	if exec.TaskStates == nil {
		exec.TaskStates = make(map[string]*TaskState, len(wf.Tasks))
	}
	for _, t := range wf.Tasks {
		if _, exists := exec.TaskStates[t.Name]; !exists {
			exec.TaskStates[t.Name] = &TaskState{Name: t.Name, Status: TaskPending}
		}
	}

	exec.Status = StatusRunning
	_ = rt.store.UpdateExecutionStatus(ctx, exec)

	if len(wf.Tasks) == 0 {
		rt.finish(ctx, exec, StatusSucceeded)
		return
	}

	fallbackOf := buildFallbackIndex(wf)
	refIdx := buildReferenceIndex(wf)
	env := envMap()

	doneCh := make(chan taskOutcome, len(wf.Tasks))
	running := make(map[string]bool)
	agentsSeen := make(map[string]bool)
	var mu sync.Mutex

	for {
		if time.Now().After(deadline) {
			exec.Cancel(CancelReasonTimeout)
		}

		mu.Lock()
		progressed := rt.advancePending(ctx, exec, plan, fallbackOf, refIdx)
		ready := rt.readyTasks(exec, plan, fallbackOf, refIdx)

		launchable := ready
		if slots := concurrencyCap - len(running); slots < len(launchable) {
			if slots < 0 {
				slots = 0
			}
			launchable = launchable[:slots]
		}

		for _, name := range launchable {
			entry := plan.Entries[name]
			ts := exec.TaskStates[name]
			ts.Status = TaskRunning
			_ = rt.store.UpsertTaskState(ctx, exec.ID, ts)
			running[name] = true
			if !agentsSeen[entry.Task.AgentType] {
				agentsSeen[entry.Task.AgentType] = true
				exec.Metrics.AgentsUtilized = len(agentsSeen)
			}

			exprCtx := buildExprContext(exec, wf, env)
			remaining := time.Until(deadline)

			go func(entry *planner.Entry) {
				finished := rt.executor.Run(exec.Context(), entry, exprCtx, remaining)
				doneCh <- taskOutcome{state: finished}
			}(entry)
		}

		allTerminal := rt.allTerminal(exec)
		runningCount := len(running)
		mu.Unlock()

		if allTerminal {
			break
		}

		if !progressed && runningCount == 0 && len(launchable) == 0 {
			// Nothing ready, nothing running, not everything terminal:
			// the remaining tasks are unreachable from here; mark them
			// skipped so the run still reaches a terminal state.
			rt.forceTerminalRemaining(ctx, exec)
			break
		}

		if runningCount == 0 {
			continue
		}

		select {
		case o := <-doneCh:
			mu.Lock()
			delete(running, o.state.Name)
			exec.TaskStates[o.state.Name] = o.state
			_ = rt.store.UpsertTaskState(ctx, exec.ID, o.state)
			rt.updateMetrics(exec, o.state)
			if primary, isFallback := fallbackOf[o.state.Name]; isFallback && o.state.Status == TaskSucceeded {
				if ps := exec.TaskStates[primary]; ps != nil {
					ps.Recovered = true
					_ = rt.store.UpsertTaskState(ctx, exec.ID, ps)
				}
			}
			mu.Unlock()
		case <-exec.Context().Done():
			rt.drainRunning(ctx, exec, doneCh, running, &mu)
			mu.Lock()
			finishedAll := rt.allTerminal(exec)
			mu.Unlock()
			if finishedAll {
				rt.finish(ctx, exec, StatusCancelled)
				return
			}
		}
	}

	status := StatusSucceeded
	var firstFail *TaskState
	for _, t := range wf.Tasks {
		ts := exec.TaskStates[t.Name]
		if ts.Status != TaskFailed || ts.Recovered {
			continue
		}
		entry, ok := plan.Entries[ts.Name]
		if ok && entry.Task.OnError.Kind == workflow.OnErrorContinue {
			continue
		}
		status = StatusFailed
		if firstFail == nil || endedBefore(ts, firstFail) {
			firstFail = ts
		}
	}
	if firstFail != nil && firstFail.Error != nil {
		exec.FailureDigest = &FailureDigest{TaskName: firstFail.Name, Kind: firstFail.Error.Kind, Message: firstFail.Error.Message}
	}
	if exec.CancelReason != CancelReasonNone {
		status = StatusCancelled
	}
	rt.finish(ctx, exec, status)
}

// advancePending marks any pending task whose predecessors have already
// resolved unsuccessfully as skipped(UpstreamFailed). Returns true if it
// changed anything, so the caller can detect a stalled run.
func (rt *Runtime) advancePending(ctx context.Context, exec *Execution, plan *planner.Plan, fallbackOf map[string]string, refIdx map[string]map[string]bool) bool {
	changed := false
	for name, ts := range exec.TaskStates {
		if ts.Status != TaskPending {
			continue
		}
		if primary, isFallback := fallbackOf[name]; isFallback {
			ps := exec.TaskStates[primary]
			if ps.Status.Terminal() && ps.Status != TaskFailed {
				skip(ts, "FallbackNotNeeded")
				_ = rt.store.UpsertTaskState(ctx, exec.ID, ts)
				changed = true
				continue
			}
		}
		for _, dep := range plan.Predecessors[name] {
			depState := exec.TaskStates[dep]
			blocked := depState.Status == TaskSkipped || depState.Status == TaskCancelled ||
				(depState.Status == TaskFailed &&
					!rt.failedDepSatisfied(exec, plan, fallbackOf, refIdx, name, dep) &&
					!rt.fallbackStillPossible(exec, plan, dep))
			if blocked {
				skip(ts, "UpstreamFailed")
				_ = rt.store.UpsertTaskState(ctx, exec.ID, ts)
				changed = true
				break
			}
		}
	}
	return changed
}

// failedDepSatisfied reports whether name may still proceed past its
// failed predecessor dep: the failure was recovered by a fallback, name
// is itself dep's fallback, or dep declared onError=continue and name
// never consumes dep's output (under continue, only dependents that
// reference the failed task's output are skipped).
func (rt *Runtime) failedDepSatisfied(exec *Execution, plan *planner.Plan, fallbackOf map[string]string, refIdx map[string]map[string]bool, name, dep string) bool {
	if exec.TaskStates[dep].Recovered {
		return true
	}
	if fallbackOf[name] == dep {
		return true
	}
	entry, ok := plan.Entries[dep]
	if ok && entry.Task.OnError.Kind == workflow.OnErrorContinue && !refIdx[name][dep] {
		return true
	}
	return false
}

// fallbackStillPossible reports whether a failed task's fallback chain is
// still in flight, in which case skip decisions for its dependents are
// deferred until every fallback task is terminal.
func (rt *Runtime) fallbackStillPossible(exec *Execution, plan *planner.Plan, dep string) bool {
	entry, ok := plan.Entries[dep]
	if !ok || entry.Task.OnError.Kind != workflow.OnErrorFallback {
		return false
	}
	for _, fb := range entry.Task.OnError.Fallback {
		if fbState, exists := exec.TaskStates[fb]; exists && !fbState.IsTerminal() {
			return true
		}
	}
	return false
}

// endedBefore reports whether a terminated before b, for picking the
// first failing task of a run.
func endedBefore(a, b *TaskState) bool {
	if a.EndedAt == nil || b.EndedAt == nil {
		return false
	}
	return a.EndedAt.Before(*b.EndedAt)
}

func skip(ts *TaskState, reason string) {
	now := time.Now().UTC()
	ts.Status = TaskSkipped
	ts.SkipReason = reason
	ts.EndedAt = &now
}

// readyTasks returns pending tasks whose predecessors are all
// terminal-successful (or satisfied via a successful fallback), in
// declaration/level order for determinism.
func (rt *Runtime) readyTasks(exec *Execution, plan *planner.Plan, fallbackOf map[string]string, refIdx map[string]map[string]bool) []string {
	var ready []string
	for _, level := range plan.Levels {
		for _, name := range level {
			ts := exec.TaskStates[name]
			if ts.Status != TaskPending {
				continue
			}
			if primary, isFallback := fallbackOf[name]; isFallback {
				if exec.TaskStates[primary].Status != TaskFailed {
					continue
				}
			}
			if rt.predecessorsSatisfied(exec, plan, fallbackOf, refIdx, name) {
				ready = append(ready, name)
			}
		}
	}
	return ready
}

func (rt *Runtime) predecessorsSatisfied(exec *Execution, plan *planner.Plan, fallbackOf map[string]string, refIdx map[string]map[string]bool, name string) bool {
	for _, dep := range plan.Predecessors[name] {
		depState := exec.TaskStates[dep]
		if depState.Status == TaskSucceeded {
			continue
		}
		if depState.Status == TaskFailed && rt.failedDepSatisfied(exec, plan, fallbackOf, refIdx, name, dep) {
			continue
		}
		return false
	}
	return true
}

func (rt *Runtime) allTerminal(exec *Execution) bool {
	for _, ts := range exec.TaskStates {
		if !ts.IsTerminal() {
			return false
		}
	}
	return true
}

func (rt *Runtime) forceTerminalRemaining(ctx context.Context, exec *Execution) {
	now := time.Now().UTC()
	for _, ts := range exec.TaskStates {
		if !ts.IsTerminal() {
			ts.Status = TaskSkipped
			ts.SkipReason = "UpstreamFailed"
			ts.EndedAt = &now
			_ = rt.store.UpsertTaskState(ctx, exec.ID, ts)
		}
	}
}

// drainRunning waits for every currently-running task to return after a
// cancellation signal fires, marks untouched pending tasks cancelled
// immediately, and persists every resulting state; the execution reaches
// cancelled only after all in-flight tasks are terminal.
func (rt *Runtime) drainRunning(ctx context.Context, exec *Execution, doneCh chan taskOutcome, running map[string]bool, mu *sync.Mutex) {
	now := time.Now().UTC()

	mu.Lock()
	for _, ts := range exec.TaskStates {
		if ts.Status == TaskPending {
			ts.Status = TaskCancelled
			ts.EndedAt = &now
			_ = rt.store.UpsertTaskState(ctx, exec.ID, ts)
		}
	}
	remaining := len(running)
	mu.Unlock()

	for i := 0; i < remaining; i++ {
		o := <-doneCh
		mu.Lock()
		delete(running, o.state.Name)
		exec.TaskStates[o.state.Name] = o.state
		_ = rt.store.UpsertTaskState(ctx, exec.ID, o.state)
		mu.Unlock()
	}
}

func (rt *Runtime) finish(ctx context.Context, exec *Execution, status Status) {
	now := time.Now().UTC()
	exec.Status = status
	exec.EndedAt = &now
	exec.Metrics.TasksSucceeded, exec.Metrics.TasksFailed = 0, 0
	exec.Metrics.TasksSkipped, exec.Metrics.TasksCancelled = 0, 0
	for _, ts := range exec.TaskStates {
		switch ts.Status {
		case TaskSucceeded:
			exec.Metrics.TasksSucceeded++
		case TaskFailed:
			exec.Metrics.TasksFailed++
		case TaskSkipped:
			exec.Metrics.TasksSkipped++
		case TaskCancelled:
			exec.Metrics.TasksCancelled++
		}
	}
	_ = rt.store.UpdateExecutionStatus(ctx, exec)
	rt.logger.WithFields(log.Fields{"execution_id": exec.ID, "status": status}).Info("execution finished")
}

func (rt *Runtime) updateMetrics(exec *Execution, ts *TaskState) {
	switch ts.Status {
	case TaskSucceeded:
		exec.Metrics.TasksSucceeded++
	case TaskFailed:
		exec.Metrics.TasksFailed++
	case TaskSkipped:
		exec.Metrics.TasksSkipped++
	case TaskCancelled:
		exec.Metrics.TasksCancelled++
	}
	if ts.Attempt > 0 {
		exec.Metrics.RetryCount += ts.Attempt
	}
	if ts.Error != nil && ts.Error.Kind == errs.CircuitOpen {
		exec.Metrics.BreakerTrips++
	}
}

// buildFallbackIndex maps a fallback task's name to the primary task it
// recovers, assuming each fallback task serves at most one primary.
func buildFallbackIndex(wf *workflow.Workflow) map[string]string {
	idx := make(map[string]string)
	for _, t := range wf.Tasks {
		if t.OnError.Kind == workflow.OnErrorFallback {
			for _, fb := range t.OnError.Fallback {
				idx[fb] = t.Name
			}
		}
	}
	return idx
}

// buildReferenceIndex maps each task to the set of upstream tasks whose
// output it consumes, via `${tasks.X...}` references in its parameters or
// condition. Distinguishes output-consuming dependents from ordering-only
// dependsOn edges when a failed predecessor declared onError=continue.
func buildReferenceIndex(wf *workflow.Workflow) map[string]map[string]bool {
	idx := make(map[string]map[string]bool, len(wf.Tasks))
	for _, t := range wf.Tasks {
		refs := map[string]bool{}
		for _, name := range expression.References(t.Parameters) {
			refs[name] = true
		}
		if t.Condition != "" {
			for _, name := range expression.References(t.Condition) {
				refs[name] = true
			}
		}
		idx[t.Name] = refs
	}
	return idx
}

func buildExprContext(exec *Execution, wf *workflow.Workflow, env map[string]string) expression.Context {
	var input json.RawMessage
	if exec.Input != nil {
		if b, err := json.Marshal(exec.Input); err == nil {
			input = b
		}
	}
	return expression.Context{
		TaskOutputs: BuildTaskOutputs(exec.TaskStates),
		Env:         env,
		Workflow: expression.WorkflowMeta{
			ID:        wf.ID,
			Version:   wf.Version,
			StartedAt: exec.StartedAt.Format(time.RFC3339),
		},
		Input: input,
	}
}

func envMap() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			out[k] = v
		}
	}
	return out
}
