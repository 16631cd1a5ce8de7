package execution

import "context"

// Store is the execution half of the persistence contract: atomic
// per-entity writes of Executions and TaskStates. The Workflow,
// ScheduleEntry, and SchedulerLease halves live in the workflow and
// scheduler packages' own Repository interfaces; a concrete store in
// internal/store implements all of them together.
type Store interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	UpdateExecutionStatus(ctx context.Context, exec *Execution) error
	// UpsertTaskState writes a TaskState. Terminal states are write-once:
	// implementations must reject a write that would mutate an
	// already-terminal state.
	UpsertTaskState(ctx context.Context, executionID string, ts *TaskState) error
	GetExecution(ctx context.Context, executionID string) (*Execution, error)
	ListExecutions(ctx context.Context) ([]*Execution, error)
	// ListReadyTaskCandidates returns the names of an execution's
	// non-terminal, not-yet-running tasks. Candidates only: the runtime
	// still filters by predecessor state, and usually derives the same
	// set in memory without this call.
	ListReadyTaskCandidates(ctx context.Context, executionID string) ([]string, error)
}
