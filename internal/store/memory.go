// Package store provides the persistence implementations: a single
// backing type satisfies the workflow, execution, and scheduler
// repository contracts.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aosanya/workflowcore/internal/execution"
	"github.com/aosanya/workflowcore/internal/scheduler"
	"github.com/aosanya/workflowcore/internal/workflow"
	"github.com/google/uuid"
)

// MemoryStore is an in-process implementation of workflow.Repository,
// execution.Store, and scheduler.Repository, for unit tests and
// single-process/dev deployments.
type MemoryStore struct {
	mu sync.RWMutex

	workflows map[string][]*workflow.Workflow // keyed by ID, ordered oldest-to-newest version
	active    map[string]bool                 // workflow IDs referenced by a non-terminal execution

	executions map[string]*execution.Execution

	schedules   map[string]*scheduler.ScheduleEntry
	fires       map[string]bool
	leaseHolder string
	leaseExpiry time.Time
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  map[string][]*workflow.Workflow{},
		active:     map[string]bool{},
		executions: map[string]*execution.Execution{},
		schedules:  map[string]*scheduler.ScheduleEntry{},
		fires:      map[string]bool{},
	}
}

// --- workflow.Repository ---

func (m *MemoryStore) Create(ctx context.Context, wf *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	m.workflows[wf.ID] = append(m.workflows[wf.ID], cloneWorkflow(wf))
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.workflows[id]
	if len(versions) == 0 {
		return nil, fmt.Errorf("workflow not found: %s", id)
	}
	return cloneWorkflow(versions[len(versions)-1]), nil
}

func (m *MemoryStore) GetVersion(ctx context.Context, id string, version int) (*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, wf := range m.workflows[id] {
		if wf.Version == version {
			return cloneWorkflow(wf), nil
		}
	}
	return nil, fmt.Errorf("workflow version not found: %s v%d", id, version)
}

func (m *MemoryStore) Update(ctx context.Context, wf *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.workflows[wf.ID]
	for i, existing := range versions {
		if existing.Version == wf.Version {
			versions[i] = cloneWorkflow(wf)
			return nil
		}
	}
	return fmt.Errorf("workflow version not found: %s v%d", wf.ID, wf.Version)
}

func (m *MemoryStore) List(ctx context.Context) ([]*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workflow.Workflow, 0, len(m.workflows))
	for _, versions := range m.workflows {
		out = append(out, cloneWorkflow(versions[len(versions)-1]))
	}
	return out, nil
}

func (m *MemoryStore) IsReferencedByActiveExecution(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[id], nil
}

func cloneWorkflow(wf *workflow.Workflow) *workflow.Workflow {
	cp := *wf
	cp.Tasks = append([]workflow.TaskSpec(nil), wf.Tasks...)
	return &cp
}

// --- execution.Store ---

func (m *MemoryStore) CreateExecution(ctx context.Context, exec *execution.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	m.executions[exec.ID] = exec
	m.active[exec.WorkflowID] = true
	return nil
}

func (m *MemoryStore) UpdateExecutionStatus(ctx context.Context, exec *execution.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[exec.ID] = exec
	if exec.Status.Terminal() {
		stillActive := false
		for _, e := range m.executions {
			if e.WorkflowID == exec.WorkflowID && !e.Status.Terminal() {
				stillActive = true
				break
			}
		}
		if !stillActive {
			delete(m.active, exec.WorkflowID)
		}
	}
	return nil
}

func (m *MemoryStore) UpsertTaskState(ctx context.Context, executionID string, ts *execution.TaskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return fmt.Errorf("execution not found: %s", executionID)
	}
	if existing, ok := exec.TaskStates[ts.Name]; ok && existing.IsTerminal() && existing != ts {
		return fmt.Errorf("task %q is already terminal, write rejected", ts.Name)
	}
	if exec.TaskStates == nil {
		exec.TaskStates = map[string]*execution.TaskState{}
	}
	exec.TaskStates[ts.Name] = ts
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, executionID string) (*execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution not found: %s", executionID)
	}
	return exec, nil
}

func (m *MemoryStore) ListReadyTaskCandidates(ctx context.Context, executionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution not found: %s", executionID)
	}
	var out []string
	for name, ts := range exec.TaskStates {
		if ts.Status == execution.TaskPending || ts.Status == execution.TaskReady {
			out = append(out, name)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListExecutions(ctx context.Context) ([]*execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*execution.Execution, 0, len(m.executions))
	for _, e := range m.executions {
		out = append(out, e)
	}
	return out, nil
}

// --- scheduler.Repository ---

func (m *MemoryStore) ListEnabled(ctx context.Context) ([]*scheduler.ScheduleEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*scheduler.ScheduleEntry
	for _, e := range m.schedules {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, entry *scheduler.ScheduleEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[entry.WorkflowID] = entry
	return nil
}

func (m *MemoryStore) AdvanceNextFire(ctx context.Context, workflowID string, next time.Time, missed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.schedules[workflowID]; ok {
		e.NextFireAt = next
		e.MissedCount = missed
	}
	return nil
}

func (m *MemoryStore) AcquireLease(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if m.leaseHolder == "" || m.leaseHolder == holderID || now.After(m.leaseExpiry) {
		m.leaseHolder = holderID
		m.leaseExpiry = now.Add(ttl)
		return true, nil
	}
	return false, nil
}

func (m *MemoryStore) RenewLease(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaseHolder != holderID {
		return false, nil
	}
	m.leaseExpiry = time.Now().Add(ttl)
	return true, nil
}

func (m *MemoryStore) ReleaseLease(ctx context.Context, holderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaseHolder == holderID {
		m.leaseHolder = ""
	}
	return nil
}

func (m *MemoryStore) TryRecordFire(ctx context.Context, workflowID, dedupKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := workflowID + "|" + dedupKey
	if m.fires[key] {
		return false, nil
	}
	m.fires[key] = true
	return true, nil
}
