package store

import (
	"context"
	"testing"
	"time"

	"github.com/aosanya/workflowcore/internal/execution"
	"github.com/aosanya/workflowcore/internal/workflow"
)

func seedExecution(t *testing.T, m *MemoryStore) *execution.Execution {
	t.Helper()
	exec := &execution.Execution{
		ID:         "e1",
		WorkflowID: "wf1",
		Status:     execution.StatusRunning,
		StartedAt:  time.Now().UTC(),
		TaskStates: map[string]*execution.TaskState{},
	}
	if err := m.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	return exec
}

func TestUpsertTaskStateRejectsTerminalRewrite(t *testing.T) {
	m := NewMemoryStore()
	seedExecution(t, m)

	now := time.Now().UTC()
	done := &execution.TaskState{Name: "a", Status: execution.TaskSucceeded, EndedAt: &now, Output: "out"}
	if err := m.UpsertTaskState(context.Background(), "e1", done); err != nil {
		t.Fatalf("first terminal write: %v", err)
	}

	rewrite := &execution.TaskState{Name: "a", Status: execution.TaskFailed, EndedAt: &now}
	if err := m.UpsertTaskState(context.Background(), "e1", rewrite); err == nil {
		t.Fatal("expected terminal rewrite to be rejected")
	}
}

func TestTryRecordFireIsIdempotent(t *testing.T) {
	m := NewMemoryStore()
	first, err := m.TryRecordFire(context.Background(), "wf1", "2026-08-01T00:00:00Z")
	if err != nil || !first {
		t.Fatalf("expected first fire to record, got %v %v", first, err)
	}
	second, err := m.TryRecordFire(context.Background(), "wf1", "2026-08-01T00:00:00Z")
	if err != nil || second {
		t.Fatalf("expected duplicate fire to be rejected, got %v %v", second, err)
	}
	other, err := m.TryRecordFire(context.Background(), "wf1", "2026-08-01T00:01:00Z")
	if err != nil || !other {
		t.Fatalf("expected distinct slot to record, got %v %v", other, err)
	}
}

func TestLeaseLifecycle(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	ok, err := m.AcquireLease(ctx, "a", 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected a to acquire, got %v %v", ok, err)
	}
	ok, _ = m.AcquireLease(ctx, "b", 50*time.Millisecond)
	if ok {
		t.Fatal("expected b to be denied while a holds the lease")
	}

	renewed, _ := m.RenewLease(ctx, "a", 50*time.Millisecond)
	if !renewed {
		t.Fatal("expected holder to renew")
	}
	renewed, _ = m.RenewLease(ctx, "b", 50*time.Millisecond)
	if renewed {
		t.Fatal("expected non-holder renewal to fail")
	}

	if err := m.ReleaseLease(ctx, "a"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	ok, _ = m.AcquireLease(ctx, "b", 50*time.Millisecond)
	if !ok {
		t.Fatal("expected b to acquire after release")
	}
}

func TestLeaseExpiryAllowsTakeover(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if ok, _ := m.AcquireLease(ctx, "a", time.Millisecond); !ok {
		t.Fatal("expected a to acquire")
	}
	time.Sleep(5 * time.Millisecond)
	if ok, _ := m.AcquireLease(ctx, "b", time.Second); !ok {
		t.Fatal("expected b to take over an expired lease")
	}
}

func TestWorkflowVersionsCoexist(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	v1 := &workflow.Workflow{ID: "wf1", Name: "one", Version: 1}
	v2 := &workflow.Workflow{ID: "wf1", Name: "one", Version: 2}
	if err := m.Create(ctx, v1); err != nil {
		t.Fatalf("create v1: %v", err)
	}
	if err := m.Create(ctx, v2); err != nil {
		t.Fatalf("create v2: %v", err)
	}

	latest, err := m.Get(ctx, "wf1")
	if err != nil || latest.Version != 2 {
		t.Fatalf("expected latest version 2, got %+v %v", latest, err)
	}
	old, err := m.GetVersion(ctx, "wf1", 1)
	if err != nil || old.Version != 1 {
		t.Fatalf("expected version 1 readable, got %+v %v", old, err)
	}
}
