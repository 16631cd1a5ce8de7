package planner

import (
	"testing"

	"github.com/aosanya/workflowcore/internal/workflow"
)

func TestBuildLinearWorkflow(t *testing.T) {
	wf := &workflow.Workflow{ID: "w1", Tasks: []workflow.TaskSpec{
		{Name: "A"},
		{Name: "B", DependsOn: []string{"A"}},
		{Name: "C", DependsOn: []string{"B"}},
	}}

	plan, err := Build(wf, 30000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Levels) != 3 {
		t.Fatalf("expected 3 levels, got %d: %v", len(plan.Levels), plan.Levels)
	}
	if plan.Levels[0][0] != "A" || plan.Levels[1][0] != "B" || plan.Levels[2][0] != "C" {
		t.Fatalf("unexpected level ordering: %v", plan.Levels)
	}
}

func TestBuildDeclarationOrderTieBreak(t *testing.T) {
	wf := &workflow.Workflow{ID: "w1", Tasks: []workflow.TaskSpec{
		{Name: "zebra"},
		{Name: "alpha"},
	}}
	plan, err := Build(wf, 30000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Levels) != 1 || plan.Levels[0][0] != "zebra" || plan.Levels[0][1] != "alpha" {
		t.Fatalf("expected declaration-order tie-break [zebra alpha], got %v", plan.Levels)
	}
}

func TestBuildSelfDependencyCycle(t *testing.T) {
	wf := &workflow.Workflow{ID: "w1", Tasks: []workflow.TaskSpec{
		{Name: "A", DependsOn: []string{"A"}},
	}}
	_, err := Build(wf, 30000)
	if err == nil {
		t.Fatal("expected PlanError(Cycle)")
	}
	pe, ok := err.(*PlanError)
	if !ok || pe.Kind != "Cycle" {
		t.Fatalf("expected Cycle PlanError, got %v", err)
	}
}

func TestBuildUnknownDependency(t *testing.T) {
	wf := &workflow.Workflow{ID: "w1", Tasks: []workflow.TaskSpec{
		{Name: "A", DependsOn: []string{"ghost"}},
	}}
	_, err := Build(wf, 30000)
	pe, ok := err.(*PlanError)
	if !ok || pe.Kind != "UnknownDep" {
		t.Fatalf("expected UnknownDep PlanError, got %v", err)
	}
}

func TestBuildImplicitDependencyFromExpression(t *testing.T) {
	wf := &workflow.Workflow{ID: "w1", Tasks: []workflow.TaskSpec{
		{Name: "search"},
		{Name: "navigate", Parameters: map[string]interface{}{
			"url": "${tasks.search.results[0].url}",
		}},
	}}
	plan, err := Build(wf, 30000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Levels) != 2 {
		t.Fatalf("expected implicit dependency to create 2 levels, got %d", len(plan.Levels))
	}
	if plan.Levels[0][0] != "search" || plan.Levels[1][0] != "navigate" {
		t.Fatalf("unexpected levels: %v", plan.Levels)
	}
}

func TestBuildEmptyWorkflowSucceeds(t *testing.T) {
	wf := &workflow.Workflow{ID: "w1"}
	plan, err := Build(wf, 30000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Levels) != 0 {
		t.Fatalf("expected no levels, got %v", plan.Levels)
	}
}

func TestBuildDeterministic(t *testing.T) {
	wf := &workflow.Workflow{ID: "w1", Tasks: []workflow.TaskSpec{
		{Name: "A"},
		{Name: "B", DependsOn: []string{"A"}},
		{Name: "C", DependsOn: []string{"A"}},
	}}
	p1, err := Build(wf, 30000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p2, err := Build(wf, 30000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p1.Levels) != len(p2.Levels) {
		t.Fatalf("non-deterministic level count")
	}
	for i := range p1.Levels {
		if len(p1.Levels[i]) != len(p2.Levels[i]) {
			t.Fatalf("non-deterministic level %d", i)
		}
		for j := range p1.Levels[i] {
			if p1.Levels[i][j] != p2.Levels[i][j] {
				t.Fatalf("non-deterministic ordering at level %d", i)
			}
		}
	}
}
