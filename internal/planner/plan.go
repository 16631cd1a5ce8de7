package planner

import (
	"fmt"

	"github.com/aosanya/workflowcore/internal/expression"
	"github.com/aosanya/workflowcore/internal/workflow"
)

// PlanError is a planning-time failure: an unknown dependency or a
// cycle.
type PlanError struct {
	Kind string // "UnknownDep" or "Cycle"
	Msg  string
}

func (e *PlanError) Error() string { return e.Kind + ": " + e.Msg }

// Entry annotates one task with its computed level and effective policy.
type Entry struct {
	Task             workflow.TaskSpec
	Level            int
	EffectiveTimeout int
	EffectiveRetry   *workflow.RetryPolicy
}

// Plan is the validated, levelised DAG produced from a Workflow.
type Plan struct {
	Levels       [][]string
	Entries      map[string]*Entry
	Predecessors map[string][]string
	Successors   map[string][]string
}

// Build validates dependsOn references, scans parameters for implicit
// `${tasks.X...}` dependencies, detects cycles, and computes levels.
// Planning is deterministic: calling Build twice on an unchanged Workflow
// produces byte-identical Levels.
func Build(wf *workflow.Workflow, orchestratorDefaultTimeoutMs int) (*Plan, error) {
	g := newGraph()
	for _, t := range wf.Tasks {
		g.addNode(t.Name)
	}

	names := make(map[string]bool, len(wf.Tasks))
	for _, t := range wf.Tasks {
		names[t.Name] = true
	}

	for _, t := range wf.Tasks {
		for _, dep := range t.DependsOn {
			if !names[dep] {
				return nil, &PlanError{Kind: "UnknownDep", Msg: fmt.Sprintf("task %q depends on unknown task %q", t.Name, dep)}
			}
			g.addEdge(dep, t.Name)
		}

		// Rule 3: statically scan parameters (and the condition predicate,
		// which resolves against the same task outputs) for implicit
		// dependencies.
		refs := expression.References(t.Parameters)
		if t.Condition != "" {
			refs = append(refs, expression.References(t.Condition)...)
		}
		for _, ref := range refs {
			if !names[ref] {
				return nil, &PlanError{Kind: "UnknownDep", Msg: fmt.Sprintf("task %q references unknown task %q", t.Name, ref)}
			}
			if ref != t.Name {
				g.addEdge(ref, t.Name)
			}
		}
	}

	if cyc := g.cycle(); cyc != nil {
		return nil, &PlanError{Kind: "Cycle", Msg: fmtPath(cyc)}
	}

	levels := g.levels()

	plan := &Plan{
		Levels:       levels,
		Entries:      make(map[string]*Entry, len(wf.Tasks)),
		Predecessors: make(map[string][]string, len(wf.Tasks)),
		Successors:   make(map[string][]string, len(wf.Tasks)),
	}

	levelOf := make(map[string]int, len(wf.Tasks))
	for i, batch := range levels {
		for _, name := range batch {
			levelOf[name] = i
		}
	}

	for i := range wf.Tasks {
		t := wf.Tasks[i]
		plan.Entries[t.Name] = &Entry{
			Task:             t,
			Level:            levelOf[t.Name],
			EffectiveTimeout: t.EffectiveTimeoutMs(wf, orchestratorDefaultTimeoutMs),
			EffectiveRetry:   t.Retry,
		}
		plan.Predecessors[t.Name] = append([]string(nil), g.dependencies[t.Name]...)
		plan.Successors[t.Name] = append([]string(nil), g.dependents[t.Name]...)
	}

	return plan, nil
}

// Roots returns level 0, or nil for an empty workflow.
func (p *Plan) Roots() []string {
	if len(p.Levels) == 0 {
		return nil
	}
	return p.Levels[0]
}
