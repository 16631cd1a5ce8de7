package workflow

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Repository persists Workflow templates, keyed by ID with a monotonic
// Version per ID.
type Repository interface {
	Create(ctx context.Context, wf *Workflow) error
	Get(ctx context.Context, id string) (*Workflow, error)
	GetVersion(ctx context.Context, id string, version int) (*Workflow, error)
	Update(ctx context.Context, wf *Workflow) error
	List(ctx context.Context) ([]*Workflow, error)
	// IsReferencedByActiveExecution reports whether any non-terminal
	// execution was created against this workflow ID, regardless of
	// version — a referenced workflow is never mutated in place.
	IsReferencedByActiveExecution(ctx context.Context, id string) (bool, error)
}

// Service applies validation and versioning policy around a Repository.
type Service struct {
	repo   Repository
	logger *log.Logger
}

// NewService builds a workflow Service.
func NewService(repo Repository, logger *log.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Submit creates a brand new workflow template at version 1.
func (s *Service) Submit(ctx context.Context, wf *Workflow) (string, error) {
	if err := Validate(wf); err != nil {
		return "", fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()
	wf.Version = 1
	wf.CreatedAt = now
	wf.UpdatedAt = now

	if err := s.repo.Create(ctx, wf); err != nil {
		return "", fmt.Errorf("failed to create workflow: %w", err)
	}

	s.logger.WithFields(log.Fields{"workflow_id": wf.ID, "version": wf.Version}).Info("workflow submitted")
	return wf.ID, nil
}

// Edit updates an existing workflow. If the current version is
// referenced by an active execution, the edit lands as a new version
// rather than mutating the referenced one.
func (s *Service) Edit(ctx context.Context, wf *Workflow) error {
	if err := Validate(wf); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	current, err := s.repo.Get(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("failed to load current workflow: %w", err)
	}

	referenced, err := s.repo.IsReferencedByActiveExecution(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("failed to check active references: %w", err)
	}

	wf.UpdatedAt = time.Now().UTC()
	if referenced {
		wf.Version = current.Version + 1
		if err := s.repo.Create(ctx, wf); err != nil {
			return fmt.Errorf("failed to create new version: %w", err)
		}
		s.logger.WithFields(log.Fields{"workflow_id": wf.ID, "version": wf.Version}).
			Info("referenced workflow edited, new version created")
		return nil
	}

	wf.Version = current.Version
	wf.CreatedAt = current.CreatedAt
	if err := s.repo.Update(ctx, wf); err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	return nil
}

// Get returns the latest version of a workflow.
func (s *Service) Get(ctx context.Context, id string) (*Workflow, error) {
	return s.repo.Get(ctx, id)
}

// GetVersion returns a specific version of a workflow, used to bind an
// execution to the exact template it started against.
func (s *Service) GetVersion(ctx context.Context, id string, version int) (*Workflow, error) {
	return s.repo.GetVersion(ctx, id, version)
}

// List returns all workflow templates (latest version each).
func (s *Service) List(ctx context.Context) ([]*Workflow, error) {
	return s.repo.List(ctx)
}

// Validate checks the structural invariants of a workflow's task list:
// every referenced name must exist and names must be unique. Cycle
// detection and implicit-dependency scanning are the planner's job,
// since only it builds the full graph.
func Validate(wf *Workflow) error {
	if wf.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if len(wf.Tasks) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(wf.Tasks))
	for _, t := range wf.Tasks {
		if t.Name == "" {
			return fmt.Errorf("task name is required")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate task name %q", t.Name)
		}
		seen[t.Name] = true
	}

	for _, t := range wf.Tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("task %q depends on unknown task %q", t.Name, dep)
			}
		}
		if t.OnError.Kind == OnErrorFallback {
			for _, fb := range t.OnError.Fallback {
				if !seen[fb] {
					return fmt.Errorf("task %q fallback references unknown task %q", t.Name, fb)
				}
			}
		}
	}
	return nil
}

// EffectiveTimeoutMs resolves a task's timeout against workflow and
// orchestrator defaults.
func (t *TaskSpec) EffectiveTimeoutMs(wf *Workflow, orchestratorDefaultMs int) int {
	if t.TimeoutMs != nil {
		return *t.TimeoutMs
	}
	if wf.Config.DefaultTaskTimeoutMs > 0 {
		return wf.Config.DefaultTaskTimeoutMs
	}
	return orchestratorDefaultMs
}
