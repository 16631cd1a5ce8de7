// Package app wires the orchestrator core together into one process
// lifecycle: config load, store selection, agent registration, and
// signal-driven graceful drain. Transport and dashboard surfaces are
// external collaborators; App exposes the control surface as plain Go
// methods for whatever transport a caller wires on top.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aosanya/workflowcore/internal/agent"
	"github.com/aosanya/workflowcore/internal/config"
	"github.com/aosanya/workflowcore/internal/orchestrator"
	"github.com/aosanya/workflowcore/internal/registry"
	"github.com/aosanya/workflowcore/internal/store"
	"github.com/aosanya/workflowcore/internal/workflow"
	"github.com/sirupsen/logrus"
)

// App owns one Orchestrator plus whatever durable store backs it.
type App struct {
	config       *config.Config
	logger       *logrus.Logger
	orchestrator *orchestrator.Orchestrator
}

// New builds an App. The store backend follows cfg.Database.Type:
// "arangodb" dials ArangoDB and wraps it in the durable store; any other
// value (including the empty string, for local/dev runs) uses the
// in-memory store.
func New(cfg *config.Config) (*App, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	var st orchestrator.Store

	if cfg.Database.Type == "arangodb" {
		arangoStore, err := store.OpenArangoStore(context.Background(), &cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		st = arangoStore
	} else {
		logger.Info("no arangodb database configured, using in-memory execution store")
		st = store.NewMemoryStore()
	}

	reg := registry.New(logger)

	holderID, _ := os.Hostname()
	if holderID == "" {
		holderID = "workflowcore"
	}

	orch := orchestrator.New(orchestrator.Config{
		ConcurrencyCap:          cfg.Orchestrator.ConcurrencyCap,
		DefaultTaskTimeoutMs:    cfg.Orchestrator.DefaultTaskTimeoutMs,
		WorkflowTimeoutMs:       cfg.Orchestrator.WorkflowTimeoutMs,
		SchedulerTickMs:         cfg.Orchestrator.SchedulerTickMs,
		BreakerFailureThreshold: cfg.Orchestrator.BreakerFailureThreshold,
		BreakerOpenMs:           cfg.Orchestrator.BreakerOpenMs,
	}, st, reg, logger, holderID)

	return &App{config: cfg, logger: logger, orchestrator: orch}, nil
}

// RegisterAgent registers one pluggable agent implementation; callers
// wire in their concrete browser-driver, HTTP-client, or
// storage-connector agents before Run.
func (a *App) RegisterAgent(d *agent.Descriptor) error {
	return a.orchestrator.Registry().Register(d)
}

// Orchestrator exposes the control surface for an external transport
// collaborator to wire on top.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// SubmitWorkflow is a thin pass-through convenience wrapper; kept on App
// so a caller that only imports the app package, not orchestrator, can
// still drive the whole control surface.
func (a *App) SubmitWorkflow(ctx context.Context, wf *workflow.Workflow) (string, error) {
	return a.orchestrator.SubmitWorkflow(ctx, wf)
}

// Run starts the Agent Registry lifecycle and the Scheduler tick loop,
// then blocks until SIGINT/SIGTERM, draining on shutdown.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.orchestrator.Start(ctx)
	a.logger.Info("orchestrator started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	a.logger.Info("shutting down orchestrator")
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	a.orchestrator.Drain(drainCtx)

	a.logger.Info("orchestrator stopped")
	return nil
}
