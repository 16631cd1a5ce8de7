package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aosanya/workflowcore/internal/agent"
	log "github.com/sirupsen/logrus"
)

type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, action string, params map[string]interface{}) (agent.Result, error) {
	return agent.Result{OK: true, Data: params}, nil
}

type stubHooks struct {
	initErr error
	slow    bool
}

func (h stubHooks) Initialize(ctx context.Context) error {
	if h.slow {
		select {
		case <-time.After(time.Hour):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return h.initErr
}
func (h stubHooks) Cleanup(ctx context.Context) error { return nil }

func newTestLogger() *log.Logger {
	l := log.New()
	l.SetOutput(discardWriter{})
	return l
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestRegisterDuplicate(t *testing.T) {
	r := New(newTestLogger())
	d := agent.New("http", "HTTP", nil, echoExecutor{})
	if err := r.Register(d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := r.Register(agent.New("http", "HTTP 2", nil, echoExecutor{}))
	if !errors.Is(err, agent.ErrDuplicateAgent) {
		t.Fatalf("expected ErrDuplicateAgent, got %v", err)
	}
}

func TestResolveUnknownAgent(t *testing.T) {
	r := New(newTestLogger())
	_, err := r.Resolve("missing", "action")
	if !errors.Is(err, agent.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestResolveRequiresInitialization(t *testing.T) {
	r := New(newTestLogger())
	d := agent.New("http", "HTTP", map[string]agent.Action{"fetch": {Name: "fetch"}}, echoExecutor{})
	_ = r.Register(d)

	_, err := r.Resolve("http", "fetch")
	if !errors.Is(err, agent.ErrDescriptorUnhealthy) {
		t.Fatalf("expected ErrDescriptorUnhealthy before Start, got %v", err)
	}

	r.Start(context.Background())

	action, err := r.Resolve("http", "fetch")
	if err != nil {
		t.Fatalf("unexpected error after Start: %v", err)
	}
	result, err := action.Execute(context.Background(), map[string]interface{}{"url": "https://x"})
	if err != nil || !result.OK {
		t.Fatalf("expected successful execute, got %+v, %v", result, err)
	}
}

func TestStartIsolatesFailingHook(t *testing.T) {
	r := New(newTestLogger())
	good := agent.New("good", "Good", nil, echoExecutor{})
	good.Hooks = stubHooks{}
	bad := agent.New("bad", "Bad", nil, echoExecutor{})
	bad.Hooks = stubHooks{initErr: errors.New("boom")}

	_ = r.Register(good)
	_ = r.Register(bad)

	r.Start(context.Background())

	if good.State() != agent.StateInitialized {
		t.Fatalf("expected good descriptor initialized, got %v", good.State())
	}
	if bad.State() != agent.StateFailed {
		t.Fatalf("expected bad descriptor failed, got %v", bad.State())
	}
}

func TestDescriptorRetainsMaxConcurrent(t *testing.T) {
	r := New(newTestLogger())
	d := agent.New("http", "HTTP", nil, echoExecutor{})
	d.MaxConcurrent = 3
	_ = r.Register(d)

	got, ok := r.Descriptor("http")
	if !ok || got.MaxConcurrent != 3 {
		t.Fatalf("expected registered descriptor with limit 3, got %+v", got)
	}
}
