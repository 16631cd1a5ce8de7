package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/aosanya/workflowcore/internal/errs"
	"github.com/aosanya/workflowcore/internal/workflow"
	log "github.com/sirupsen/logrus"
)

func newTestWrapper() *Wrapper {
	breakers := NewBreakerRegistry(5, 50*time.Millisecond)
	sems := NewSemaphores(nil)
	logger := log.New()
	logger.SetOutput(discardWriter{})
	return NewWrapper(breakers, sems, logger)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestCallRetriesThenSucceeds(t *testing.T) {
	w := newTestWrapper()
	policy := &workflow.RetryPolicy{MaxAttempts: 3, InitialDelayMs: 1, MaxDelayMs: 10, Multiplier: 2, RetryOn: []string{string(errs.TransientAgentError)}}

	calls := 0
	dispatch := func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, errs.New(errs.TransientAgentError, "flaky")
		}
		return "ok", nil
	}

	out := w.Call(context.Background(), Key{AgentType: "http", Action: "fetch"}, "http", policy, 100*time.Millisecond, true, dispatch)
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if out.Attempt != 3 {
		t.Fatalf("expected attempt 3, got %d", out.Attempt)
	}
	if out.Result != "ok" {
		t.Fatalf("expected ok, got %v", out.Result)
	}
}

func TestCallZeroTimeoutFailsImmediately(t *testing.T) {
	w := newTestWrapper()
	out := w.Call(context.Background(), Key{AgentType: "http", Action: "fetch"}, "http", nil, 0, false, func(ctx context.Context) (interface{}, error) {
		t.Fatal("dispatch should not be invoked with zero timeout")
		return nil, nil
	})
	if out.Err == nil {
		t.Fatal("expected error")
	}
	if errs.KindOf(out.Err) != errs.Timeout {
		t.Fatalf("expected Timeout kind, got %v", errs.KindOf(out.Err))
	}
}

func TestCallNonIdempotentNeverRetries(t *testing.T) {
	w := newTestWrapper()
	policy := &workflow.RetryPolicy{MaxAttempts: 5, RetryOn: []string{string(errs.TransientAgentError)}}
	calls := 0
	dispatch := func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errs.New(errs.TransientAgentError, "flaky")
	}
	out := w.Call(context.Background(), Key{AgentType: "http", Action: "post"}, "http", policy, 100*time.Millisecond, false, dispatch)
	if out.Err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for non-idempotent agent, got %d", calls)
	}
}

func TestCallHardDeadlineDiscardsIgnoringAgent(t *testing.T) {
	w := newTestWrapper()
	block := make(chan struct{})
	defer close(block)

	// This dispatch never looks at its context; the wrapper must abandon
	// it at the hard deadline and report Timeout.
	dispatch := func(ctx context.Context) (interface{}, error) {
		<-block
		return "late", nil
	}

	out := w.Call(context.Background(), Key{AgentType: "slow", Action: "run"}, "slow", nil, 20*time.Millisecond, false, dispatch)
	if out.Err == nil {
		t.Fatal("expected error")
	}
	if errs.KindOf(out.Err) != errs.Timeout {
		t.Fatalf("expected Timeout kind, got %v", errs.KindOf(out.Err))
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	breakers := NewBreakerRegistry(2, 50*time.Millisecond)
	sems := NewSemaphores(nil)
	logger := log.New()
	logger.SetOutput(discardWriter{})
	w := NewWrapper(breakers, sems, logger)

	key := Key{AgentType: "http", Action: "flaky"}
	fail := func(ctx context.Context) (interface{}, error) {
		return nil, errs.New(errs.PermanentAgentError, "boom")
	}

	for i := 0; i < 2; i++ {
		out := w.Call(context.Background(), key, "http", nil, 50*time.Millisecond, false, fail)
		if out.Err == nil {
			t.Fatal("expected failure")
		}
	}

	out := w.Call(context.Background(), key, "http", nil, 50*time.Millisecond, false, fail)
	if errs.KindOf(out.Err) != errs.CircuitOpen {
		t.Fatalf("expected CircuitOpen after threshold, got %v", errs.KindOf(out.Err))
	}
}
