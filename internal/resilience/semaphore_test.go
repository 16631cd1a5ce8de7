package resilience

import (
	"context"
	"testing"
	"time"
)

func TestSemaphoresBoundsConcurrency(t *testing.T) {
	sems := NewSemaphores(func(agentType string) int { return 1 })

	release, err := sems.Acquire(context.Background(), "browser")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sems.Acquire(ctx, "browser"); err == nil {
		t.Fatal("expected second acquire to block until context expiry")
	}

	release()
	release2, err := sems.Acquire(context.Background(), "browser")
	if err != nil {
		t.Fatalf("unexpected error after release: %v", err)
	}
	release2()
}

func TestSemaphoresUnboundedAgentType(t *testing.T) {
	sems := NewSemaphores(nil)
	for i := 0; i < 100; i++ {
		release, err := sems.Acquire(context.Background(), "http")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		release()
	}
}
