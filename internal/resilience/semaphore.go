package resilience

import (
	"context"
	"sync"
)

// Semaphores bounds per-agent-type concurrent dispatches via the
// `maxConcurrent` an agent may declare. Limits are looked up lazily on
// first dispatch, so agents registered after the wrapper is built are
// still bounded.
type Semaphores struct {
	limitFor func(agentType string) int

	mu    sync.Mutex
	chans map[string]chan struct{}
}

// NewSemaphores builds a Semaphores table. limitFor resolves an agent
// type's maxConcurrent; nil, or a limit <= 0, means unbounded.
func NewSemaphores(limitFor func(agentType string) int) *Semaphores {
	return &Semaphores{limitFor: limitFor, chans: make(map[string]chan struct{})}
}

// Acquire blocks until a slot is free for agentType or ctx is done.
func (s *Semaphores) Acquire(ctx context.Context, agentType string) (release func(), err error) {
	s.mu.Lock()
	ch, seen := s.chans[agentType]
	if !seen {
		limit := 0
		if s.limitFor != nil {
			limit = s.limitFor(agentType)
		}
		if limit > 0 {
			ch = make(chan struct{}, limit)
		}
		s.chans[agentType] = ch // nil entry marks an unbounded agent type
	}
	s.mu.Unlock()

	if ch == nil {
		return func() {}, nil
	}
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
