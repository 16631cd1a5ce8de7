// Package resilience is the policy layer around agent dispatch: every
// call passes through a BreakerRegistry-backed circuit breaker, a
// cooperative timeout, and an exponential backoff retry loop.
package resilience

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Key identifies one breaker: an (agentType, action) pair. Breaker
// state is process-wide and shared across executions, so failures from
// one run protect others.
type Key struct {
	AgentType string
	Action    string
}

func (k Key) String() string { return k.AgentType + "/" + k.Action }

// BreakerRegistry lazily creates and caches one gobreaker.CircuitBreaker
// per Key, all sharing the same failure-threshold/open-timeout settings.
type BreakerRegistry struct {
	failureThreshold uint32
	openTimeout      time.Duration

	mu       sync.Mutex
	breakers map[Key]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry builds a registry; failureThreshold and openTimeout
// come from the orchestrator config (breakerFailureThreshold,
// breakerOpenMs).
func NewBreakerRegistry(failureThreshold int, openTimeout time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		failureThreshold: uint32(failureThreshold),
		openTimeout:      openTimeout,
		breakers:         make(map[Key]*gobreaker.CircuitBreaker),
	}
}

// get returns the breaker for key, creating it under lock on first use.
// The registry is shared across every concurrently running execution, so
// lookup and lazy creation both need to be safe for concurrent callers.
func (r *BreakerRegistry) get(key Key) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key.String(),
		MaxRequests: 1, // exactly one probe allowed in half-open
		Timeout:     r.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.failureThreshold
		},
	})
	r.breakers[key] = b
	return b
}

// State reports the current breaker state for a key, creating it closed
// if it doesn't exist yet.
func (r *BreakerRegistry) State(key Key) gobreaker.State {
	return r.get(key).State()
}

// execute runs fn through the named breaker. gobreaker itself serializes
// state transitions per breaker instance, so no explicit mutex is needed
// here.
func (r *BreakerRegistry) execute(key Key, fn func() (interface{}, error)) (interface{}, error) {
	return r.get(key).Execute(fn)
}
