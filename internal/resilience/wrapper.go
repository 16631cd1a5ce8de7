package resilience

import (
	"context"
	"math"
	"time"

	"github.com/aosanya/workflowcore/internal/errs"
	"github.com/aosanya/workflowcore/internal/workflow"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Dispatch is the signature of one agent call, already bound to an
// action and its resolved parameters.
type Dispatch func(ctx context.Context) (interface{}, error)

// Wrapper is the policy layer around agent dispatch: every call passes
// through the breaker, a cancellable deadline, and an exponential
// backoff retry loop.
type Wrapper struct {
	breakers *BreakerRegistry
	sems     *Semaphores
	logger   *log.Logger
}

// NewWrapper builds a Wrapper around a shared BreakerRegistry and
// Semaphores table.
func NewWrapper(breakers *BreakerRegistry, sems *Semaphores, logger *log.Logger) *Wrapper {
	return &Wrapper{breakers: breakers, sems: sems, logger: logger}
}

// Outcome is the structured result of a Call.
type Outcome struct {
	Result  interface{}
	Attempt int
	Err     error // an *errs.Error on failure
}

// Call runs dispatch under the breaker keyed by key, with up to
// policy.MaxAttempts attempts (1 if policy is nil), each bounded by
// timeout, retrying only errors in policy.RetryOn when idempotent is
// true. A timeout of 0 fails immediately without dispatching.
func (w *Wrapper) Call(ctx context.Context, key Key, agentType string, policy *workflow.RetryPolicy, timeout time.Duration, idempotent bool, dispatch Dispatch) Outcome {
	if timeout <= 0 {
		return Outcome{Attempt: 0, Err: errs.New(errs.Timeout, "task timeout is zero")}
	}

	maxAttempts := 1
	var initialDelay, maxDelay time.Duration
	multiplier := 2.0
	retryOn := map[string]bool{}
	if policy != nil {
		if policy.MaxAttempts > 0 {
			maxAttempts = policy.MaxAttempts
		}
		initialDelay = time.Duration(policy.InitialDelayMs) * time.Millisecond
		maxDelay = time.Duration(policy.MaxDelayMs) * time.Millisecond
		if policy.Multiplier > 0 {
			multiplier = policy.Multiplier
		}
		for _, k := range policy.RetryOn {
			retryOn[k] = true
		}
	}

	release, err := w.sems.Acquire(ctx, agentType)
	if err != nil {
		return Outcome{Err: errs.Wrap(errs.Cancelled, err, "cancelled waiting for agent concurrency slot")}
	}
	defer release()

	var attempt int
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		result, callErr := w.breakers.execute(key, func() (interface{}, error) {
			return dispatchBounded(callCtx, dispatch)
		})
		cancel()

		if callErr == nil {
			return Outcome{Result: result, Attempt: attempt}
		}

		if callErr == gobreaker.ErrOpenState || callErr == gobreaker.ErrTooManyRequests {
			w.logger.WithFields(log.Fields{"breaker_key": key.String(), "attempt": attempt}).
				Warn("circuit breaker open, call short-circuited")
			return Outcome{Attempt: attempt, Err: errs.New(errs.CircuitOpen, "breaker open for "+key.String())}
		}

		if ctx.Err() != nil {
			return Outcome{Attempt: attempt, Err: errs.Wrap(errs.Cancelled, ctx.Err(), "execution cancelled")}
		}

		kind := classify(callCtx, callErr)
		classified := errs.Wrap(kind, callErr, callErr.Error())

		canRetry := idempotent && attempt < maxAttempts && retryOn[string(kind)]
		if !canRetry {
			return Outcome{Attempt: attempt, Err: classified}
		}

		delay := backoffDelay(initialDelay, maxDelay, multiplier, attempt)
		w.logger.WithFields(log.Fields{
			"breaker_key": key.String(), "attempt": attempt, "kind": kind, "delay_ms": delay.Milliseconds(),
		}).Info("retrying after failure")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Outcome{Attempt: attempt, Err: errs.Wrap(errs.Cancelled, ctx.Err(), "execution cancelled during backoff")}
		}
	}

	return Outcome{Attempt: attempt - 1, Err: errs.New(errs.PermanentAgentError, "retry budget exhausted")}
}

// dispatchBounded runs one dispatch under a hard deadline. An agent that
// honors ctx returns on its own; an agent that ignores cancellation is
// abandoned when ctx expires and its eventual result is discarded.
func dispatchBounded(ctx context.Context, dispatch Dispatch) (interface{}, error) {
	type dispatchResult struct {
		value interface{}
		err   error
	}
	resCh := make(chan dispatchResult, 1)
	go func() {
		v, err := dispatch(ctx)
		resCh <- dispatchResult{value: v, err: err}
	}()
	select {
	case r := <-resCh:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// classify maps a raw dispatch error to one of the closed error kinds.
func classify(ctx context.Context, err error) errs.Kind {
	if e, ok := errs.As(err); ok {
		return e.Kind
	}
	if ctx.Err() == context.DeadlineExceeded {
		return errs.Timeout
	}
	return errs.PermanentAgentError
}

// backoffDelay computes min(maxDelay, initialDelay * multiplier^(attempt-1)).
func backoffDelay(initial, max time.Duration, multiplier float64, attempt int) time.Duration {
	if initial <= 0 {
		return 0
	}
	scaled := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	d := time.Duration(scaled)
	if max > 0 && d > max {
		return max
	}
	return d
}
