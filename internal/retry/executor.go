package retry

import (
	"context"

	"github.com/jonboulle/clockwork"
)

// Verdict is what an attempt tells the executor to do next.
type Verdict int

const (
	// Done ends the loop with the attempt's result.
	Done Verdict = iota
	// Again asks for another attempt if the policy allows one.
	Again
	// Stop ends the loop immediately even though the attempt did not
	// succeed, e.g. the breaker opened or the rate limiter refused.
	Stop
)

// AttemptFunc performs attempt n (0 is the first call, 1 the first retry).
type AttemptFunc func(ctx context.Context, n int) Verdict

// Result summarizes a run.
type Result struct {
	// Attempts is the number of times the attempt function ran.
	Attempts int
	// Exhausted is set when the last attempt asked for Again but no retry
	// was left.
	Exhausted bool
	// Err is the context error if the run was abandoned during a backoff.
	Err error
}

// Executor runs attempts under a Policy.
type Executor struct {
	policy  Policy
	clock   clockwork.Clock
	onRetry func(n int)
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithClock sets the clock used for backoff waits.
func WithClock(c clockwork.Clock) ExecutorOption {
	return func(e *Executor) { e.clock = c }
}

// WithRetryHook is called before each retry is scheduled.
func WithRetryHook(fn func(n int)) ExecutorOption {
	return func(e *Executor) { e.onRetry = fn }
}

// NewExecutor returns an executor for p.
func NewExecutor(p Policy, opts ...ExecutorOption) *Executor {
	e := &Executor{policy: p, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy { return e.policy }

// Do calls fn until it returns Done or Stop, the method is not eligible for
// retry, retries run out, or ctx is canceled during a backoff wait. A
// canceled context schedules no further attempts.
func (e *Executor) Do(ctx context.Context, method string, fn AttemptFunc) Result {
	eligible := e.policy.Eligible(method)
	var res Result
	for n := 0; ; n++ {
		res.Attempts++
		v := fn(ctx, n)
		if v != Again {
			return res
		}
		if !eligible || n >= e.policy.MaxRetries {
			res.Exhausted = true
			return res
		}
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		if e.onRetry != nil {
			e.onRetry(n + 1)
		}
		if err := Wait(ctx, e.clock, e.policy.Backoff(n+1)); err != nil {
			res.Err = err
			return res
		}
	}
}
