// Package retry drives repeated downstream attempts with exponential
// backoff. The loop itself knows nothing about rate limits or breakers; the
// attempt function decides whether an outcome is worth retrying or must end
// the sequence.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// jitterSpread is how far above the computed backoff a jittered delay may
// land.
const jitterSpread = 0.5

// Policy is a retry-with-backoff policy. The zero value never retries.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool
	// Methods lists the HTTP methods eligible for retry. Empty means GET.
	Methods map[string]struct{}
}

// DefaultPolicy is three GET retries backing off 100ms, 200ms, 400ms (capped
// at 1s) with jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
		Jitter:         true,
		Methods:        MethodSet(http.MethodGet),
	}
}

// MethodSet builds a method lookup from names, uppercased.
func MethodSet(methods ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(m)] = struct{}{}
	}
	return set
}

// Eligible reports whether requests with this method may be retried.
func (p Policy) Eligible(method string) bool {
	if p.MaxRetries <= 0 {
		return false
	}
	if len(p.Methods) == 0 {
		return method == http.MethodGet
	}
	_, ok := p.Methods[method]
	return ok
}

// Backoff returns the wait before retry number n (1-based). Without jitter
// it is InitialBackoff*Multiplier^(n-1) capped at MaxBackoff. With jitter
// the delay is drawn from [base, min(base*1.5, MaxBackoff)] so spreading
// concurrent callers never shortens the schedule.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	base := float64(p.InitialBackoff) * math.Pow(mult, float64(n-1))
	ceiling := float64(p.MaxBackoff)
	if ceiling > 0 && base > ceiling {
		base = ceiling
	}
	if !p.Jitter || base <= 0 {
		return time.Duration(base)
	}
	upper := base * (1 + jitterSpread)
	if ceiling > 0 && upper > ceiling {
		upper = ceiling
	}
	return time.Duration(base + rand.Float64()*(upper-base))
}

// Wait blocks for d on clock or until ctx is done, whichever comes first.
func Wait(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// Outcome classifies one downstream exchange.
type Outcome int

const (
	// OutcomeSuccess is a 1xx-3xx response.
	OutcomeSuccess Outcome = iota
	// OutcomeClientError is a 4xx response: passed through, never retried,
	// never a breaker failure.
	OutcomeClientError
	// OutcomeFailure is a 5xx response, a transport error or a timeout.
	OutcomeFailure
	// OutcomeCanceled means the caller went away; nothing is learned about
	// the upstream.
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeClientError:
		return "client_error"
	case OutcomeFailure:
		return "failure"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify maps a status code or transport error to an Outcome. parent is
// the inbound request context: a canceled parent marks the attempt as
// abandoned rather than failed. A per-attempt deadline is a failure.
func Classify(parent context.Context, status int, err error) Outcome {
	if err != nil {
		if parent.Err() != nil || errors.Is(err, context.Canceled) {
			return OutcomeCanceled
		}
		return OutcomeFailure
	}
	switch {
	case status >= 500:
		return OutcomeFailure
	case status >= 400:
		return OutcomeClientError
	default:
		return OutcomeSuccess
	}
}
