// Package breaker implements the per-route circuit breaker that gates calls
// to an upstream. A Breaker moves between closed, open and half-open; every
// transition happens under one mutex so concurrent failures cannot open it
// twice with different timestamps.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned by Allow while the breaker is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyTrials is returned by Allow in half-open once every trial
	// slot is taken.
	ErrTooManyTrials = errors.New("circuit breaker is half-open, trial limit reached")
)

// Settings configure a Breaker. Zero values take the defaults listed on
// each field.
type Settings struct {
	// FailureThreshold failures open the breaker. Default 5.
	FailureThreshold int
	// FailureWindow bounds how far apart those failures may be. Zero counts
	// consecutive failures and any success resets the count. Default 10s
	// when Consecutive is false.
	FailureWindow time.Duration
	// Consecutive selects consecutive-failure counting regardless of
	// FailureWindow.
	Consecutive bool
	// OpenTimeout is how long the breaker stays open before admitting a
	// trial. Default 30s.
	OpenTimeout time.Duration
	// HalfOpenMaxCalls caps concurrent trials. Default 1.
	HalfOpenMaxCalls int
	// SuccessThreshold consecutive trial successes close the breaker.
	// Default 1.
	SuccessThreshold int
}

// Normalized returns s with defaults applied.
func (s Settings) Normalized() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.Consecutive {
		s.FailureWindow = 0
	} else if s.FailureWindow <= 0 {
		s.FailureWindow = 10 * time.Second
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = 1
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 1
	}
	return s
}

// StateChangeFunc observes transitions. It is called with the breaker lock
// released.
type StateChangeFunc func(name string, from, to State)

// Breaker is a three-state circuit breaker. The zero value is not usable;
// create one with New.
type Breaker struct {
	name     string
	settings Settings
	clock    clockwork.Clock
	onChange StateChangeFunc

	mu         sync.Mutex
	state      State
	generation uint64
	// failures holds the timestamps of the most recent failures, oldest
	// first, and never more than FailureThreshold of them.
	failures  []time.Time
	successes int
	inFlight  int
	openedAt  time.Time
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a closed breaker.
func New(name string, s Settings, opts ...Option) *Breaker {
	b := &Breaker{
		name:     name,
		settings: s.Normalized(),
		clock:    clockwork.NewRealClock(),
		state:    StateClosed,
	}
	for _, o := range opts {
		o(b)
	}
	b.failures = make([]time.Time, 0, b.settings.FailureThreshold)
	return b
}

// Name returns the breaker name used in logs and metrics.
func (b *Breaker) Name() string { return b.name }

// Settings returns the effective settings after defaults.
func (b *Breaker) Settings() Settings { return b.settings }

// Ticket is the permission to make one downstream call. Exactly one of
// Success, Failure or Release should be called; later calls are no-ops.
type Ticket struct {
	b          *Breaker
	generation uint64
	trial      bool
	done       bool
}

// Allow asks to make a call. It returns ErrOpen while the breaker is open
// and ErrTooManyTrials when half-open has no free trial slot. The first call
// after OpenTimeout moves the breaker to half-open and becomes a trial.
func (b *Breaker) Allow() (*Ticket, error) {
	b.mu.Lock()

	var from State
	changed := false

	if b.state == StateOpen {
		if b.clock.Since(b.openedAt) < b.settings.OpenTimeout {
			b.mu.Unlock()
			return nil, ErrOpen
		}
		from, changed = b.state, true
		b.setState(StateHalfOpen)
	}

	t := &Ticket{b: b, generation: b.generation}
	if b.state == StateHalfOpen {
		if b.inFlight >= b.settings.HalfOpenMaxCalls {
			b.mu.Unlock()
			return nil, ErrTooManyTrials
		}
		b.inFlight++
		t.trial = true
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, StateHalfOpen)
	}
	return t, nil
}

// Success records a call that the upstream handled. Client errors count as
// success.
func (t *Ticket) Success() { t.finish(outcomeSuccess) }

// Failure records a server error, transport error or timeout.
func (t *Ticket) Failure() { t.finish(outcomeFailure) }

// Release gives the ticket back without a verdict, e.g. when the caller
// went away before the upstream answered.
func (t *Ticket) Release() { t.finish(outcomeNone) }

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSuccess
	outcomeFailure
)

func (t *Ticket) finish(o outcome) {
	if t == nil || t.done {
		return
	}
	t.done = true
	t.b.record(t, o)
}

func (b *Breaker) record(t *Ticket, o outcome) {
	b.mu.Lock()

	// A ticket from before the last transition says nothing about the
	// current state.
	if t.generation != b.generation {
		b.mu.Unlock()
		return
	}
	if t.trial && b.inFlight > 0 {
		b.inFlight--
	}

	from := b.state
	switch o {
	case outcomeSuccess:
		b.onSuccess()
	case outcomeFailure:
		b.onFailure()
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		if b.settings.FailureWindow == 0 {
			b.failures = b.failures[:0]
		}
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) onFailure() {
	now := b.clock.Now()
	switch b.state {
	case StateClosed:
		if len(b.failures) == b.settings.FailureThreshold {
			copy(b.failures, b.failures[1:])
			b.failures = b.failures[:len(b.failures)-1]
		}
		b.failures = append(b.failures, now)
		if len(b.failures) < b.settings.FailureThreshold {
			return
		}
		if w := b.settings.FailureWindow; w == 0 || now.Sub(b.failures[0]) <= w {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// setState must be called with mu held. Every transition starts a new
// generation and clears the counters of the state being left.
func (b *Breaker) setState(s State) {
	b.state = s
	b.generation++
	b.successes = 0
	b.inFlight = 0
	switch s {
	case StateOpen:
		b.openedAt = b.clock.Now()
	case StateClosed:
		b.failures = b.failures[:0]
		b.openedAt = time.Time{}
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// State returns the current state without triggering the open→half-open
// transition; that only happens on Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name                    string    `json:"name"`
	State                   string    `json:"state"`
	FailureCount            int       `json:"failure_count"`
	ConsecutiveSuccessCount int       `json:"consecutive_success_count"`
	TrialsInFlight          int       `json:"trials_in_flight"`
	OpenedAt                time.Time `json:"opened_at,omitzero"`
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                    b.name,
		State:                   b.state.String(),
		FailureCount:            len(b.failures),
		ConsecutiveSuccessCount: b.successes,
		TrialsInFlight:          b.inFlight,
		OpenedAt:                b.openedAt,
	}
}
