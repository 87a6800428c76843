package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/wheelsondemand/gateway/internal/config"
	"github.com/wheelsondemand/gateway/internal/redis"
)

// failClosedRetryAfter is advertised when the store is down and the policy
// rejects.
const failClosedRetryAfter = time.Second

// Observer receives limiter health signals. observability.Metrics
// implements it.
type Observer interface {
	IncStoreErrors()
	IncFallbackUsed()
	SetStoreHealthy(healthy bool)
}

type nopObserver struct{}

func (nopObserver) IncStoreErrors()      {}
func (nopObserver) IncFallbackUsed()     {}
func (nopObserver) SetStoreHealthy(bool) {}

// Connector opens a Redis client. Tests substitute it.
type Connector func(ctx context.Context, cfg config.RedisConfig) (redis.Client, error)

// Limiter admits or rejects requests per route and partition key. With the
// Redis store, connection failures are handled by the failure policy while a
// background loop reconnects.
type Limiter struct {
	logger   *slog.Logger
	observer Observer
	clock    clockwork.Clock
	policy   config.FailurePolicy
	useRedis bool
	redisCfg config.RedisConfig
	prefix   string
	connect  Connector

	maxRecoveryAttempts int
	recoveryInitial     time.Duration
	recoveryMax         time.Duration

	local *MemoryStore

	mu         sync.RWMutex
	shared     *RedisStore // nil while Redis is unreachable
	recovering bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithObserver wires health metrics.
func WithObserver(o Observer) Option {
	return func(l *Limiter) {
		if o != nil {
			l.observer = o
		}
	}
}

// WithClock sets the clock used for bucket refill.
func WithClock(c clockwork.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithConnector replaces redis.Connect.
func WithConnector(c Connector) Option {
	return func(l *Limiter) { l.connect = c }
}

// WithRecoveryBackoff overrides the reconnect backoff bounds.
func WithRecoveryBackoff(initial, maxInterval time.Duration) Option {
	return func(l *Limiter) {
		l.recoveryInitial = initial
		l.recoveryMax = maxInterval
	}
}

// NewLimiter builds the limiter for cfg. When the Redis store is selected
// but unreachable at startup, fail-closed is an error; the other policies
// start degraded and reconnect in the background.
func NewLimiter(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		logger:              logger,
		observer:            nopObserver{},
		policy:              cfg.RateLimit.FailurePolicy,
		useRedis:            cfg.RateLimit.Store == config.StoreRedis,
		redisCfg:            cfg.Redis,
		prefix:              cfg.RateLimit.KeyPrefix,
		connect:             redis.Connect,
		maxRecoveryAttempts: cfg.RateLimit.MaxRecoveryAttempts,
		recoveryInitial:     500 * time.Millisecond,
		recoveryMax:         30 * time.Second,
	}
	if l.policy == "" {
		l.policy = config.FailurePolicyInMemoryFallback
	}
	for _, o := range opts {
		o(l)
	}
	if l.clock == nil {
		l.clock = clockwork.NewRealClock()
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())

	local, err := NewMemoryStore(config.MustParseDuration(cfg.RateLimit.IdleTTL, 10*time.Minute), l.clock)
	if err != nil {
		return nil, fmt.Errorf("creating memory store: %w", err)
	}
	l.local = local

	if !l.useRedis {
		l.logger.Info("rate limiter using in-memory store")
		return l, nil
	}

	client, err := l.connect(ctx, l.redisCfg)
	if err != nil {
		if l.policy == config.FailurePolicyFailClosed {
			_ = local.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		l.logger.Warn("redis unavailable at startup, operating degraded",
			"error", err, "policy", l.policy)
		l.observer.SetStoreHealthy(false)
		l.startRecovery()
		return l, nil
	}
	l.shared = NewRedisStore(client, l.prefix, l.clock, l.logger)
	l.observer.SetStoreHealthy(true)
	l.logger.Info("rate limiter using redis store", "mode", l.redisCfg.Mode)
	return l, nil
}

// Allow takes from the bucket of key under routeID. It never returns an
// error: store failures are resolved by the failure policy.
func (l *Limiter) Allow(ctx context.Context, routeID, key string, limit Limit) Decision {
	bucketKey := routeID + ":" + key

	if !l.useRedis {
		d, err := l.local.Take(ctx, bucketKey, limit)
		if err != nil {
			return Decision{Allowed: true}
		}
		return d
	}

	l.mu.RLock()
	shared := l.shared
	l.mu.RUnlock()

	if shared != nil {
		d, err := shared.Take(ctx, bucketKey, limit)
		if err == nil {
			return d
		}
		if ctx.Err() != nil {
			// The caller is gone; nothing will be forwarded either way.
			return Decision{Allowed: false}
		}
		l.handleStoreError(shared, err)
	}
	return l.degraded(ctx, bucketKey, limit)
}

func (l *Limiter) degraded(ctx context.Context, bucketKey string, limit Limit) Decision {
	switch l.policy {
	case config.FailurePolicyFailOpen:
		return Decision{Allowed: true}
	case config.FailurePolicyFailClosed:
		return Decision{Allowed: false, RetryAfter: failClosedRetryAfter}
	default:
		l.observer.IncFallbackUsed()
		d, err := l.local.Take(ctx, bucketKey, limit)
		if err != nil {
			return Decision{Allowed: true}
		}
		return d
	}
}

func (l *Limiter) handleStoreError(failed *RedisStore, err error) {
	l.observer.IncStoreErrors()
	if !redis.IsConnectivityErr(err) {
		l.logger.Error("rate limit store error", "error", err)
		return
	}

	l.mu.Lock()
	swapped := l.shared == failed
	if swapped {
		l.shared = nil
	}
	l.mu.Unlock()

	if swapped {
		_ = failed.Close()
		l.observer.SetStoreHealthy(false)
		l.logger.Warn("redis became unreachable, switching to failure policy",
			"error", err, "policy", l.policy)
		l.startRecovery()
	}
}

func (l *Limiter) startRecovery() {
	l.mu.Lock()
	if l.recovering || l.ctx.Err() != nil {
		l.mu.Unlock()
		return
	}
	l.recovering = true
	// Add under mu so Close, which cancels under mu, never waits on a
	// WaitGroup that is still being added to.
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		l.recoveryLoop()
		l.mu.Lock()
		l.recovering = false
		l.mu.Unlock()
	}()
}

func (l *Limiter) recoveryLoop() {
	eb := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(l.recoveryInitial),
		backoff.WithMaxInterval(l.recoveryMax),
		backoff.WithMaxElapsedTime(0),
	)
	var policy backoff.BackOff = eb
	if l.maxRecoveryAttempts > 0 {
		policy = backoff.WithMaxRetries(eb, uint64(l.maxRecoveryAttempts-1))
	}
	policy = backoff.WithContext(policy, l.ctx)

	attempt := 0
	var client redis.Client
	op := func() error {
		attempt++
		c, err := l.connect(l.ctx, l.redisCfg)
		if err != nil {
			return err
		}
		client = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		if attempt <= 5 || attempt%10 == 0 {
			l.logger.Warn("redis reconnect attempt failed",
				"attempt", attempt, "error", err, "next_in", next)
		}
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if l.ctx.Err() == nil {
			l.logger.Error("redis reconnect gave up, staying on failure policy",
				"attempts", attempt, "last_error", err)
		}
		return
	}

	l.mu.Lock()
	if l.ctx.Err() != nil {
		l.mu.Unlock()
		_ = client.Close()
		return
	}
	l.shared = NewRedisStore(client, l.prefix, l.clock, l.logger)
	l.mu.Unlock()

	l.observer.SetStoreHealthy(true)
	l.logger.Info("redis connection recovered", "attempts", attempt)
}

// Healthy reports whether the configured store is usable. The memory store
// is always healthy.
func (l *Limiter) Healthy() bool {
	if !l.useRedis {
		return true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.shared != nil
}

// Ping probes Redis. It returns nil for the memory store.
func (l *Limiter) Ping(ctx context.Context) error {
	if !l.useRedis {
		return nil
	}
	l.mu.RLock()
	shared := l.shared
	l.mu.RUnlock()
	if shared == nil {
		return fmt.Errorf("redis store is not connected")
	}
	return shared.Ping(ctx)
}

// Close stops recovery and releases both stores.
func (l *Limiter) Close() error {
	l.mu.Lock()
	l.cancel()
	l.mu.Unlock()
	l.wg.Wait()

	l.mu.Lock()
	shared := l.shared
	l.shared = nil
	l.mu.Unlock()

	var err error
	if shared != nil {
		err = shared.Close()
	}
	_ = l.local.Close()
	return err
}
