package route

import (
	"fmt"
	"regexp"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wheelsondemand/gateway/internal/breaker"
	"github.com/wheelsondemand/gateway/internal/config"
	"github.com/wheelsondemand/gateway/internal/retry"
)

// DefaultResponseTimeHeader is stamped when a route enables response_time
// without naming a header.
const DefaultResponseTimeHeader = "X-Response-Time"

// BuildOptions supplies the collaborators routes are wired with.
type BuildOptions struct {
	Clock clockwork.Clock
	// OnBreakerChange observes every breaker transition.
	OnBreakerChange breaker.StateChangeFunc
	// OnRetry is called with the route ID before each retry.
	OnRetry func(routeID string, n int)
	// Previous, when set, donates breakers to routes whose ID and breaker
	// settings did not change, so a reload keeps their state.
	Previous *Table
}

// Build compiles the configured routes into a Table.
func Build(cfg *config.Config, opts BuildOptions) (*Table, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	defTimeout := config.MustParseDuration(cfg.Defaults.Timeout, 10*time.Second)

	routes := make([]*Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		r, err := buildRoute(cfg, rc, defTimeout, opts)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.ID, err)
		}
		routes = append(routes, r)
	}
	return NewTable(routes), nil
}

func buildRoute(cfg *config.Config, rc config.RouteConfig, defTimeout time.Duration, opts BuildOptions) (*Route, error) {
	prefix, err := config.PathPrefix(rc.Path)
	if err != nil {
		return nil, err
	}
	upstream, err := cfg.ResolveUpstream(rc.Upstream)
	if err != nil {
		return nil, err
	}
	timeout, err := config.ParseDuration(rc.Timeout, defTimeout)
	if err != nil {
		return nil, fmt.Errorf("timeout: %w", err)
	}

	r := &Route{
		ID:           rc.ID,
		Pattern:      rc.Path,
		Prefix:       prefix,
		UpstreamName: rc.Upstream,
		Upstream:     upstream,
		Timeout:      timeout,
		FallbackPath: cfg.Fallback.Path,
	}

	if rc.HasFilter(config.FilterRewritePath) {
		r.RewritePath = true
		if rc.Rewrite != nil && rc.Rewrite.Regexp != "" {
			re, err := regexp.Compile(rc.Rewrite.Regexp)
			if err != nil {
				return nil, fmt.Errorf("rewrite: %w", err)
			}
			r.SetRewrite(re, rc.Rewrite.Replacement)
		}
	}

	if rc.HasFilter(config.FilterResponseTime) {
		r.ResponseTimeHeader = DefaultResponseTimeHeader
		if rc.ResponseTime != nil && rc.ResponseTime.Header != "" {
			r.ResponseTimeHeader = rc.ResponseTime.Header
		}
	}

	if rc.HasFilter(config.FilterRateLimiter) {
		rl := mergeRateLimiter(cfg.Defaults.RateLimiter, rc.RateLimiter)
		r.RateLimit = &RateLimit{
			ReplenishRate:   rl.ReplenishRate,
			BurstCapacity:   rl.BurstCapacity,
			RequestedTokens: rl.RequestedTokens,
		}
	}

	if rc.HasFilter(config.FilterCircuitBreaker) {
		cb := mergeBreaker(cfg.Defaults.CircuitBreaker, rc.CircuitBreaker)
		name := cb.Name
		if name == "" {
			name = rc.ID
		}
		settings := BreakerSettings(cb)
		if prev := reusableBreaker(opts.Previous, rc.ID, name, settings); prev != nil {
			r.Breaker = prev
		} else {
			r.Breaker = breaker.New(name, settings,
				breaker.WithClock(opts.Clock),
				breaker.WithStateChange(opts.OnBreakerChange))
		}
	}

	if rc.HasFilter(config.FilterRetry) {
		policy := RetryPolicy(mergeRetry(cfg.Defaults.Retry, rc.Retry))
		execOpts := []retry.ExecutorOption{retry.WithClock(opts.Clock)}
		if opts.OnRetry != nil {
			id := rc.ID
			execOpts = append(execOpts, retry.WithRetryHook(func(n int) { opts.OnRetry(id, n) }))
		}
		r.Retry = retry.NewExecutor(policy, execOpts...)
	}

	return r, nil
}

func reusableBreaker(prev *Table, id, name string, s breaker.Settings) *breaker.Breaker {
	if prev == nil {
		return nil
	}
	old, ok := prev.Get(id)
	if !ok || old.Breaker == nil {
		return nil
	}
	if old.Breaker.Name() != name || old.Breaker.Settings() != s.Normalized() {
		return nil
	}
	return old.Breaker
}

// BreakerSettings converts configured breaker parameters. A failure window
// of "0s" selects consecutive-failure counting.
func BreakerSettings(cb config.CircuitBreakerConfig) breaker.Settings {
	s := breaker.Settings{
		FailureThreshold: cb.FailureThreshold,
		OpenTimeout:      config.MustParseDuration(cb.OpenTimeout, 30*time.Second),
		HalfOpenMaxCalls: cb.HalfOpenMaxCalls,
		SuccessThreshold: cb.SuccessThreshold,
	}
	window := config.MustParseDuration(cb.FailureWindow, 10*time.Second)
	if window == 0 {
		s.Consecutive = true
	}
	s.FailureWindow = window
	return s
}

// RetryPolicy converts configured retry parameters.
func RetryPolicy(rc config.RetryConfig) retry.Policy {
	methods := rc.Methods
	if len(methods) == 0 {
		methods = []string{"GET"}
	}
	factor := rc.Factor
	if factor == 0 {
		factor = 2
	}
	return retry.Policy{
		MaxRetries:     rc.Retries,
		InitialBackoff: config.MustParseDuration(rc.FirstBackoff, 100*time.Millisecond),
		MaxBackoff:     config.MustParseDuration(rc.MaxBackoff, time.Second),
		Multiplier:     factor,
		Jitter:         rc.JitterEnabled(),
		Methods:        retry.MethodSet(methods...),
	}
}

func mergeRateLimiter(def config.RateLimiterConfig, over *config.RateLimiterConfig) config.RateLimiterConfig {
	out := def
	if over == nil {
		return out
	}
	if over.ReplenishRate > 0 {
		out.ReplenishRate = over.ReplenishRate
	}
	if over.BurstCapacity > 0 {
		out.BurstCapacity = over.BurstCapacity
	}
	if over.RequestedTokens > 0 {
		out.RequestedTokens = over.RequestedTokens
	}
	if out.RequestedTokens <= 0 {
		out.RequestedTokens = 1
	}
	return out
}

func mergeBreaker(def config.CircuitBreakerConfig, over *config.CircuitBreakerConfig) config.CircuitBreakerConfig {
	out := def
	if over == nil {
		return out
	}
	if over.Name != "" {
		out.Name = over.Name
	}
	if over.FallbackURI != "" {
		out.FallbackURI = over.FallbackURI
	}
	if over.FailureThreshold > 0 {
		out.FailureThreshold = over.FailureThreshold
	}
	if over.FailureWindow != "" {
		out.FailureWindow = over.FailureWindow
	}
	if over.OpenTimeout != "" {
		out.OpenTimeout = over.OpenTimeout
	}
	if over.HalfOpenMaxCalls > 0 {
		out.HalfOpenMaxCalls = over.HalfOpenMaxCalls
	}
	if over.SuccessThreshold > 0 {
		out.SuccessThreshold = over.SuccessThreshold
	}
	return out
}

func mergeRetry(def config.RetryConfig, over *config.RetryConfig) config.RetryConfig {
	out := def
	if over == nil {
		return out
	}
	if over.Retries > 0 {
		out.Retries = over.Retries
	}
	if len(over.Methods) > 0 {
		out.Methods = over.Methods
	}
	if over.FirstBackoff != "" {
		out.FirstBackoff = over.FirstBackoff
	}
	if over.MaxBackoff != "" {
		out.MaxBackoff = over.MaxBackoff
	}
	if over.Factor != 0 {
		out.Factor = over.Factor
	}
	if over.Jitter != nil {
		out.Jitter = over.Jitter
	}
	return out
}
