// Package config handles loading and validation of the gateway configuration
// from YAML files and environment variables. Environment variables override
// file-based values for every scalar section. Env var names follow the struct
// path with a GATEWAY_ prefix:
//
//	server.address → GATEWAY_SERVER_ADDRESS
//	rate_limit.failure_policy → GATEWAY_RATE_LIMIT_FAILURE_POLICY
//	upstreams → GATEWAY_UPSTREAMS="filter=http://filter:8080,payment=http://payment:8080"
//
// Routes are file-only; they are a list of structured filter chains and have
// no sensible flat env representation.
package config

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via GATEWAY_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/gateway/config.yaml"

// DefaultFallbackPath is the internal route served when a breaker is open.
const DefaultFallbackPath = "/contactSupport"

// forwardScheme prefixes fallback URIs that point at an internal route.
const forwardScheme = "forward:"

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// FailurePolicy controls rate limiter behavior when the shared counter
// store (Redis) is unreachable.
type FailurePolicy string

const (
	FailurePolicyInMemoryFallback FailurePolicy = "inmemoryfallback"
	FailurePolicyFailOpen         FailurePolicy = "failopen"
	FailurePolicyFailClosed       FailurePolicy = "failclosed"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyInMemoryFallback, FailurePolicyFailOpen, FailurePolicyFailClosed:
		return true
	}
	return false
}

// StoreType selects where token buckets live.
type StoreType string

const (
	StoreRedis  StoreType = "redis"
	StoreMemory StoreType = "memory"
)

func (s StoreType) Valid() bool {
	switch s {
	case StoreRedis, StoreMemory:
		return true
	}
	return false
}

// KeyResolverType defines how the rate-limit partition key is derived.
type KeyResolverType string

const (
	KeyResolverClientIP KeyResolverType = "clientip"
	KeyResolverHeader   KeyResolverType = "header"
)

func (k KeyResolverType) Valid() bool {
	switch k {
	case KeyResolverClientIP, KeyResolverHeader:
		return true
	}
	return false
}

// FilterType names one stage of a route's filter chain.
type FilterType string

const (
	FilterRewritePath    FilterType = "rewrite_path"
	FilterResponseTime   FilterType = "response_time"
	FilterRateLimiter    FilterType = "rate_limiter"
	FilterCircuitBreaker FilterType = "circuit_breaker"
	FilterRetry          FilterType = "retry"
)

func (f FilterType) Valid() bool {
	switch f {
	case FilterRewritePath, FilterResponseTime, FilterRateLimiter, FilterCircuitBreaker, FilterRetry:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig      `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig       `yaml:"admin"      envPrefix:"ADMIN_"`
	Transport TransportConfig   `yaml:"transport"  envPrefix:"TRANSPORT_"`
	Upstreams map[string]string `yaml:"upstreams"  env:"UPSTREAMS" envSeparator:"," envKeyValSeparator:"="`
	Defaults  DefaultsConfig    `yaml:"defaults"   envPrefix:"DEFAULTS_"`
	Routes    []RouteConfig     `yaml:"routes"`
	Fallback  FallbackConfig    `yaml:"fallback"   envPrefix:"FALLBACK_"`
	RateLimit RateLimitConfig   `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Redis     RedisConfig       `yaml:"redis"      envPrefix:"REDIS_"`
	Logging   LoggingConfig     `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig     `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the inbound gateway listener settings.
type ServerConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`

	// MaxRequestBodySize bounds the buffered request body. Bodies are
	// buffered so retries can replay them. 0 uses the default (10 MiB).
	MaxRequestBodySize int64 `yaml:"max_request_body_size" env:"MAX_REQUEST_BODY_SIZE"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// TransportConfig tunes the outbound forward transport.
type TransportConfig struct {
	DialTimeout         string `yaml:"dial_timeout"          env:"DIAL_TIMEOUT"`
	DialKeepAlive       string `yaml:"dial_keep_alive"       env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout string `yaml:"tls_handshake_timeout" env:"TLS_HANDSHAKE_TIMEOUT"`
	IdleConnTimeout     string `yaml:"idle_conn_timeout"     env:"IDLE_CONN_TIMEOUT"`
	MaxIdleConns        int    `yaml:"max_idle_conns"        env:"MAX_IDLE_CONNS"`
	H2ReadIdleTimeout   string `yaml:"h2_read_idle_timeout"  env:"H2_READ_IDLE_TIMEOUT"`
	H2PingTimeout       string `yaml:"h2_ping_timeout"       env:"H2_PING_TIMEOUT"`

	// UpstreamH2C forwards requests that arrived over HTTP/2 to plain-http
	// upstreams with HTTP/2 prior knowledge instead of HTTP/1.1.
	UpstreamH2C bool `yaml:"upstream_h2c" env:"UPSTREAM_H2C"`

	// MaxResponseBodySize bounds the upstream body held in memory per
	// attempt. 0 uses the default (32 MiB).
	MaxResponseBodySize int64 `yaml:"max_response_body_size" env:"MAX_RESPONSE_BODY_SIZE"`
}

// DefaultsConfig holds filter parameters applied to any route that enables a
// filter without overriding its parameters.
type DefaultsConfig struct {
	Timeout        string               `yaml:"timeout"         env:"TIMEOUT"`
	RateLimiter    RateLimiterConfig    `yaml:"rate_limiter"    envPrefix:"RATE_LIMITER_"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
	Retry          RetryConfig          `yaml:"retry"           envPrefix:"RETRY_"`
}

// RouteConfig binds a path pattern to an upstream and its filter chain.
type RouteConfig struct {
	ID       string `yaml:"id"`
	Path     string `yaml:"path"`     // "/wheelsondemand/filter/**"
	Upstream string `yaml:"upstream"` // upstream name from Upstreams, or an absolute URL
	Timeout  string `yaml:"timeout"`  // per-attempt forward timeout; empty uses defaults.timeout

	Filters []FilterType `yaml:"filters"`

	Rewrite        *RewriteConfig        `yaml:"rewrite"`
	ResponseTime   *ResponseTimeConfig   `yaml:"response_time"`
	RateLimiter    *RateLimiterConfig    `yaml:"rate_limiter"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          *RetryConfig          `yaml:"retry"`
}

// HasFilter reports whether the route enables the given filter.
func (rc RouteConfig) HasFilter(f FilterType) bool {
	for _, have := range rc.Filters {
		if have == f {
			return true
		}
	}
	return false
}

// RewriteConfig overrides the default prefix-stripping rewrite with an
// explicit regular expression, e.g. "/wheelsondemand/filter/(?<segment>.*)"
// → "/${segment}".
type RewriteConfig struct {
	Regexp      string `yaml:"regexp"`
	Replacement string `yaml:"replacement"`
}

// ResponseTimeConfig controls the response timestamp header.
type ResponseTimeConfig struct {
	Header string `yaml:"header"`
}

// RateLimiterConfig holds token-bucket parameters.
type RateLimiterConfig struct {
	ReplenishRate   float64 `yaml:"replenish_rate"   env:"REPLENISH_RATE"`
	BurstCapacity   int64   `yaml:"burst_capacity"   env:"BURST_CAPACITY"`
	RequestedTokens int64   `yaml:"requested_tokens" env:"REQUESTED_TOKENS"`
}

// CircuitBreakerConfig holds breaker thresholds and the fallback target.
type CircuitBreakerConfig struct {
	Name             string `yaml:"name"               env:"NAME"`
	FallbackURI      string `yaml:"fallback_uri"       env:"FALLBACK_URI"`
	FailureThreshold int    `yaml:"failure_threshold"  env:"FAILURE_THRESHOLD"`
	// FailureWindow is the rolling window failures are counted in. "0s"
	// counts consecutive failures (any success resets the count).
	FailureWindow    string `yaml:"failure_window"     env:"FAILURE_WINDOW"`
	OpenTimeout      string `yaml:"open_timeout"       env:"OPEN_TIMEOUT"`
	HalfOpenMaxCalls int    `yaml:"half_open_max_calls" env:"HALF_OPEN_MAX_CALLS"`
	SuccessThreshold int    `yaml:"success_threshold"  env:"SUCCESS_THRESHOLD"`
}

// RetryConfig holds the retry-with-backoff policy.
type RetryConfig struct {
	Retries      int      `yaml:"retries"       env:"RETRIES"`
	Methods      []string `yaml:"methods"       env:"METHODS" envSeparator:","`
	FirstBackoff string   `yaml:"first_backoff" env:"FIRST_BACKOFF"`
	MaxBackoff   string   `yaml:"max_backoff"   env:"MAX_BACKOFF"`
	Factor       float64  `yaml:"factor"        env:"FACTOR"`
	Jitter       *bool    `yaml:"jitter"        env:"JITTER"`
}

// JitterEnabled returns whether jitter is on. Defaults to true when unset.
func (rc RetryConfig) JitterEnabled() bool {
	if rc.Jitter == nil {
		return true
	}
	return *rc.Jitter
}

// FallbackConfig describes the internal fallback route.
type FallbackConfig struct {
	Path       string `yaml:"path"        env:"PATH"`
	StatusCode int    `yaml:"status_code" env:"STATUS_CODE"`
	Message    string `yaml:"message"     env:"MESSAGE"`
}

// RateLimitConfig holds gateway-wide rate limiter settings. Per-route
// bucket parameters live on the route or in defaults.rate_limiter.
type RateLimitConfig struct {
	Store         StoreType         `yaml:"store"          env:"STORE"`
	FailurePolicy FailurePolicy     `yaml:"failure_policy" env:"FAILURE_POLICY"`
	KeyPrefix     string            `yaml:"key_prefix"     env:"KEY_PREFIX"`
	KeyResolver   KeyResolverConfig `yaml:"key_resolver"   envPrefix:"KEY_RESOLVER_"`

	// IdleTTL evicts in-memory buckets that saw no traffic for this long.
	// Redis keys expire on their own once fully replenished.
	IdleTTL string `yaml:"idle_ttl" env:"IDLE_TTL"`

	// MaxRecoveryAttempts limits Redis reconnection attempts after a
	// failure. 0 means retry forever.
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts" env:"MAX_RECOVERY_ATTEMPTS"`
}

// KeyResolverConfig defines how the partition key is extracted.
type KeyResolverConfig struct {
	Type       KeyResolverType `yaml:"type"        env:"TYPE"`
	HeaderName string          `yaml:"header_name" env:"HEADER_NAME"`

	// TrustedProxies lists CIDR ranges whose X-Forwarded-For header is
	// honored. When empty, only the socket peer address is used.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints    []string       `yaml:"endpoints"     env:"ENDPOINTS" envSeparator:","`
	Mode         RedisMode      `yaml:"mode"          env:"MODE"`
	MasterName   string         `yaml:"master_name"   env:"MASTER_NAME"`
	Username     string         `yaml:"username"      env:"USERNAME"`
	Password     RedactedString `yaml:"password"      env:"PASSWORD"`
	DB           int            `yaml:"db"            env:"DB"`
	PoolSize     int            `yaml:"pool_size"     env:"POOL_SIZE"`
	DialTimeout  string         `yaml:"dial_timeout"  env:"DIAL_TIMEOUT"`
	ReadTimeout  string         `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	TLS          RedisTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// RedactedString masks its value in String() and GoString() so passwords
// do not leak into logs. Use .Value() to access the secret.
type RedactedString string

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with default values. Filter defaults
// allow one request per second per client with no burst, and three GET-only
// retries backing off 100ms→1s with jitter.
func Defaults() *Config {
	jitter := true
	return &Config{
		Server: ServerConfig{
			Address:            ":8080",
			ReadTimeout:        "30s",
			WriteTimeout:       "60s",
			IdleTimeout:        "120s",
			DrainTimeout:       "30s",
			MaxRequestBodySize: 10 << 20,
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Transport: TransportConfig{
			DialTimeout:         "5s",
			DialKeepAlive:       "30s",
			TLSHandshakeTimeout: "10s",
			IdleConnTimeout:     "90s",
			MaxIdleConns:        100,
			H2ReadIdleTimeout:   "30s",
			H2PingTimeout:       "15s",
			MaxResponseBodySize: 32 << 20,
		},
		Upstreams: map[string]string{},
		Defaults: DefaultsConfig{
			Timeout: "10s",
			RateLimiter: RateLimiterConfig{
				ReplenishRate:   1,
				BurstCapacity:   1,
				RequestedTokens: 1,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FallbackURI:      forwardScheme + DefaultFallbackPath,
				FailureThreshold: 5,
				FailureWindow:    "10s",
				OpenTimeout:      "30s",
				HalfOpenMaxCalls: 1,
				SuccessThreshold: 1,
			},
			Retry: RetryConfig{
				Retries:      3,
				Methods:      []string{http.MethodGet},
				FirstBackoff: "100ms",
				MaxBackoff:   "1000ms",
				Factor:       2,
				Jitter:       &jitter,
			},
		},
		Fallback: FallbackConfig{
			Path:       DefaultFallbackPath,
			StatusCode: http.StatusOK,
			Message:    "The service is temporarily unavailable. Please contact support.",
		},
		RateLimit: RateLimitConfig{
			Store:         StoreMemory,
			FailurePolicy: FailurePolicyInMemoryFallback,
			KeyPrefix:     "gw",
			KeyResolver: KeyResolverConfig{
				Type: KeyResolverClientIP,
			},
			IdleTTL: "10m",
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "apigateway",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("GATEWAY_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from the file named by GATEWAY_CONFIG_FILE (or
// the default path) and overlays environment variable overrides.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. A missing file yields defaults + env.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile)
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "GATEWAY_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases enum fields so that "inMemoryFallback" or "REDIS"
// match the canonical constants, and uppercases retry methods.
func (cfg *Config) normalize() {
	cfg.RateLimit.Store = StoreType(strings.ToLower(string(cfg.RateLimit.Store)))
	cfg.RateLimit.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.RateLimit.FailurePolicy)))
	cfg.RateLimit.KeyResolver.Type = KeyResolverType(strings.ToLower(string(cfg.RateLimit.KeyResolver.Type)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Defaults.Retry.Methods = upperAll(cfg.Defaults.Retry.Methods)

	for i := range cfg.Routes {
		rc := &cfg.Routes[i]
		for j, f := range rc.Filters {
			rc.Filters[j] = FilterType(strings.ToLower(string(f)))
		}
		if rc.Retry != nil {
			rc.Retry.Methods = upperAll(rc.Retry.Methods)
		}
	}
}

func upperAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateUpstreams(cfg); err != nil {
		return err
	}
	if err := validateFallback(cfg); err != nil {
		return err
	}
	if err := validateDefaults(cfg); err != nil {
		return err
	}
	if err := validateRoutes(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"transport.dial_timeout", cfg.Transport.DialTimeout},
		{"transport.dial_keep_alive", cfg.Transport.DialKeepAlive},
		{"transport.tls_handshake_timeout", cfg.Transport.TLSHandshakeTimeout},
		{"transport.idle_conn_timeout", cfg.Transport.IdleConnTimeout},
		{"transport.h2_read_idle_timeout", cfg.Transport.H2ReadIdleTimeout},
		{"transport.h2_ping_timeout", cfg.Transport.H2PingTimeout},
		{"defaults.timeout", cfg.Defaults.Timeout},
		{"rate_limit.idle_ttl", cfg.RateLimit.IdleTTL},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateUpstreams(cfg *Config) error {
	for name, raw := range cfg.Upstreams {
		if _, err := parseUpstreamURL(raw); err != nil {
			return fmt.Errorf("invalid upstreams.%s %q: %w", name, raw, err)
		}
	}
	return nil
}

func parseUpstreamURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	return u, nil
}

// ResolveUpstream returns the base URI for a route's upstream reference,
// which is either a key of Upstreams or an absolute URL.
func (c *Config) ResolveUpstream(ref string) (*url.URL, error) {
	if raw, ok := c.Upstreams[ref]; ok {
		return parseUpstreamURL(raw)
	}
	if strings.Contains(ref, "://") {
		return parseUpstreamURL(ref)
	}
	return nil, fmt.Errorf("unknown upstream %q", ref)
}

func validateFallback(cfg *Config) error {
	if cfg.Fallback.Path == "" {
		cfg.Fallback.Path = DefaultFallbackPath
	}
	if !strings.HasPrefix(cfg.Fallback.Path, "/") {
		return fmt.Errorf("fallback.path %q must start with /", cfg.Fallback.Path)
	}
	if cfg.Fallback.StatusCode == 0 {
		cfg.Fallback.StatusCode = http.StatusOK
	}
	if cfg.Fallback.StatusCode < 200 || cfg.Fallback.StatusCode > 599 {
		return fmt.Errorf("invalid fallback.status_code %d", cfg.Fallback.StatusCode)
	}
	return nil
}

func validateDefaults(cfg *Config) error {
	if err := validateRateLimiter(cfg.Defaults.RateLimiter, "defaults.rate_limiter"); err != nil {
		return err
	}
	if err := validateBreaker(cfg, cfg.Defaults.CircuitBreaker, "defaults.circuit_breaker"); err != nil {
		return err
	}
	return validateRetry(cfg.Defaults.Retry, "defaults.retry")
}

func validateRoutes(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Routes))
	for i, rc := range cfg.Routes {
		where := fmt.Sprintf("routes[%d]", i)
		if rc.ID == "" {
			return fmt.Errorf("%s.id is required", where)
		}
		if _, dup := seen[rc.ID]; dup {
			return fmt.Errorf("%s: duplicate route id %q", where, rc.ID)
		}
		seen[rc.ID] = struct{}{}
		where = "routes." + rc.ID

		prefix, err := PathPrefix(rc.Path)
		if err != nil {
			return fmt.Errorf("%s.path: %w", where, err)
		}
		if prefix == cfg.Fallback.Path {
			return fmt.Errorf("%s.path %q collides with fallback.path %q", where, rc.Path, cfg.Fallback.Path)
		}
		if _, err := cfg.ResolveUpstream(rc.Upstream); err != nil {
			return fmt.Errorf("%s.upstream: %w", where, err)
		}
		if rc.Timeout != "" {
			if d, err := time.ParseDuration(rc.Timeout); err != nil || d <= 0 {
				return fmt.Errorf("invalid %s.timeout %q", where, rc.Timeout)
			}
		}

		filters := make(map[FilterType]struct{}, len(rc.Filters))
		for _, f := range rc.Filters {
			if !f.Valid() {
				return fmt.Errorf("%s: unknown filter %q", where, f)
			}
			if _, dup := filters[f]; dup {
				return fmt.Errorf("%s: filter %q listed twice", where, f)
			}
			filters[f] = struct{}{}
		}

		if rc.Rewrite != nil {
			if _, err := regexp.Compile(rc.Rewrite.Regexp); err != nil {
				return fmt.Errorf("%s.rewrite.regexp: %w", where, err)
			}
		}
		if rc.RateLimiter != nil {
			if err := validateRateLimiter(*rc.RateLimiter, where+".rate_limiter"); err != nil {
				return err
			}
		}
		if rc.CircuitBreaker != nil {
			if err := validateBreaker(cfg, *rc.CircuitBreaker, where+".circuit_breaker"); err != nil {
				return err
			}
		}
		if rc.Retry != nil {
			if err := validateRetry(*rc.Retry, where+".retry"); err != nil {
				return err
			}
		}
	}
	return nil
}

// PathPrefix extracts the fixed prefix of a route path pattern. Accepted
// forms are "/svc/**" and the capture form "/svc/(?<segment>.*)".
func PathPrefix(pattern string) (string, error) {
	if !strings.HasPrefix(pattern, "/") {
		return "", fmt.Errorf("pattern %q must start with /", pattern)
	}
	var prefix string
	switch {
	case strings.HasSuffix(pattern, "/**"):
		prefix = strings.TrimSuffix(pattern, "/**")
	case strings.HasSuffix(pattern, "/(?<segment>.*)"):
		prefix = strings.TrimSuffix(pattern, "/(?<segment>.*)")
	case strings.HasSuffix(pattern, "/(?P<segment>.*)"):
		prefix = strings.TrimSuffix(pattern, "/(?P<segment>.*)")
	default:
		return "", fmt.Errorf("pattern %q must end with /** or /(?<segment>.*)", pattern)
	}
	if strings.ContainsAny(prefix, "*?()[]") {
		return "", fmt.Errorf("pattern %q: wildcards are only allowed as the final segment", pattern)
	}
	return prefix, nil
}

func validateRateLimiter(rl RateLimiterConfig, where string) error {
	if rl.ReplenishRate <= 0 {
		return fmt.Errorf("%s.replenish_rate must be > 0", where)
	}
	if rl.BurstCapacity < 1 {
		return fmt.Errorf("%s.burst_capacity must be >= 1", where)
	}
	if rl.RequestedTokens < 0 || rl.RequestedTokens > rl.BurstCapacity {
		return fmt.Errorf("%s.requested_tokens must be between 1 and burst_capacity", where)
	}
	return nil
}

func validateBreaker(cfg *Config, cb CircuitBreakerConfig, where string) error {
	if cb.FailureThreshold < 0 || cb.HalfOpenMaxCalls < 0 || cb.SuccessThreshold < 0 {
		return fmt.Errorf("%s: thresholds must be >= 0", where)
	}
	for _, d := range []struct{ name, val string }{
		{"failure_window", cb.FailureWindow},
		{"open_timeout", cb.OpenTimeout},
	} {
		if d.val == "" {
			continue
		}
		if v, err := time.ParseDuration(d.val); err != nil || v < 0 {
			return fmt.Errorf("invalid %s.%s %q", where, d.name, d.val)
		}
	}
	if cb.FallbackURI != "" {
		path, ok := strings.CutPrefix(cb.FallbackURI, forwardScheme)
		if !ok {
			return fmt.Errorf("%s.fallback_uri %q must use the forward: scheme", where, cb.FallbackURI)
		}
		if path != cfg.Fallback.Path {
			return fmt.Errorf("%s.fallback_uri %q does not match fallback.path %q", where, cb.FallbackURI, cfg.Fallback.Path)
		}
	}
	return nil
}

func validateRetry(rc RetryConfig, where string) error {
	if rc.Retries < 0 {
		return fmt.Errorf("%s.retries must be >= 0", where)
	}
	if rc.Factor != 0 && rc.Factor < 1 {
		return fmt.Errorf("%s.factor must be >= 1", where)
	}
	for _, d := range []struct{ name, val string }{
		{"first_backoff", rc.FirstBackoff},
		{"max_backoff", rc.MaxBackoff},
	} {
		if d.val == "" {
			continue
		}
		if v, err := time.ParseDuration(d.val); err != nil || v < 0 {
			return fmt.Errorf("invalid %s.%s %q", where, d.name, d.val)
		}
	}
	for _, m := range rc.Methods {
		if strings.ContainsAny(m, " \t/") {
			return fmt.Errorf("%s.methods: invalid method %q", where, m)
		}
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	if !cfg.RateLimit.Store.Valid() {
		return fmt.Errorf("invalid rate_limit.store %q: must be redis or memory", cfg.RateLimit.Store)
	}
	if fp := cfg.RateLimit.FailurePolicy; fp != "" && !fp.Valid() {
		return fmt.Errorf("invalid rate_limit.failure_policy %q: must be inmemoryfallback, failopen, or failclosed", fp)
	}
	ks := cfg.RateLimit.KeyResolver
	if ks.Type != "" && !ks.Type.Valid() {
		return fmt.Errorf("unknown rate_limit.key_resolver.type %q", ks.Type)
	}
	if ks.Type == KeyResolverHeader && ks.HeaderName == "" {
		return fmt.Errorf("rate_limit.key_resolver.header_name is required when type is %q", ks.Type)
	}
	if cfg.RateLimit.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("rate_limit.max_recovery_attempts must be >= 0")
	}
	return nil
}

func validateRedis(cfg *Config) error {
	if cfg.RateLimit.Store != StoreRedis {
		return nil
	}
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns the field paths
// that changed and cannot be applied by hot reload.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.RateLimit.Store != old.RateLimit.Store {
		fields = append(fields, "rate_limit.store")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.Fallback.Path != old.Fallback.Path {
		fields = append(fields, "fallback.path")
	}
	return fields
}
