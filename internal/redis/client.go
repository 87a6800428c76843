// Package redis builds the go-redis client that backs the shared rate-limit
// store, for single-node, sentinel and cluster deployments. Client exposes
// only what the token-bucket store needs.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/wheelsondemand/gateway/internal/config"
)

// slogAdapter routes go-redis pool and failover messages through slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (l *slogAdapter) Printf(ctx context.Context, format string, v ...any) {
	l.logger.WarnContext(ctx, fmt.Sprintf(format, v...), "component", "go-redis")
}

// InitLogger redirects go-redis internal logs. Call once before creating
// clients.
func InitLogger(logger *slog.Logger) {
	goredis.SetLogger(&slogAdapter{logger: logger})
}

// Client is satisfied by *goredis.Client, *goredis.ClusterClient and the
// sentinel failover client.
type Client interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *goredis.Cmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *goredis.Cmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// Connect creates a client for the configured topology and pings it. The
// ping is bounded by ctx.
func Connect(ctx context.Context, cfg config.RedisConfig) (Client, error) {
	c, label, err := open(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	return c, nil
}

func open(cfg config.RedisConfig) (Client, string, error) {
	o, err := newOptions(cfg)
	if err != nil {
		return nil, "", err
	}
	switch o.mode {
	case config.RedisModeSingle:
		return goredis.NewClient(o.single()), "redis " + o.endpoints[0], nil
	case config.RedisModeSentinel:
		return goredis.NewFailoverClient(o.failover()),
			fmt.Sprintf("redis sentinel %v master %q", o.endpoints, o.masterName), nil
	case config.RedisModeCluster:
		return goredis.NewClusterClient(o.cluster()), fmt.Sprintf("redis cluster %v", o.endpoints), nil
	default:
		return nil, "", fmt.Errorf("unknown redis mode %q", o.mode)
	}
}

// IsNoScriptErr reports whether Redis does not have the script cached.
func IsNoScriptErr(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// IsConnectivityErr reports whether err means Redis could not be reached or
// did not answer in time. A canceled caller context is not one.
func IsConnectivityErr(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, goredis.ErrClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused", "connection reset", "broken pipe", "EOF",
		"no such host", "i/o timeout", "CLUSTERDOWN", "LOADING", "READONLY",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Commands retry inside go-redis only briefly; the gateway has its own
// fallback for an unreachable store and must not stall requests.
const (
	maxRetries      = 1
	minRetryBackoff = 8 * time.Millisecond
	maxRetryBackoff = 64 * time.Millisecond
)

type options struct {
	endpoints    []string
	mode         config.RedisMode
	masterName   string
	username     string
	password     string
	db           int
	poolSize     int
	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	tls          *tls.Config
}

func newOptions(cfg config.RedisConfig) (*options, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("redis: no endpoints configured")
	}
	mode := cfg.Mode
	if mode == "" {
		mode = config.RedisModeSingle
	}
	dial, err := config.ParseDuration(cfg.DialTimeout, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}
	read, err := config.ParseDuration(cfg.ReadTimeout, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}
	write, err := config.ParseDuration(cfg.WriteTimeout, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}
	pool := cfg.PoolSize
	if pool <= 0 {
		pool = 10
	}

	o := &options{
		endpoints:    cfg.Endpoints,
		mode:         mode,
		masterName:   cfg.MasterName,
		username:     cfg.Username,
		password:     cfg.Password.Value(),
		db:           cfg.DB,
		poolSize:     pool,
		dialTimeout:  dial,
		readTimeout:  read,
		writeTimeout: write,
	}
	if cfg.TLS.Enabled {
		o.tls = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.TLS.InsecureSkipVerify} //nolint:gosec // opt-in
	}
	return o, nil
}

func (o *options) single() *goredis.Options {
	return &goredis.Options{
		Addr:            o.endpoints[0],
		Username:        o.username,
		Password:        o.password,
		DB:              o.db,
		PoolSize:        o.poolSize,
		DialTimeout:     o.dialTimeout,
		ReadTimeout:     o.readTimeout,
		WriteTimeout:    o.writeTimeout,
		MaxRetries:      maxRetries,
		MinRetryBackoff: minRetryBackoff,
		MaxRetryBackoff: maxRetryBackoff,
		TLSConfig:       o.tls,
	}
}

func (o *options) failover() *goredis.FailoverOptions {
	return &goredis.FailoverOptions{
		MasterName:      o.masterName,
		SentinelAddrs:   o.endpoints,
		Username:        o.username,
		Password:        o.password,
		DB:              o.db,
		PoolSize:        o.poolSize,
		DialTimeout:     o.dialTimeout,
		ReadTimeout:     o.readTimeout,
		WriteTimeout:    o.writeTimeout,
		MaxRetries:      maxRetries,
		MinRetryBackoff: minRetryBackoff,
		MaxRetryBackoff: maxRetryBackoff,
		TLSConfig:       o.tls,
	}
}

func (o *options) cluster() *goredis.ClusterOptions {
	return &goredis.ClusterOptions{
		Addrs:           o.endpoints,
		Username:        o.username,
		Password:        o.password,
		PoolSize:        o.poolSize,
		DialTimeout:     o.dialTimeout,
		ReadTimeout:     o.readTimeout,
		WriteTimeout:    o.writeTimeout,
		MaxRetries:      maxRetries,
		MinRetryBackoff: minRetryBackoff,
		MaxRetryBackoff: maxRetryBackoff,
		TLSConfig:       o.tls,
	}
}

// WarnInsecure logs when certificate verification is off.
func WarnInsecure(cfg config.RedisTLSConfig, logger *slog.Logger) {
	if cfg.Enabled && cfg.InsecureSkipVerify {
		logger.Warn("redis TLS certificate verification is disabled (insecure_skip_verify=true)")
	}
}
