package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/wheelsondemand/gateway/internal/redis"
)

// tokenBucketLua refills and takes from one bucket atomically.
//
// KEYS[1] bucket hash with fields "tokens" and "ts" (µs).
// ARGV[1] rate in tokens per µs, ARGV[2] burst, ARGV[3] cost,
// ARGV[4] now in µs, ARGV[5] key TTL in ms.
//
// Returns {allowed (0|1), remaining, retry_after_us}.
const tokenBucketLua = `
local key   = KEYS[1]
local rate  = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local cost  = tonumber(ARGV[3])
local now   = tonumber(ARGV[4])
local ttl   = tonumber(ARGV[5])

local vals   = redis.call('hmget', key, 'tokens', 'ts')
local tokens = tonumber(vals[1])
local ts     = tonumber(vals[2])
if tokens == nil or ts == nil then
  tokens = burst
  ts = now
end
if now < ts then
  ts = now
end

tokens = math.min(burst, tokens + (now - ts) * rate)

local allowed = 0
local retry = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
elseif rate > 0 then
  retry = math.ceil((cost - tokens) / rate)
end

redis.call('hset', key, 'tokens', tostring(tokens), 'ts', now)
redis.call('pexpire', key, ttl)

return {allowed, math.floor(tokens), retry}
`

// tokenBucketScript precomputes the SHA1 used for EVALSHA.
var tokenBucketScript = goredis.NewScript(tokenBucketLua)

// RedisStore keeps buckets in Redis so every gateway instance shares them.
type RedisStore struct {
	client redis.Client
	logger *slog.Logger
	clock  clockwork.Clock
	prefix string
	hash   string
	closed atomic.Bool
}

// NewRedisStore wraps client. Keys are written as prefix + ":" + key.
func NewRedisStore(client redis.Client, prefix string, clock clockwork.Clock, logger *slog.Logger) *RedisStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if prefix != "" {
		prefix += ":"
	}
	return &RedisStore{
		client: client,
		logger: logger,
		clock:  clock,
		prefix: prefix,
		hash:   tokenBucketScript.Hash(),
	}
}

// Take runs the token-bucket script for key.
func (s *RedisStore) Take(ctx context.Context, key string, limit Limit) (Decision, error) {
	if s.closed.Load() {
		return Decision{}, ErrStoreClosed
	}
	ttl := max(limit.refillTime().Milliseconds()*2, 1000)
	args := []any{
		// Plain decimal: Lua tonumber rejects exponent notation such as 1e-06.
		strconv.FormatFloat(limit.Rate/1e6, 'f', -1, 64),
		limit.Burst,
		limit.cost(),
		s.clock.Now().UnixMicro(),
		ttl,
	}
	res, err := s.eval(ctx, []string{s.prefix + key}, args...)
	if err != nil {
		return Decision{}, err
	}
	return parseDecision(res)
}

// eval sends EVALSHA and falls back to EVAL when Redis lost the script
// cache, e.g. after a restart or failover.
func (s *RedisStore) eval(ctx context.Context, keys []string, args ...any) (*goredis.Cmd, error) {
	cmd := s.client.EvalSha(ctx, s.hash, keys, args...)
	if err := cmd.Err(); err != nil && redis.IsNoScriptErr(err) {
		s.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL", "key", keys[0])
		cmd = s.client.Eval(ctx, tokenBucketLua, keys, args...)
	}
	if err := cmd.Err(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Ping checks that Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client. Later Takes return ErrStoreClosed.
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}

func parseDecision(cmd *goredis.Cmd) (Decision, error) {
	arr, err := cmd.Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("reading script result: %w", err)
	}
	if len(arr) != 3 {
		return Decision{}, fmt.Errorf("script returned %d elements, want 3", len(arr))
	}
	allowed, err := toInt64(arr[0])
	if err != nil {
		return Decision{}, fmt.Errorf("parsing allowed: %w", err)
	}
	remaining, err := toInt64(arr[1])
	if err != nil {
		return Decision{}, fmt.Errorf("parsing remaining: %w", err)
	}
	retryMicros, err := toInt64(arr[2])
	if err != nil {
		return Decision{}, fmt.Errorf("parsing retry_after: %w", err)
	}
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: microseconds(retryMicros),
	}, nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
