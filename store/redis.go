package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultPrefix = "admit:"

// incrScript atomically increments a counter and makes sure it carries a TTL.
// The TTL is applied whenever the key has none, which covers the first increment
// of a window and any key left without an expiry. Returns {count, pttl_ms}.
var incrScript = redis.NewScript(`
local count = redis.call('INCRBY', KEYS[1], ARGV[1])
local pttl = redis.call('PTTL', KEYS[1])
if pttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
    pttl = tonumber(ARGV[2])
end
return {count, pttl}
`)

// Redis is a Redis-backed implementation of Store for multi-instance deployments.
// Every Increment is one script round trip, so concurrent callers across
// processes can never both observe the same count.
type Redis struct {
	client redis.UniversalClient
	prefix string
	health *health
	owned  bool
}

// RedisConfig holds configuration for Redis connection.
// All fields should be populated explicitly by your application code.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional)
	Password string

	// DB is the Redis database number (default: 0)
	DB int

	// Prefix is prepended to all keys (default: "admit:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// MinIdleConns is the minimum number of idle connections (default: 0)
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration

	// Logger receives health transition events (default: no-op)
	Logger *zap.Logger
}

// NewRedis creates a Redis store with the given configuration.
// Validates the connection with a ping before returning.
func NewRedis(config RedisConfig) (*Redis, error) {
	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.MinIdleConns > 0 {
		opts.MinIdleConns = config.MinIdleConns
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	r := NewRedisFromClient(client, config.Prefix, config.Logger)
	r.owned = true
	r.health.observe(nil)
	return r, nil
}

// NewRedisFromClient wraps an existing client. The caller keeps ownership of
// the client; Close does not close it.
func NewRedisFromClient(client redis.UniversalClient, prefix string, logger *zap.Logger) *Redis {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
		health: newHealth("redis", logger),
	}
}

// Increment atomically adds n to the counter for key using a Lua script and
// returns the new count and the remaining TTL.
func (r *Redis) Increment(ctx context.Context, key string, n int64, ttl time.Duration) (int64, time.Duration, error) {
	ttlMs := max(ttl.Milliseconds(), 1)

	result, err := incrScript.Run(ctx, r.client, []string{r.prefix + key}, n, ttlMs).Int64Slice()
	if err != nil {
		err = r.classify("increment", err)
		r.health.observe(err)
		return 0, 0, err
	}
	r.health.observe(nil)

	if len(result) != 2 {
		return 0, 0, fmt.Errorf("unexpected result length: got %d, want 2", len(result))
	}

	return result[0], time.Duration(result[1]) * time.Millisecond, nil
}

// Get retrieves the current count for the given key without incrementing.
// Returns 0 if the key doesn't exist or has expired.
func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		r.health.observe(nil)
		return 0, nil
	}
	if err != nil {
		err = r.classify("get", err)
		r.health.observe(err)
		return 0, err
	}
	r.health.observe(nil)
	return val, nil
}

// Reset removes the counter for the given key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		err = r.classify("reset", err)
		r.health.observe(err)
		return err
	}
	return nil
}

// Health reports the last observed backend state.
func (r *Redis) Health() HealthState {
	return r.health.load()
}

// Ping checks connectivity and updates the health state.
func (r *Redis) Ping(ctx context.Context) error {
	err := r.client.Ping(ctx).Err()
	if err != nil {
		err = r.classify("ping", err)
	}
	r.health.observe(err)
	return err
}

// Close releases the Redis client when the store created it.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

func (r *Redis) classify(op string, err error) error {
	if isConnectivityError(err) {
		return &UnavailableError{Backend: "redis", Op: op, Err: err}
	}
	return fmt.Errorf("redis %s failed: %w", op, err)
}
