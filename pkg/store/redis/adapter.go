// Package redis provides the coordination store client used by the
// import/export coordination layer. It exposes the small set of atomic
// primitives the lease locks and upload sessions are built on: set-if-absent
// with TTL, scripted compare-and-act operations, and set membership for
// identifier collection.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shelfwise/shelfwise/pkg/observability/logger"
)

const (
	defaultKeyPrefix        = "shelfwise"
	defaultOperationTimeout = 5 * time.Second
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("redis key not found")

	compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

	compareAndExtendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// Config holds coordination store connection configuration.
type Config struct {
	URL              string
	KeyPrefix        string
	MaxConns         int
	OperationTimeout time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.KeyPrefix) == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
}

// Adapter provides coordination store connectivity with connection pooling.
// One adapter is constructed per worker process and passed into every
// component that needs coordination state.
type Adapter struct {
	client *redis.Client
	logger logger.Logger
	config Config
}

// NewAdapter creates a coordination store adapter and verifies connectivity.
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis URL is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info("coordination store connected",
		"key_prefix", cfg.KeyPrefix,
		"operation_timeout", cfg.OperationTimeout,
	)

	return &Adapter{
		client: client,
		logger: log,
		config: cfg,
	}, nil
}

// Client returns the underlying *redis.Client for components that register
// their own server-side scripts.
func (a *Adapter) Client() *redis.Client {
	return a.client
}

// Key builds a namespaced coordination store key from parts.
func (a *Adapter) Key(parts ...string) string {
	elems := make([]string, 0, len(parts)+1)
	elems = append(elems, a.config.KeyPrefix)
	for _, part := range parts {
		elems = append(elems, strings.TrimSpace(part))
	}
	return strings.Join(elems, ":")
}

// SetIfAbsent atomically stores value under key with a TTL unless the key
// already exists. It returns the previous value when the key was occupied,
// which lets lease locks distinguish "held by us" from "held by someone else".
func (a *Adapter) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (previous string, stored bool, err error) {
	opCtx, cancel := a.operationContext(ctx)
	defer cancel()

	res, err := a.client.SetArgs(opCtx, key, value, redis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
		Get:  true,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return "", true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return res, false, nil
}

// CompareAndDelete removes key only when it still holds value. The read and
// delete happen in one atomic server-side step.
func (a *Adapter) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	opCtx, cancel := a.operationContext(ctx)
	defer cancel()

	res, err := compareAndDeleteScript.Run(opCtx, a.client, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-delete key %s: %w", key, err)
	}
	return res == 1, nil
}

// CompareAndExtend refreshes the TTL of key only when it still holds value.
func (a *Adapter) CompareAndExtend(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	opCtx, cancel := a.operationContext(ctx)
	defer cancel()

	res, err := compareAndExtendScript.Run(opCtx, a.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-extend key %s: %w", key, err)
	}
	return res == 1, nil
}

// Get retrieves a value by key. Missing keys return ErrNotFound.
func (a *Adapter) Get(ctx context.Context, key string) (string, error) {
	opCtx, cancel := a.operationContext(ctx)
	defer cancel()

	val, err := a.client.Get(opCtx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, nil
}

// Delete removes keys unconditionally.
func (a *Adapter) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	opCtx, cancel := a.operationContext(ctx)
	defer cancel()

	if err := a.client.Del(opCtx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// AddToSet adds members to the set stored at key and refreshes its TTL.
// Identifier collection during exhaustive import walks uses this.
func (a *Adapter) AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}

	opCtx, cancel := a.operationContext(ctx)
	defer cancel()

	values := make([]any, 0, len(members))
	for _, member := range members {
		values = append(values, member)
	}

	pipe := a.client.TxPipeline()
	pipe.SAdd(opCtx, key, values...)
	if ttl > 0 {
		pipe.PExpire(opCtx, key, ttl)
	}
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("failed to add members to set %s: %w", key, err)
	}
	return nil
}

// SetMembers returns every member of the set stored at key.
func (a *Adapter) SetMembers(ctx context.Context, key string) ([]string, error) {
	opCtx, cancel := a.operationContext(ctx)
	defer cancel()

	members, err := a.client.SMembers(opCtx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read set %s: %w", key, err)
	}
	return members, nil
}

// HealthCheck verifies the connection is healthy within a short timeout.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := a.client.Ping(hcCtx).Err(); err != nil {
		a.logger.Error("coordination store health check failed", "error", err)
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close gracefully closes the connection pool.
func (a *Adapter) Close() error {
	if err := a.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis connection: %w", err)
	}
	return nil
}

func (a *Adapter) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.config.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.config.OperationTimeout)
}
