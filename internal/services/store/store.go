// Package store is the shared counter store used for every piece of
// cross-instance governor state: rate windows, token buckets, spend
// counters, cached aggregates and alert cooldowns.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Egham-7/adaptive-governor/internal/models"

	"github.com/redis/go-redis/v9"
)

// WindowState describes a sliding window after pruning expired entries.
type WindowState struct {
	Count int
	// Oldest is the timestamp of the oldest in-window entry, zero when Count is 0.
	Oldest time.Time
}

// Store is a low-latency key-value store with atomic increments, TTLs,
// time-ordered sets and prefix deletion. Every failure is reported as an
// error wrapping models.ErrStoreUnavailable.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes only when the key is absent and reports whether it wrote.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// IncrBy and IncrByFloat apply ttl only when the key has no expiry yet.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)

	// WindowCount prunes entries older than now-window and reports what is left.
	WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (WindowState, error)
	// WindowAdd appends now to the window and sets the key expiry to window.
	WindowAdd(ctx context.Context, key string, now time.Time, window time.Duration) error
	// WindowAcquire prunes, counts and appends in one atomic step when the
	// count is below limit. The returned state is the one before the append.
	WindowAcquire(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (WindowState, bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// New builds the backend selected by cfg.Backend.
func New(cfg models.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case models.StoreBackendRedis:
		client, err := NewRedisClient(cfg)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, OpTimeout(cfg)), nil
	case models.StoreBackendMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
}

// NewRedisClient creates a go-redis client for the configured topology.
func NewRedisClient(cfg models.StoreConfig) (redis.UniversalClient, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 20
	}

	switch cfg.Mode {
	case models.RedisModeCluster:
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addrs,
			Password:     cfg.Password,
			PoolSize:     poolSize,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}), nil
	case models.RedisModeSentinel:
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Addrs,
			Password:      cfg.Password,
			PoolSize:      poolSize,
			MinIdleConns:  2,
			DialTimeout:   5 * time.Second,
			ReadTimeout:   3 * time.Second,
			WriteTimeout:  3 * time.Second,
		}), nil
	default:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		if cfg.Password != "" {
			opt.Password = cfg.Password
		}
		opt.PoolSize = poolSize
		opt.MinIdleConns = 2
		opt.PoolTimeout = 4 * time.Second
		opt.ConnMaxIdleTime = 5 * time.Minute
		opt.DialTimeout = 5 * time.Second
		opt.ReadTimeout = 3 * time.Second
		opt.WriteTimeout = 3 * time.Second
		return redis.NewClient(opt), nil
	}
}

// OpTimeout returns the per-operation bound, defaulting to 100ms.
func OpTimeout(cfg models.StoreConfig) time.Duration {
	if cfg.OpTimeoutMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(cfg.OpTimeoutMs) * time.Millisecond
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStoreUnavailable, op, err)
}
