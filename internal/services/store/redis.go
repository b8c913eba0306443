package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lua scripts for atomic window and counter operations. Scores are unix milliseconds.
var (
	// windowCountScript prunes and counts a sliding window
	// KEYS[1]: window key
	// ARGV[1]: cutoff (ms), entries scored below it are expired
	windowCountScript = redis.NewScript(`
		redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
		local count = redis.call('ZCARD', KEYS[1])
		local oldest = 0
		if count > 0 then
			local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
			oldest = tonumber(first[2])
		end
		return {count, oldest}
	`)

	// windowAddScript appends one entry and refreshes the key expiry
	// KEYS[1]: window key
	// ARGV[1]: cutoff (ms)
	// ARGV[2]: now (ms)
	// ARGV[3]: window (ms)
	// ARGV[4]: unique member
	windowAddScript = redis.NewScript(`
		redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
		redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
		redis.call('PEXPIRE', KEYS[1], ARGV[3])
		return 1
	`)

	// windowAcquireScript is windowCountScript and windowAddScript fused
	// KEYS[1]: window key
	// ARGV[1]: cutoff (ms)
	// ARGV[2]: now (ms)
	// ARGV[3]: window (ms)
	// ARGV[4]: unique member
	// ARGV[5]: limit
	windowAcquireScript = redis.NewScript(`
		redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
		local count = redis.call('ZCARD', KEYS[1])
		local oldest = 0
		if count > 0 then
			local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
			oldest = tonumber(first[2])
		end
		local acquired = 0
		if count < tonumber(ARGV[5]) then
			redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
			redis.call('PEXPIRE', KEYS[1], ARGV[3])
			acquired = 1
		end
		return {count, oldest, acquired}
	`)

	// incrByScript increments and sets an expiry only on keys without one
	// KEYS[1]: counter key
	// ARGV[1]: delta
	// ARGV[2]: ttl (ms)
	incrByScript = redis.NewScript(`
		local v = redis.call('INCRBY', KEYS[1], ARGV[1])
		if redis.call('PTTL', KEYS[1]) < 0 then
			redis.call('PEXPIRE', KEYS[1], ARGV[2])
		end
		return v
	`)

	// incrByFloatScript is incrByScript for float counters; the value is returned as a string
	incrByFloatScript = redis.NewScript(`
		local v = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
		if redis.call('PTTL', KEYS[1]) < 0 then
			redis.call('PEXPIRE', KEYS[1], ARGV[2])
		end
		return v
	`)
)

const scanBatchSize = 200

// RedisStore implements Store on go-redis. Every round trip is bounded by opTimeout.
type RedisStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

func NewRedisStore(client redis.UniversalClient, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = 100 * time.Millisecond
	}
	return &RedisStore{client: client, opTimeout: opTimeout}
}

// Client exposes the underlying client for health checks.
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	// One command per key so cluster deployments never hit CROSSSLOT.
	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("del", err)
	}
	return nil
}

// DeletePrefix scans for prefix* and deletes matches in batches. On a
// cluster every master is scanned.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if cluster, ok := s.client.(*redis.ClusterClient); ok {
		var total atomic.Int64
		err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			n, err := s.deletePrefixOn(ctx, node, prefix)
			total.Add(int64(n))
			return err
		})
		return int(total.Load()), err
	}
	return s.deletePrefixOn(ctx, s.client, prefix)
}

func (s *RedisStore) deletePrefixOn(ctx context.Context, c redis.Cmdable, prefix string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		scanCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		keys, next, err := c.Scan(scanCtx, cursor, prefix+"*", scanBatchSize).Result()
		cancel()
		if err != nil {
			return deleted, unavailable("scan", err)
		}

		if len(keys) > 0 {
			delCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
			pipe := c.Pipeline()
			for _, key := range keys {
				pipe.Del(delCtx, key)
			}
			_, err := pipe.Exec(delCtx)
			cancel()
			if err != nil {
				return deleted, unavailable("del", err)
			}
			deleted += len(keys)
		}

		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	v, err := incrByScript.Run(ctx, s.client, []string{key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, unavailable("incrby", err)
	}
	return v, nil
}

func (s *RedisStore) IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	raw, err := incrByFloatScript.Run(ctx, s.client, []string{key},
		strconv.FormatFloat(delta, 'f', -1, 64), ttl.Milliseconds()).Text()
	if err != nil {
		return 0, unavailable("incrbyfloat", err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (WindowState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	res, err := windowCountScript.Run(ctx, s.client, []string{key}, cutoff(now, window)).Int64Slice()
	if err != nil {
		return WindowState{}, unavailable("window count", err)
	}
	return windowState(res[0], res[1]), nil
}

func (s *RedisStore) WindowAdd(ctx context.Context, key string, now time.Time, window time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	member := strconv.FormatInt(now.UnixMilli(), 10) + ":" + uuid.NewString()
	if err := windowAddScript.Run(ctx, s.client, []string{key},
		cutoff(now, window), now.UnixMilli(), window.Milliseconds(), member).Err(); err != nil {
		return unavailable("window add", err)
	}
	return nil
}

func (s *RedisStore) WindowAcquire(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (WindowState, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	member := strconv.FormatInt(now.UnixMilli(), 10) + ":" + uuid.NewString()
	res, err := windowAcquireScript.Run(ctx, s.client, []string{key},
		cutoff(now, window), now.UnixMilli(), window.Milliseconds(), member, limit).Int64Slice()
	if err != nil {
		return WindowState{}, false, unavailable("window acquire", err)
	}
	return windowState(res[0], res[1]), res[2] == 1, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func windowState(count, oldestMs int64) WindowState {
	state := WindowState{Count: int(count)}
	if count > 0 {
		state.Oldest = time.UnixMilli(oldestMs)
	}
	return state
}

// cutoff is the lowest score still inside the window ending at now.
func cutoff(now time.Time, window time.Duration) int64 {
	return now.Add(-window).UnixMilli()
}
