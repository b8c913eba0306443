package cachedaggregate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Egham-7/adaptive-governor/internal/services/store"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/singleflight"
)

// computeTimeout bounds a shared recompute once it no longer follows its
// caller's deadline.
const computeTimeout = 10 * time.Second

// Cache is a two-tier read: the shared store first, then a recompute that is
// written back with a TTL. Store failures never change the returned value.
type Cache[T any] struct {
	store   store.Store
	ttl     time.Duration
	sfGroup singleflight.Group
}

// New creates a cache over st whose entries live for ttl.
func New[T any](st store.Store, ttl time.Duration) *Cache[T] {
	return &Cache[T]{store: st, ttl: ttl}
}

// TTL returns the write-back TTL.
func (c *Cache[T]) TTL() time.Duration {
	return c.ttl
}

// GetOrCompute returns the cached value for key or computes, stores and returns it.
// The compute function runs at most once per key at a time within this process.
// It is detached from the caller that started it, so one cancelled caller
// neither fails the others nor aborts the shared result.
func (c *Cache[T]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (T, error)) (T, error) {
	var zero T
	if cached, ok := c.read(ctx, key); ok {
		return cached, nil
	}

	ch := c.sfGroup.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeTimeout)
		defer cancel()

		value, err := compute(shared)
		if err != nil {
			return value, err
		}
		c.write(shared, key, value)
		return value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Refresh recomputes and stores the value regardless of what is cached.
func (c *Cache[T]) Refresh(ctx context.Context, key string, compute func(context.Context) (T, error)) (T, error) {
	value, err := compute(ctx)
	if err != nil {
		return value, err
	}
	c.write(ctx, key, value)
	return value, nil
}

func (c *Cache[T]) read(ctx context.Context, key string) (T, bool) {
	var zero T

	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		fiberlog.Warnf("[cache] read %s failed, recomputing: %v", key, err)
		return zero, false
	}
	if !found {
		return zero, false
	}

	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		fiberlog.Warnf("[cache] discarding undecodable entry %s: %v", key, err)
		return zero, false
	}
	return value, true
}

func (c *Cache[T]) write(ctx context.Context, key string, value T) {
	data, err := json.Marshal(value)
	if err != nil {
		fiberlog.Errorf("[cache] encode %s: %v", key, err)
		return
	}
	if err := c.store.Set(ctx, key, string(data), c.ttl); err != nil {
		fiberlog.Warnf("[cache] write %s failed: %v", key, err)
	}
}

// Invalidate deletes key. Failures are logged; the entry then goes stale until its TTL.
func (c *Cache[T]) Invalidate(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		fiberlog.Warnf("[cache] invalidate %s failed: %v", key, err)
	}
}

// InvalidatePrefix deletes every key under prefix and returns how many were removed.
func (c *Cache[T]) InvalidatePrefix(ctx context.Context, prefix string) int {
	n, err := c.store.DeletePrefix(ctx, prefix)
	if err != nil {
		fiberlog.Warnf("[cache] invalidate prefix %s failed after %d keys: %v", prefix, n, err)
	}
	return n
}
