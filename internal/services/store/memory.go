package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	window    []time.Time
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is a single-process Store. TTLs are evaluated lazily against
// the injected clock.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests that need to move time forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup returns a live entry, dropping it if expired. Caller holds mu.
func (s *MemoryStore) lookup(key string) (*memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, unavailable("get", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.window != nil {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return unavailable("set", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memoryEntry{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable("setnx", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.entries[key] = &memoryEntry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("del", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("scan", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, e := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !e.expired(s.now()) {
			deleted++
		}
		delete(s.entries, key)
	}
	return deleted, nil
}

func (s *MemoryStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("incrby", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		e = &memoryEntry{value: "0"}
		s.entries[key] = e
	}
	current, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %s is not an integer", key)
	}
	current += delta
	e.value = strconv.FormatInt(current, 10)
	if e.expiresAt.IsZero() {
		e.expiresAt = s.expiry(ttl)
	}
	return current, nil
}

func (s *MemoryStore) IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("incrbyfloat", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		e = &memoryEntry{value: "0"}
		s.entries[key] = e
	}
	current, err := strconv.ParseFloat(e.value, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %s is not a float", key)
	}
	current += delta
	e.value = strconv.FormatFloat(current, 'f', -1, 64)
	if e.expiresAt.IsZero() {
		e.expiresAt = s.expiry(ttl)
	}
	return current, nil
}

// prune drops window entries before now-window. Caller holds mu.
func (s *MemoryStore) prune(key string, now time.Time, window time.Duration) *memoryEntry {
	e, ok := s.lookup(key)
	if !ok {
		return nil
	}
	cut := now.Add(-window)
	i := sort.Search(len(e.window), func(i int) bool {
		return !e.window[i].Before(cut)
	})
	e.window = e.window[i:]
	return e
}

func stateOf(e *memoryEntry) WindowState {
	if e == nil || len(e.window) == 0 {
		return WindowState{}
	}
	return WindowState{Count: len(e.window), Oldest: e.window[0]}
}

func (s *MemoryStore) add(key string, e *memoryEntry, now time.Time, window time.Duration) {
	if e == nil {
		e = &memoryEntry{window: []time.Time{}}
		s.entries[key] = e
	}
	i := sort.Search(len(e.window), func(i int) bool {
		return e.window[i].After(now)
	})
	e.window = append(e.window, time.Time{})
	copy(e.window[i+1:], e.window[i:])
	e.window[i] = now
	e.expiresAt = s.expiry(window)
}

func (s *MemoryStore) WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (WindowState, error) {
	if err := ctx.Err(); err != nil {
		return WindowState{}, unavailable("window count", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return stateOf(s.prune(key, now, window)), nil
}

func (s *MemoryStore) WindowAdd(ctx context.Context, key string, now time.Time, window time.Duration) error {
	if err := ctx.Err(); err != nil {
		return unavailable("window add", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.add(key, s.prune(key, now, window), now, window)
	return nil
}

func (s *MemoryStore) WindowAcquire(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (WindowState, bool, error) {
	if err := ctx.Err(); err != nil {
		return WindowState{}, false, unavailable("window acquire", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.prune(key, now, window)
	state := stateOf(e)
	if state.Count >= limit {
		return state, false, nil
	}
	s.add(key, e, now, window)
	return state, true, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}
