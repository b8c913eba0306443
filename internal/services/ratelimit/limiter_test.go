package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Egham-7/adaptive-governor/internal/models"
	"github.com/Egham-7/adaptive-governor/internal/services/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingStore fails every operation the limiter uses.
type failingStore struct {
	store.Store
}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, models.ErrStoreUnavailable
}

func (failingStore) IncrBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, models.ErrStoreUnavailable
}

func (failingStore) WindowCount(context.Context, string, time.Time, time.Duration) (store.WindowState, error) {
	return store.WindowState{}, models.ErrStoreUnavailable
}

func (failingStore) WindowAdd(context.Context, string, time.Time, time.Duration) error {
	return models.ErrStoreUnavailable
}

func (failingStore) WindowAcquire(context.Context, string, time.Time, time.Duration, int) (store.WindowState, bool, error) {
	return store.WindowState{}, false, models.ErrStoreUnavailable
}

func intPtr(v int) *int { return &v }

func testConfig() models.RateLimitsConfig {
	return models.RateLimitsConfig{
		Providers: map[string]models.ProviderLimits{
			"cerebras": {RequestsPerMinute: 60},
			"OpenAI":   {RequestsPerMinute: 5, TokensPerMinute: intPtr(1000)},
		},
		DefaultRemaining: 100,
	}
}

func newTestLimiter(t *testing.T, cfg models.RateLimitsConfig) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 14, 12, 0, 15, 0, time.UTC)}
	st := store.NewMemoryStore(store.WithClock(clock.Now))
	return New(st, cfg, WithClock(clock.Now)), clock
}

func TestSixtyFirstRequestIsDenied(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, testConfig())

	for i := range 60 {
		res := l.CheckRateLimit(ctx, "u1", "cerebras", "/v1/chat", nil)
		require.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 60-i, res.RequestsRemaining)
		l.RecordRequest(ctx, "u1", "cerebras", "/v1/chat", nil)
	}

	res := l.CheckRateLimit(ctx, "u1", "cerebras", "/v1/chat", nil)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.RequestsRemaining)
	require.NotNil(t, res.RetryAfter)
	assert.Equal(t, 61, *res.RetryAfter)
	assert.Equal(t, reasonRequests, res.Reason)

	headers := res.Headers()
	assert.Equal(t, "60", headers["X-RateLimit-Limit"])
	assert.Equal(t, "0", headers["X-RateLimit-Remaining"])
	assert.Equal(t, "61", headers["Retry-After"])
}

func TestWindowSlides(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter(t, testConfig())

	for range 5 {
		l.RecordRequest(ctx, "u1", "openai", "", nil)
		clock.Advance(10 * time.Second)
	}
	// oldest entry was recorded 50s ago
	res := l.CheckRateLimit(ctx, "u1", "openai", "", nil)
	require.False(t, res.Allowed)
	require.NotNil(t, res.RetryAfter)
	assert.Equal(t, 11, *res.RetryAfter)

	// one second short, the oldest entry sits exactly on the window edge
	clock.Advance(time.Duration(*res.RetryAfter-1) * time.Second)
	assert.False(t, l.CheckRateLimit(ctx, "u1", "openai", "", nil).Allowed)

	clock.Advance(time.Second)
	res = l.CheckRateLimit(ctx, "u1", "openai", "", nil)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.RequestsRemaining)
}

func TestWaitingRetryAfterIsEnough(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter(t, testConfig())

	// a single burst
	for range 5 {
		l.RecordRequest(ctx, "u1", "openai", "", nil)
	}
	res := l.CheckRateLimit(ctx, "u1", "openai", "", nil)
	require.False(t, res.Allowed)
	clock.Advance(time.Duration(*res.RetryAfter) * time.Second)
	assert.True(t, l.CheckRateLimit(ctx, "u1", "openai", "", nil).Allowed)

	// staggered entries
	for range 5 {
		l.RecordRequest(ctx, "u2", "openai", "", nil)
		clock.Advance(7 * time.Second)
	}
	res = l.CheckRateLimit(ctx, "u2", "openai", "", nil)
	require.False(t, res.Allowed)
	clock.Advance(time.Duration(*res.RetryAfter) * time.Second)
	assert.True(t, l.CheckRateLimit(ctx, "u2", "openai", "", nil).Allowed)
}

func TestNoTokenCeilingNeverDenies(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, testConfig())

	l.RecordRequest(ctx, "u1", "cerebras", "", intPtr(10_000_000))
	res := l.CheckRateLimit(ctx, "u1", "cerebras", "", intPtr(10_000_000))
	assert.True(t, res.Allowed)
	assert.Nil(t, res.TokensRemaining)
	assert.Nil(t, res.RetryAfter)
	assert.Equal(t, 59, res.RequestsRemaining)
}

func TestWindowsAreScopedPerUserAndEndpoint(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, testConfig())

	for range 5 {
		l.RecordRequest(ctx, "u1", "openai", "/v1/chat", nil)
	}
	assert.False(t, l.CheckRateLimit(ctx, "u1", "openai", "/v1/chat", nil).Allowed)
	assert.True(t, l.CheckRateLimit(ctx, "u2", "openai", "/v1/chat", nil).Allowed)
	assert.True(t, l.CheckRateLimit(ctx, "u1", "openai", "/v1/embeddings", nil).Allowed)
}

func TestTokenCeiling(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter(t, testConfig())

	l.RecordRequest(ctx, "u1", "openai", "", intPtr(600))
	l.RecordRequest(ctx, "u1", "openai", "", intPtr(400))

	res := l.CheckRateLimit(ctx, "u1", "openai", "", intPtr(1))
	assert.False(t, res.Allowed)
	assert.Equal(t, reasonTokens, res.Reason)
	require.NotNil(t, res.TokensRemaining)
	assert.Zero(t, *res.TokensRemaining)
	// the bucket started at 12:00:00 and the clock reads 12:00:15
	assert.Equal(t, 45, *res.RetryAfter)

	// no estimate means no token check
	assert.True(t, l.CheckRateLimit(ctx, "u1", "openai", "", nil).Allowed)

	clock.Advance(45 * time.Second)
	res = l.CheckRateLimit(ctx, "u1", "openai", "", intPtr(1000))
	assert.True(t, res.Allowed)
	assert.Equal(t, 1000, *res.TokensRemaining)
}

func TestUnknownProvider(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, testConfig())

	res := l.CheckRateLimit(ctx, "u1", "mystery", "", intPtr(1_000_000))
	assert.True(t, res.Allowed)
	assert.Equal(t, 100, res.RequestsRemaining)
	assert.Nil(t, res.TokensRemaining)

	cfg := testConfig()
	deny := false
	cfg.AllowUnknownProviders = &deny
	strict, _ := newTestLimiter(t, cfg)

	res = strict.CheckRateLimit(ctx, "u1", "mystery", "", nil)
	assert.False(t, res.Allowed)
	assert.Equal(t, reasonUnknownProvider, res.Reason)
}

func TestProviderNamesAreCaseInsensitive(t *testing.T) {
	l, _ := newTestLimiter(t, testConfig())

	limits, ok := l.Limits("OPENAI")
	require.True(t, ok)
	assert.Equal(t, 5, limits.RequestsPerMinute)
}

func TestStoreFailurePolicy(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.FailOpen = true
	open := New(failingStore{}, cfg)
	res := open.CheckRateLimit(ctx, "u1", "openai", "", intPtr(10))
	assert.True(t, res.Allowed)
	assert.Equal(t, reasonStoreFailOpen, res.Reason)

	cfg.FailOpen = false
	closed := New(failingStore{}, cfg)
	for _, tokens := range []*int{nil, intPtr(10)} {
		res = closed.CheckRateLimit(ctx, "u1", "openai", "", tokens)
		assert.False(t, res.Allowed)
		assert.Equal(t, reasonStoreFailClosed, res.Reason)
		assert.Equal(t, 1, *res.RetryAfter)
	}

	// recording never panics or blocks on a broken store
	closed.RecordRequest(ctx, "u1", "openai", "", intPtr(10))
}

func TestStoreFailureOnTokensOnly(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
	st := &tokenFailStore{Store: store.NewMemoryStore(store.WithClock(clock.Now))}

	cfg := testConfig()
	l := New(st, cfg, WithClock(clock.Now))

	res := l.CheckRateLimit(ctx, "u1", "openai", "", intPtr(10))
	assert.False(t, res.Allowed)
	assert.Equal(t, reasonStoreFailClosed, res.Reason)

	cfg.FailOpen = true
	l = New(st, cfg, WithClock(clock.Now))
	res = l.CheckRateLimit(ctx, "u1", "openai", "", intPtr(10))
	assert.True(t, res.Allowed)
}

// tokenFailStore works for windows and fails counter reads.
type tokenFailStore struct {
	store.Store
}

func (tokenFailStore) Get(context.Context, string) (string, bool, error) {
	return "", false, models.ErrStoreUnavailable
}

func TestAtomicAdmission(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.AtomicAdmission = true
	l, _ := newTestLimiter(t, cfg)

	for i := range 5 {
		res := l.CheckRateLimit(ctx, "u1", "openai", "", nil)
		require.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 4-i, res.RequestsRemaining)
		// recording does not add a second window entry
		l.RecordRequest(ctx, "u1", "openai", "", nil)
	}
	assert.False(t, l.CheckRateLimit(ctx, "u1", "openai", "", nil).Allowed)
}

func TestAtomicAdmissionTokenDenialCommitsNothing(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.AtomicAdmission = true
	l, _ := newTestLimiter(t, cfg)

	res := l.CheckRateLimit(ctx, "u1", "openai", "", intPtr(5000))
	require.False(t, res.Allowed)
	assert.Equal(t, reasonTokens, res.Reason)

	res = l.CheckRateLimit(ctx, "u1", "openai", "", nil)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.RequestsRemaining)
}

func TestAtomicAdmissionIsExactUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.AtomicAdmission = true
	l, _ := newTestLimiter(t, cfg)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckRateLimit(ctx, "u1", "cerebras", "", nil).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 60, allowed)
}

func TestRetryAfter(t *testing.T) {
	now := time.Unix(1000, 0)
	assert.Equal(t, 1, retryAfter(now, now))
	assert.Equal(t, 1, retryAfter(now, now.Add(-time.Second)))
	assert.Equal(t, 2, retryAfter(now, now.Add(1100*time.Millisecond)))
	assert.Equal(t, 60, retryAfter(now, now.Add(time.Minute)))
}
