// Package ratelimit enforces per-(user, provider) request and token ceilings
// over the shared store.
//
// Check and record are separate round trips by default, so concurrent
// callers may briefly over-admit a burst across instances. With
// rate_limits.atomic_admission the request ceiling is exact and the window
// entry is committed at check time, even if the outbound call never happens.
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Egham-7/adaptive-governor/internal/models"
	"github.com/Egham-7/adaptive-governor/internal/services/store"
	"github.com/Egham-7/adaptive-governor/internal/services/telemetry"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

const (
	window       = 60 * time.Second
	windowPrefix = "ratelimit:window:"
	tokensPrefix = "ratelimit:tokens:"

	reasonRequests        = "requests_per_minute exceeded"
	reasonTokens          = "tokens_per_minute exceeded"
	reasonUnknownProvider = "provider has no rate limits configured"
	reasonStoreFailOpen   = "store unavailable, failing open"
	reasonStoreFailClosed = "store unavailable, failing closed"
)

// Limiter is safe for concurrent use.
type Limiter struct {
	store   store.Store
	cfg     models.RateLimitsConfig
	metrics *telemetry.Metrics
	now     func() time.Time

	unknownWarned sync.Map
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(st store.Store, cfg models.RateLimitsConfig, opts ...Option) *Limiter {
	providers := make(map[string]models.ProviderLimits, len(cfg.Providers))
	for name, limits := range cfg.Providers {
		providers[strings.ToLower(name)] = limits
	}
	cfg.Providers = providers
	if cfg.DefaultRemaining <= 0 {
		cfg.DefaultRemaining = 100
	}

	l := &Limiter{store: st, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type keyBuilder struct {
	user     string
	provider string
	endpoint string
}

func newKeyBuilder(user, provider, endpoint string) keyBuilder {
	if user == "" {
		user = "anonymous"
	}
	if endpoint == "" {
		endpoint = "default"
	}
	return keyBuilder{user: user, provider: strings.ToLower(provider), endpoint: endpoint}
}

func (kb keyBuilder) window() string {
	return windowPrefix + kb.user + ":" + kb.provider + ":" + kb.endpoint
}

func (kb keyBuilder) tokens(bucket time.Time) string {
	return tokensPrefix + kb.user + ":" + kb.provider + ":" + strconv.FormatInt(bucket.Unix()/60, 10)
}

// tokenBucket returns the start of the fixed minute bucket containing now.
func tokenBucket(now time.Time) time.Time {
	return now.Truncate(time.Minute)
}

// CheckRateLimit decides whether one request may proceed. Store failures are
// resolved by the fail_open policy and never returned.
func (l *Limiter) CheckRateLimit(ctx context.Context, userID, provider, endpoint string, estimatedTokens *int) *models.RateLimitResult {
	started := time.Now()
	defer l.metrics.ObserveCheck("rate_limit", started)

	now := l.now()
	kb := newKeyBuilder(userID, provider, endpoint)

	limits, ok := l.cfg.Providers[kb.provider]
	if !ok {
		return l.unknownProvider(kb.provider, now)
	}

	var result *models.RateLimitResult
	if l.cfg.AtomicAdmission {
		result = l.checkAtomic(ctx, kb, limits, now, estimatedTokens)
	} else {
		result = l.checkWindow(ctx, kb, limits, now)
		if result.Allowed {
			l.checkTokens(ctx, kb, limits, now, estimatedTokens, result)
		}
	}

	l.metrics.RecordRateLimitCheck(kb.provider, result.Allowed)
	return result
}

func (l *Limiter) checkWindow(ctx context.Context, kb keyBuilder, limits models.ProviderLimits, now time.Time) *models.RateLimitResult {
	state, err := l.store.WindowCount(ctx, kb.window(), now, window)
	if err != nil {
		return l.storeFailure(kb, limits, now, err)
	}
	return l.windowResult(kb, limits, state, now)
}

func (l *Limiter) checkAtomic(ctx context.Context, kb keyBuilder, limits models.ProviderLimits, now time.Time, estimatedTokens *int) *models.RateLimitResult {
	// Tokens first, so a token denial never commits a window entry.
	probe := &models.RateLimitResult{Allowed: true, Limit: limits.RequestsPerMinute, ResetTime: now.Add(window)}
	l.checkTokens(ctx, kb, limits, now, estimatedTokens, probe)
	if !probe.Allowed {
		return probe
	}

	state, acquired, err := l.store.WindowAcquire(ctx, kb.window(), now, window, limits.RequestsPerMinute)
	if err != nil {
		return l.storeFailure(kb, limits, now, err)
	}
	result := l.windowResult(kb, limits, state, now)
	if acquired {
		// the entry for this request is already in the window
		result.RequestsRemaining = max(0, result.RequestsRemaining-1)
	}
	result.TokensRemaining = probe.TokensRemaining
	return result
}

func (l *Limiter) windowResult(kb keyBuilder, limits models.ProviderLimits, state store.WindowState, now time.Time) *models.RateLimitResult {
	limit := limits.RequestsPerMinute
	reset := now.Add(window)
	if state.Count > 0 {
		reset = state.Oldest.Add(window)
	}

	result := &models.RateLimitResult{
		Allowed:           state.Count < limit,
		Limit:             limit,
		RequestsRemaining: max(0, limit-state.Count),
		ResetTime:         reset,
	}
	if !result.Allowed {
		// an entry stamped exactly now-60s is still in the window
		retry := retryAfter(now, reset.Add(time.Millisecond))
		result.RetryAfter = &retry
		result.Reason = reasonRequests
		l.metrics.RecordRateLimitDenied(kb.provider, "requests")
	}
	return result
}

// checkTokens applies the token ceiling to result in place.
func (l *Limiter) checkTokens(ctx context.Context, kb keyBuilder, limits models.ProviderLimits, now time.Time, estimatedTokens *int, result *models.RateLimitResult) {
	if estimatedTokens == nil || limits.TokensPerMinute == nil {
		return
	}
	ceiling := *limits.TokensPerMinute
	bucket := tokenBucket(now)

	used := 0
	raw, found, err := l.store.Get(ctx, kb.tokens(bucket))
	if err != nil {
		failed := l.storeFailure(kb, limits, now, err)
		result.Allowed = failed.Allowed
		result.RetryAfter = failed.RetryAfter
		result.Reason = failed.Reason
		return
	}
	if found {
		if used, err = strconv.Atoi(raw); err != nil {
			fiberlog.Warnf("[ratelimit] corrupt token counter %s=%q, treating as 0", kb.tokens(bucket), raw)
			used = 0
		}
	}

	remaining := max(0, ceiling-used)
	result.TokensRemaining = &remaining

	if used+*estimatedTokens > ceiling {
		bucketEnd := bucket.Add(time.Minute)
		retry := retryAfter(now, bucketEnd)
		result.Allowed = false
		result.RetryAfter = &retry
		result.Reason = reasonTokens
		if bucketEnd.After(result.ResetTime) {
			result.ResetTime = bucketEnd
		}
		l.metrics.RecordRateLimitDenied(kb.provider, "tokens")
	}
}

func (l *Limiter) unknownProvider(provider string, now time.Time) *models.RateLimitResult {
	if _, warned := l.unknownWarned.LoadOrStore(provider, struct{}{}); !warned {
		fiberlog.Warnf("[ratelimit] provider %q has no rate limits configured (allow_unknown_providers=%t)",
			provider, l.cfg.UnknownProvidersAllowed())
	}

	result := &models.RateLimitResult{
		Allowed:           l.cfg.UnknownProvidersAllowed(),
		Limit:             l.cfg.DefaultRemaining,
		RequestsRemaining: l.cfg.DefaultRemaining,
		ResetTime:         now.Add(window),
	}
	if !result.Allowed {
		retry := int(window.Seconds())
		result.RequestsRemaining = 0
		result.RetryAfter = &retry
		result.Reason = reasonUnknownProvider
	}
	l.metrics.RecordRateLimitCheck(provider, result.Allowed)
	return result
}

func (l *Limiter) storeFailure(kb keyBuilder, limits models.ProviderLimits, now time.Time, err error) *models.RateLimitResult {
	l.metrics.RecordStoreFailure("ratelimit", l.cfg.FailOpen)

	result := &models.RateLimitResult{
		Allowed:           l.cfg.FailOpen,
		Limit:             limits.RequestsPerMinute,
		RequestsRemaining: limits.RequestsPerMinute,
		ResetTime:         now.Add(window),
	}
	if l.cfg.FailOpen {
		fiberlog.Warnf("[ratelimit] %s:%s: %v, allowing request", kb.user, kb.provider, err)
		result.Reason = reasonStoreFailOpen
		return result
	}

	fiberlog.Warnf("[ratelimit] %s:%s: %v, denying request", kb.user, kb.provider, err)
	retry := 1
	result.RequestsRemaining = 0
	result.RetryAfter = &retry
	result.Reason = reasonStoreFailClosed
	return result
}

// RecordRequest commits one request to the sliding window and adds its
// tokens to the current minute bucket. Failures are logged, not returned.
func (l *Limiter) RecordRequest(ctx context.Context, userID, provider, endpoint string, tokensUsed *int) {
	now := l.now()
	kb := newKeyBuilder(userID, provider, endpoint)

	limits, ok := l.cfg.Providers[kb.provider]
	if !ok {
		return
	}

	if !l.cfg.AtomicAdmission {
		if err := l.store.WindowAdd(ctx, kb.window(), now, window); err != nil {
			l.metrics.RecordStoreFailure("ratelimit", l.cfg.FailOpen)
			fiberlog.Warnf("[ratelimit] failed to record request for %s:%s: %v", kb.user, kb.provider, err)
		}
	}

	if tokensUsed == nil || *tokensUsed <= 0 || limits.TokensPerMinute == nil {
		return
	}
	bucket := tokenBucket(now)
	ttl := bucket.Add(time.Minute).Sub(now)
	if _, err := l.store.IncrBy(ctx, kb.tokens(bucket), int64(*tokensUsed), ttl); err != nil {
		l.metrics.RecordStoreFailure("ratelimit", l.cfg.FailOpen)
		fiberlog.Warnf("[ratelimit] failed to record %d tokens for %s:%s: %v", *tokensUsed, kb.user, kb.provider, err)
	}
}

// Limits returns the configured limits for provider.
func (l *Limiter) Limits(provider string) (models.ProviderLimits, bool) {
	limits, ok := l.cfg.Providers[strings.ToLower(provider)]
	return limits, ok
}

// retryAfter is whole seconds until at, never less than 1.
func retryAfter(now, at time.Time) int {
	secs := int(math.Ceil(at.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
