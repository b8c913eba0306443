package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Egham-7/adaptive-governor/internal/models"
	"github.com/Egham-7/adaptive-governor/internal/services/budget"
	"github.com/Egham-7/adaptive-governor/internal/services/governor"
	"github.com/Egham-7/adaptive-governor/internal/services/ratelimit"
	"github.com/Egham-7/adaptive-governor/internal/services/store"
	"github.com/Egham-7/adaptive-governor/internal/services/usage"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	app     *fiber.App
	db      *gorm.DB
	store   *store.MemoryStore
	worker  *usage.Worker
	tracker *usage.Service
}

type envOptions struct {
	rpm            int
	dailyLimit     float64
	rejectUnpriced bool
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st := store.NewMemoryStore(store.WithClock(clock))

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	pricing, err := usage.NewPricingTable(nil)
	require.NoError(t, err)
	tracker := usage.NewService(db, st, pricing, usage.Options{Clock: clock, RejectUnpriced: opts.rejectUnpriced})
	require.NoError(t, tracker.AutoMigrate())

	limiter := ratelimit.New(st, models.RateLimitsConfig{
		Providers: map[string]models.ProviderLimits{"openai": {RequestsPerMinute: opts.rpm}},
	}, ratelimit.WithClock(clock))
	optimizer := budget.NewCostOptimizer(st, models.BudgetConfig{
		DailyLimitUSD:   opts.dailyLimit,
		MonthlyLimitUSD: 1000,
	}, budget.Options{Clock: clock})
	gov := governor.New(limiter, optimizer, tracker, nil)

	worker := usage.NewWorker(gov.Record, 1, 4)
	t.Cleanup(worker.Stop)

	app := fiber.New()
	NewAdmissionHandler(gov, worker).RegisterRoutes(app, "/v1/admission")
	NewBudgetHandler(optimizer).RegisterRoutes(app, "/v1/budget")
	NewUsageHandler(tracker).RegisterRoutes(app, "/v1/usage")
	app.Get("/health", NewHealthHandler(st, PingFunc(sqlDB.Ping)).HealthCheck)

	return &testEnv{app: app, db: db, store: st, worker: worker, tracker: tracker}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func admissionBody() map[string]any {
	return map[string]any{"user_id": "user-1", "provider": "openai", "model": "gpt-4o", "endpoint": "/v1/chat/completions"}
}

func completionBody() map[string]any {
	return map[string]any{
		"user_id":           "user-1",
		"provider":          "openai",
		"model":             "gpt-4o",
		"endpoint":          "/v1/chat/completions",
		"prompt_tokens":     1000,
		"completion_tokens": 500,
		"latency_ms":        200,
		"success":           true,
	}
}

func TestAdmitAndComplete(t *testing.T) {
	env := newTestEnv(t, envOptions{rpm: 5, dailyLimit: 50})

	resp, body := env.do(t, fiber.MethodPost, "/v1/admission", admissionBody())
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "5", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Empty(t, resp.Header.Get("Retry-After"))
	assert.NotEmpty(t, body["request_id"])
	assert.Equal(t, "OK", body["budget"].(map[string]any)["threshold_status"])

	resp, body = env.do(t, fiber.MethodPost, "/v1/admission/complete", completionBody())
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.InDelta(t, 0.0075, body["cost_usd"], 1e-12)

	resp, _ = env.do(t, fiber.MethodPost, "/v1/admission", admissionBody())
	assert.Equal(t, "4", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestAdmitRateLimited(t *testing.T) {
	env := newTestEnv(t, envOptions{rpm: 1, dailyLimit: 50})

	resp, _ := env.do(t, fiber.MethodPost, "/v1/admission/complete", completionBody())
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	resp, body := env.do(t, fiber.MethodPost, "/v1/admission", admissionBody())
	require.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "61", resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))

	apiErr := body["error"].(map[string]any)
	assert.Equal(t, "rate_limit", apiErr["type"])
	assert.Equal(t, 60.0, apiErr["retry_after"])
	assert.Equal(t, false, body["admission"].(map[string]any)["rate_limit"].(map[string]any)["allowed"])
}

func TestAdmitBudgetBlocked(t *testing.T) {
	env := newTestEnv(t, envOptions{rpm: 10, dailyLimit: 0.005})

	resp, _ := env.do(t, fiber.MethodPost, "/v1/admission/complete", completionBody())
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	resp, body := env.do(t, fiber.MethodPost, "/v1/admission", admissionBody())
	require.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)
	apiErr := body["error"].(map[string]any)
	assert.Equal(t, "budget", apiErr["type"])
	assert.Contains(t, apiErr["message"], "budget exhausted")
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))
}

func TestAdmitValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{rpm: 10, dailyLimit: 50})

	req := httptest.NewRequest(fiber.MethodPost, "/v1/admission", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, body := env.do(t, fiber.MethodPost, "/v1/admission", map[string]any{"model": "gpt-4o"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", body["error"].(map[string]any)["type"])

	resp, _ = env.do(t, fiber.MethodPost, "/v1/admission/complete", map[string]any{"provider": "openai"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	bad := completionBody()
	bad["prompt_tokens"] = -1
	resp, _ = env.do(t, fiber.MethodPost, "/v1/admission/complete", bad)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestCompleteAsync(t *testing.T) {
	env := newTestEnv(t, envOptions{rpm: 10, dailyLimit: 50})

	resp, body := env.do(t, fiber.MethodPost, "/v1/admission/complete?async=true", completionBody())
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["queued"])

	env.worker.Stop()
	var count int64
	require.NoError(t, env.db.Model(&models.UsageRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCompleteUnpriced(t *testing.T) {
	env := newTestEnv(t, envOptions{rpm: 10, dailyLimit: 50, rejectUnpriced: true})

	report := completionBody()
	report["model"] = "model-nobody-prices"
	resp, body := env.do(t, fiber.MethodPost, "/v1/admission/complete", report)
	require.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body["error"], "no pricing entry")
	assert.Equal(t, 0.0, body["record"].(map[string]any)["cost_usd"])
}

func TestBudgetStatus(t *testing.T) {
	env := newTestEnv(t, envOptions{rpm: 10, dailyLimit: 0.01})

	resp, _ := env.do(t, fiber.MethodPost, "/v1/admission/complete", completionBody())
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	resp, body := env.do(t, fiber.MethodGet, "/v1/budget/status?period=daily&user_id=user-1&provider=openai", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "daily", body["period"])
	assert.Equal(t, 75.0, body["utilization_percent"])
	assert.Equal(t, "OK", body["threshold_status"])

	resp, body = env.do(t, fiber.MethodGet, "/v1/budget/status", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "daily", body["period"], "daily is the most utilized")

	resp, _ = env.do(t, fiber.MethodGet, "/v1/budget/status?period=weekly", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestUsageEndpoints(t *testing.T) {
	env := newTestEnv(t, envOptions{rpm: 10, dailyLimit: 50})

	for _, success := range []bool{true, false} {
		report := completionBody()
		report["success"] = success
		resp, _ := env.do(t, fiber.MethodPost, "/v1/admission/complete", report)
		require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}

	resp, body := env.do(t, fiber.MethodGet, "/v1/usage/stats?provider=OpenAI", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.0, body["total_requests"])
	assert.Equal(t, 1.0, body["failed_requests"])

	resp, body = env.do(t, fiber.MethodGet, "/v1/usage/success-rate", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 50.0, body["success_rate"])

	resp, body = env.do(t, fiber.MethodGet, "/v1/usage/latency", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 200.0, body["p99"])
	assert.Equal(t, 2.0, body["samples"])

	resp, body = env.do(t, fiber.MethodGet, "/v1/usage/realtime", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.0, body["totals"].(map[string]any)["total_requests"])

	req := httptest.NewRequest(fiber.MethodGet, "/v1/usage/aggregates?interval=day", nil)
	raw, err := env.app.Test(req, -1)
	require.NoError(t, err)
	defer raw.Body.Close()
	require.Equal(t, fiber.StatusOK, raw.StatusCode)
	var buckets []models.UsageByPeriod
	require.NoError(t, json.NewDecoder(raw.Body).Decode(&buckets))
	require.Len(t, buckets, 1)
	assert.Equal(t, "2025-03-14", buckets[0].Period)
	assert.Equal(t, int64(2), buckets[0].Stats.TotalRequests)
}

func TestUsageQueryValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{rpm: 10, dailyLimit: 50})

	for _, path := range []string{
		"/v1/usage/aggregates?interval=fortnight",
		"/v1/usage/stats?start=yesterday",
		"/v1/usage/latency?end=2025-13-01T00:00:00Z",
		"/v1/usage/success-rate?start=2025-03-14T00:00:00Z&end=2025-03-13T00:00:00Z",
	} {
		resp, body := env.do(t, fiber.MethodGet, path, nil)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, path)
		assert.Equal(t, "validation", body["error"].(map[string]any)["type"], path)
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, envOptions{rpm: 10, dailyLimit: 50})

	resp, body := env.do(t, fiber.MethodGet, "/health", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, map[string]any{"store": "healthy", "database": "healthy"}, body["checks"])

	app := fiber.New()
	app.Get("/health", NewHealthHandler(failingPinger{}, nil).HealthCheck)
	req := httptest.NewRequest(fiber.MethodGet, "/health", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	var degraded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&degraded))
	assert.Equal(t, "degraded", degraded["status"])
	assert.Equal(t, map[string]any{"store": "unhealthy", "database": "not_configured"}, degraded["checks"])
}
