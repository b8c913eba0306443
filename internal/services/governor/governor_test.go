package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Egham-7/adaptive-governor/internal/models"
	"github.com/Egham-7/adaptive-governor/internal/services/budget"
	"github.com/Egham-7/adaptive-governor/internal/services/ratelimit"
	"github.com/Egham-7/adaptive-governor/internal/services/store"
	"github.com/Egham-7/adaptive-governor/internal/services/usage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeRouter struct {
	mu       sync.Mutex
	strategy models.RoutingStrategy
	sets     int
}

func (r *fakeRouter) Strategy() models.RoutingStrategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.strategy
}

func (r *fakeRouter) SetStrategy(s models.RoutingStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = s
	r.sets++
}

type harness struct {
	gov       *Governor
	optimizer *budget.CostOptimizer
	db        *gorm.DB
	router    *fakeRouter
}

func newHarness(t *testing.T, dailyLimit float64) *harness {
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
	tracker := usage.NewService(db, st, pricing, usage.Options{Clock: clock})
	require.NoError(t, tracker.AutoMigrate())

	limiter := ratelimit.New(st, models.RateLimitsConfig{
		Providers: map[string]models.ProviderLimits{
			"openai": {RequestsPerMinute: 3},
		},
	}, ratelimit.WithClock(clock))

	optimizer := budget.NewCostOptimizer(st, models.BudgetConfig{
		DailyLimitUSD:   dailyLimit,
		MonthlyLimitUSD: 1000,
	}, budget.Options{Clock: clock})

	router := &fakeRouter{strategy: models.StrategyQualityOptimized}
	return &harness{
		gov:       New(limiter, optimizer, tracker, router),
		optimizer: optimizer,
		db:        db,
		router:    router,
	}
}

// gpt-4o at 1000 prompt and 500 completion tokens costs $0.0075.
func gpt4oReport() models.CompletionReport {
	return models.CompletionReport{
		UserID:           "user-1",
		Provider:         "OpenAI",
		Model:            "gpt-4o",
		Endpoint:         "/v1/chat/completions",
		PromptTokens:     1000,
		CompletionTokens: 500,
		LatencyMs:        240,
		Success:          true,
	}
}

func admitRequest() models.AdmissionRequest {
	return models.AdmissionRequest{UserID: "user-1", Provider: "openai", Model: "gpt-4o", Endpoint: "/v1/chat/completions"}
}

func TestAdmitAndComplete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 50)

	admission, err := h.gov.Admit(ctx, admitRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, admission.RequestID)
	assert.Equal(t, models.StrategyQualityOptimized, admission.Strategy)
	assert.False(t, admission.Downgraded)
	assert.Equal(t, 3, admission.RateLimit.RequestsRemaining)
	assert.Equal(t, models.ThresholdOK, admission.Budget.ThresholdStatus)

	record, err := h.gov.Complete(ctx, gpt4oReport())
	require.NoError(t, err)
	assert.Equal(t, "openai", record.Provider)
	assert.InDelta(t, 0.0075, record.CostUSD, 1e-12)

	status := h.optimizer.ComputeBudgetStatus(ctx, models.PeriodDaily)
	assert.InDelta(t, 0.0075, status.CurrentSpendUSD, 1e-12)

	admission, err = h.gov.Admit(ctx, admitRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, admission.RateLimit.RequestsRemaining)
}

func TestAdmitRateLimited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 50)

	for range 3 {
		_, err := h.gov.Complete(ctx, gpt4oReport())
		require.NoError(t, err)
	}

	admission, err := h.gov.Admit(ctx, admitRequest())
	var rl *models.RateLimitExceededError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "openai", rl.Provider)
	assert.False(t, admission.RateLimit.Allowed)
	assert.Nil(t, admission.Budget)

	appErr := models.SanitizeError(err)
	assert.Equal(t, 429, appErr.StatusCode)
	assert.Equal(t, 61, appErr.RetryAfter)
}

func TestAdmitBudgetBlocked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0.01)

	_, err := h.gov.Complete(ctx, gpt4oReport())
	require.NoError(t, err)
	_, err = h.gov.Admit(ctx, admitRequest())
	require.NoError(t, err, "75% is still admitted")

	_, err = h.gov.Complete(ctx, gpt4oReport())
	require.NoError(t, err)

	admission, err := h.gov.Admit(ctx, admitRequest())
	var blocked *models.BudgetBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, models.ThresholdBlocked, blocked.Status.ThresholdStatus)
	assert.Equal(t, models.StrategyQualityOptimized, admission.Strategy)

	appErr := models.SanitizeError(err)
	assert.Equal(t, 402, appErr.StatusCode)
	assert.Contains(t, appErr.Message, "budget exhausted")
}

func TestAdmitDowngradesRouterStrategy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0.008)

	_, err := h.gov.Complete(ctx, gpt4oReport())
	require.NoError(t, err)

	admission, err := h.gov.Admit(ctx, admitRequest())
	require.NoError(t, err)
	assert.Equal(t, models.ThresholdCritical, admission.Budget.ThresholdStatus)
	assert.True(t, admission.Downgraded)
	assert.Equal(t, models.StrategyBalanced, admission.Strategy)
	assert.Equal(t, models.StrategyBalanced, h.router.Strategy())

	// an explicit request strategy is downgraded without consulting the router
	req := admitRequest()
	req.Strategy = models.StrategyBalanced
	admission, err = h.gov.Admit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyCostOptimized, admission.Strategy)
	assert.Equal(t, 2, h.router.sets)
}

func TestAdmitValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 50)

	for _, req := range []models.AdmissionRequest{
		{Provider: "  "},
		{Provider: "openai", EstimatedTokens: func() *int { v := -1; return &v }()},
		{Provider: "openai", Strategy: "cheapest"},
	} {
		_, err := h.gov.Admit(ctx, req)
		var appErr *models.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, models.ErrorTypeValidation, appErr.Type)
	}
}

func TestCompleteUpdatesSpendWithoutDatabase(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 50)

	sqlDB, err := h.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	record, err := h.gov.Complete(ctx, gpt4oReport())
	assert.Error(t, err)
	assert.Nil(t, record)

	status := h.optimizer.ComputeBudgetStatus(ctx, models.PeriodDaily)
	assert.InDelta(t, 0.0075, status.CurrentSpendUSD, 1e-12)
}

func TestWorkerRecordsThroughGovernor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 50)

	w := usage.NewWorker(h.gov.Record, 2, 8)
	for range 4 {
		w.Submit(gpt4oReport())
	}
	w.Stop()

	status := h.optimizer.ComputeBudgetStatus(ctx, models.PeriodDaily)
	assert.InDelta(t, 0.03, status.CurrentSpendUSD, 1e-9)

	var count int64
	require.NoError(t, h.db.Model(&models.UsageRecord{}).Count(&count).Error)
	assert.Equal(t, int64(4), count)
}
