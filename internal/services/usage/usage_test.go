package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Egham-7/adaptive-governor/internal/models"
	"github.com/Egham-7/adaptive-governor/internal/services/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// a single connection keeps every query on the same in-memory database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestService(t *testing.T, opts Options) (*Service, *store.MemoryStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}
	st := store.NewMemoryStore(store.WithClock(clock.Now))
	svc := NewService(newTestDB(t), st, newTable(t), opts)
	require.NoError(t, svc.AutoMigrate())
	return svc, st, clock
}

func logCall(t *testing.T, svc *Service, provider, model string, latency int, success bool) *models.UsageRecord {
	t.Helper()
	rec, err := svc.LogAPICall(context.Background(), models.LogAPICallParams{
		Provider:         provider,
		Model:            model,
		Endpoint:         "/v1/chat/completions",
		OperationType:    "lead_qualification",
		PromptTokens:     1000,
		CompletionTokens: 500,
		LatencyMs:        latency,
		UserID:           "user-1",
		Success:          success,
	})
	require.NoError(t, err)
	return rec
}

func TestLogAPICallPersistsOneRecord(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})

	rec := logCall(t, svc, "openai", "gpt-4o", 120, true)
	assert.NotZero(t, rec.ID)
	assert.NotEmpty(t, rec.RequestID)
	assert.Equal(t, 1500, rec.TotalTokens)
	assert.InDelta(t, 0.0075, rec.CostUSD, 1e-12)
	require.NotNil(t, rec.UserID)
	assert.Equal(t, "user-1", *rec.UserID)
	assert.Nil(t, rec.ErrorMessage)

	var count int64
	require.NoError(t, svc.db.Model(&models.UsageRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestLogAPICallInvalidatesRealtimeCache(t *testing.T) {
	svc, st, _ := newTestService(t, Options{})
	ctx := context.Background()

	logCall(t, svc, "openai", "gpt-4o", 100, true)
	before, err := svc.GetRealTimeMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), before.Totals.TotalRequests)

	_, found, err := st.Get(ctx, RealtimeCacheKey)
	require.NoError(t, err)
	require.True(t, found)

	logCall(t, svc, "openai", "gpt-4o", 100, true)
	_, found, err = st.Get(ctx, RealtimeCacheKey)
	require.NoError(t, err)
	assert.False(t, found)

	after, err := svc.GetRealTimeMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), after.Totals.TotalRequests)
}

func TestLogAPICallUnpriced(t *testing.T) {
	lenient, _, _ := newTestService(t, Options{})
	rec, err := lenient.LogAPICall(context.Background(), models.LogAPICallParams{
		Provider: "mystery", Model: "m1", PromptTokens: 10, Success: true,
	})
	require.NoError(t, err)
	assert.Zero(t, rec.CostUSD)

	strict, _, _ := newTestService(t, Options{RejectUnpriced: true})
	rec, err = strict.LogAPICall(context.Background(), models.LogAPICallParams{
		Provider: "mystery", Model: "m1", PromptTokens: 10, Success: true,
	})
	assert.ErrorIs(t, err, models.ErrUnpricedUsage)
	require.NotNil(t, rec)
	assert.NotZero(t, rec.ID)
}

func TestGetRealTimeMetricsGroups(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})

	logCall(t, svc, "openai", "gpt-4o", 100, true)
	logCall(t, svc, "openai", "gpt-4o", 300, false)
	logCall(t, svc, "groq", "llama-3.1-8b-instant", 50, true)

	m, err := svc.GetRealTimeMetrics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(3), m.Totals.TotalRequests)
	assert.Equal(t, int64(1), m.Totals.FailedRequests)
	require.Len(t, m.ByProvider, 2)
	assert.Equal(t, "openai", m.ByProvider[0].Key)
	assert.Equal(t, int64(2), m.ByProvider[0].TotalRequests)
	assert.InDelta(t, 200, m.ByProvider[0].AvgLatencyMs, 1e-9)
	require.Len(t, m.ByOperationType, 1)
	assert.Equal(t, "lead_qualification", m.ByOperationType[0].Key)
}

func TestRealtimeExcludesOlderThanADay(t *testing.T) {
	svc, _, clock := newTestService(t, Options{})

	logCall(t, svc, "openai", "gpt-4o", 100, true)
	clock.Set(clock.Now().Add(25 * time.Hour))
	logCall(t, svc, "openai", "gpt-4o", 100, true)

	m, err := svc.GetRealTimeMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Totals.TotalRequests)
}

func TestGetAggregates(t *testing.T) {
	svc, _, clock := newTestService(t, Options{})
	base := clock.Now()

	logCall(t, svc, "openai", "gpt-4o", 100, true)
	clock.Set(base.Add(10 * time.Minute))
	logCall(t, svc, "openai", "gpt-4o", 200, true)
	clock.Set(base.Add(2 * time.Hour))
	logCall(t, svc, "groq", "llama-3.1-8b-instant", 50, false)

	q := models.UsageQuery{Start: base.Add(-time.Hour), End: base.Add(3 * time.Hour)}
	buckets, err := svc.GetAggregates(context.Background(), q, models.IntervalHour)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, "2025-03-14 12:00:00", buckets[0].Period)
	assert.Equal(t, int64(2), buckets[0].Stats.TotalRequests)
	assert.InDelta(t, 150, buckets[0].Stats.AvgLatencyMs, 1e-9)
	assert.Equal(t, "2025-03-14 14:00:00", buckets[1].Period)
	assert.Equal(t, int64(1), buckets[1].Stats.FailedRequests)

	q.Provider = "groq"
	buckets, err = svc.GetAggregates(context.Background(), q, models.IntervalDay)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, "2025-03-14", buckets[0].Period)

	_, err = svc.GetAggregates(context.Background(), q, "fortnight")
	var appErr *models.AppError
	assert.ErrorAs(t, err, &appErr)
}

func TestGetLatencyPercentiles(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})

	for i := 1; i <= 20; i++ {
		logCall(t, svc, "openai", "gpt-4o", i*10, true)
	}

	p, err := svc.GetLatencyPercentiles(context.Background(), models.UsageQuery{})
	require.NoError(t, err)
	assert.Equal(t, 20, p.Samples)
	assert.Equal(t, 100.0, p.P50)
	assert.Equal(t, 190.0, p.P95)
	assert.Equal(t, 200.0, p.P99)

	empty, err := svc.GetLatencyPercentiles(context.Background(), models.UsageQuery{Provider: "none"})
	require.NoError(t, err)
	assert.Zero(t, empty.Samples)
}

func TestGetSuccessRate(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	rate, err := svc.GetSuccessRate(ctx, models.UsageQuery{})
	require.NoError(t, err)
	assert.Zero(t, rate)

	logCall(t, svc, "openai", "gpt-4o", 100, true)
	logCall(t, svc, "openai", "gpt-4o", 100, true)
	logCall(t, svc, "openai", "gpt-4o", 100, true)
	logCall(t, svc, "openai", "gpt-4o", 100, false)

	rate, err = svc.GetSuccessRate(ctx, models.UsageQuery{})
	require.NoError(t, err)
	assert.InDelta(t, 75.0, rate, 1e-9)
}

func TestTruncateAndFormatPeriod(t *testing.T) {
	ts := time.Date(2025, 3, 14, 15, 42, 31, 0, time.UTC) // a Friday

	assert.Equal(t, "2025-03-14 15:42:00", formatPeriod(truncatePeriod(ts, models.IntervalMinute), models.IntervalMinute))
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), truncatePeriod(ts, models.IntervalWeek))
	assert.Equal(t, "2025-W11", formatPeriod(truncatePeriod(ts, models.IntervalWeek), models.IntervalWeek))
	assert.Equal(t, "2025-03", formatPeriod(truncatePeriod(ts, models.IntervalMonth), models.IntervalMonth))
}
