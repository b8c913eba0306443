package usage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Egham-7/adaptive-governor/internal/models"
	"github.com/Egham-7/adaptive-governor/internal/services/store"
	"github.com/Egham-7/adaptive-governor/internal/services/telemetry"
	"github.com/Egham-7/adaptive-governor/internal/utils/cachedaggregate"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RealtimeCacheKey holds the 24h dashboard view.
const RealtimeCacheKey = "usage:realtime:last24h"

const realtimeWindow = 24 * time.Hour

// Options configures a Service.
type Options struct {
	RejectUnpriced   bool
	RealtimeCacheTTL time.Duration
	Metrics          *telemetry.Metrics
	Clock            func() time.Time
}

// Service computes per-call cost, persists usage records and serves
// read-side aggregates over them.
type Service struct {
	db       *gorm.DB
	pricing  *PricingTable
	realtime *cachedaggregate.Cache[models.RealTimeMetrics]
	metrics  *telemetry.Metrics
	now      func() time.Time

	rejectUnpriced bool
}

func NewService(db *gorm.DB, st store.Store, pricing *PricingTable, opts Options) *Service {
	ttl := opts.RealtimeCacheTTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		db:             db,
		pricing:        pricing,
		realtime:       cachedaggregate.New[models.RealTimeMetrics](st, ttl),
		metrics:        opts.Metrics,
		now:            now,
		rejectUnpriced: opts.RejectUnpriced,
	}
}

func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(&models.UsageRecord{})
}

// CalculateCost prices a call. With reject_unpriced set, an unpriced call
// returns the zero breakdown together with models.ErrUnpricedUsage.
func (s *Service) CalculateCost(provider, model string, promptTokens, completionTokens int) (models.CostBreakdown, error) {
	cost := s.pricing.CalculateCost(provider, model, promptTokens, completionTokens)
	if !cost.Priced {
		s.metrics.RecordUnpriced(provider)
		if s.rejectUnpriced {
			return cost, fmt.Errorf("%w: %s/%s", models.ErrUnpricedUsage, provider, model)
		}
	}
	return cost, nil
}

// LogAPICall persists exactly one record for the call and then invalidates
// the realtime cache. Only the insert can fail the call. An unpriced call is
// still persisted at zero cost; the ErrUnpricedUsage error is returned
// alongside the record when rejection is configured.
func (s *Service) LogAPICall(ctx context.Context, params models.LogAPICallParams) (*models.UsageRecord, error) {
	cost, costErr := s.CalculateCost(params.Provider, params.Model, params.PromptTokens, params.CompletionTokens)

	record := models.UsageRecord{
		RequestID:        params.RequestID,
		Provider:         params.Provider,
		Model:            params.Model,
		Endpoint:         params.Endpoint,
		OperationType:    params.OperationType,
		PromptTokens:     params.PromptTokens,
		CompletionTokens: params.CompletionTokens,
		TotalTokens:      params.PromptTokens + params.CompletionTokens,
		CostUSD:          cost.Total,
		InputCostUSD:     cost.InputCost,
		OutputCostUSD:    cost.OutputCost,
		LatencyMs:        params.LatencyMs,
		CacheHit:         params.CacheHit,
		Success:          params.Success,
		Metadata:         params.Metadata,
		CreatedAt:        s.now().UTC(),
	}
	if record.RequestID == "" {
		record.RequestID = uuid.NewString()
	}
	if params.UserID != "" {
		userID := params.UserID
		record.UserID = &userID
	}
	if params.ErrorMessage != "" {
		msg := params.ErrorMessage
		record.ErrorMessage = &msg
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}
	s.metrics.RecordUsage(record.Provider, record.Success)

	s.realtime.Invalidate(ctx, RealtimeCacheKey)

	return &record, costErr
}

// GetRealTimeMetrics returns the cached 24h view, recomputing on miss.
func (s *Service) GetRealTimeMetrics(ctx context.Context) (*models.RealTimeMetrics, error) {
	m, err := s.realtime.GetOrCompute(ctx, RealtimeCacheKey, s.computeRealTime)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RefreshRealTimeMetrics recomputes the 24h view and rewrites the cache.
func (s *Service) RefreshRealTimeMetrics(ctx context.Context) (*models.RealTimeMetrics, error) {
	m, err := s.realtime.Refresh(ctx, RealtimeCacheKey, s.computeRealTime)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Service) computeRealTime(ctx context.Context) (models.RealTimeMetrics, error) {
	end := s.now().UTC()
	start := end.Add(-realtimeWindow)
	q := models.UsageQuery{Start: start, End: end}

	totals, err := s.GetUsageStats(ctx, q)
	if err != nil {
		return models.RealTimeMetrics{}, err
	}
	byProvider, err := s.groupStats(ctx, q, "provider")
	if err != nil {
		return models.RealTimeMetrics{}, err
	}
	byOperation, err := s.groupStats(ctx, q, "operation_type")
	if err != nil {
		return models.RealTimeMetrics{}, err
	}

	return models.RealTimeMetrics{
		WindowStart:     start,
		WindowEnd:       end,
		Totals:          *totals,
		ByProvider:      byProvider,
		ByOperationType: byOperation,
		GeneratedAt:     end,
	}, nil
}

func (s *Service) scoped(ctx context.Context, q models.UsageQuery) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.UsageRecord{})
	if !q.Start.IsZero() {
		query = query.Where("created_at >= ?", q.Start.UTC())
	}
	if !q.End.IsZero() {
		query = query.Where("created_at <= ?", q.End.UTC())
	}
	if q.Provider != "" {
		query = query.Where("provider = ?", q.Provider)
	}
	return query
}

var statsColumns = []string{
	"COUNT(*) as total_requests",
	"COALESCE(SUM(cost_usd), 0) as total_cost",
	"COALESCE(SUM(total_tokens), 0) as total_tokens",
	"COUNT(CASE WHEN success THEN 1 END) as success_requests",
	"COUNT(CASE WHEN NOT success THEN 1 END) as failed_requests",
	"COALESCE(AVG(latency_ms), 0) as avg_latency_ms",
	"COUNT(CASE WHEN cache_hit THEN 1 END) as cache_hits",
}

// GetUsageStats summarizes records matching q.
func (s *Service) GetUsageStats(ctx context.Context, q models.UsageQuery) (*models.UsageStats, error) {
	var stats models.UsageStats
	if err := s.scoped(ctx, q).Select(statsColumns).Scan(&stats).Error; err != nil {
		return nil, fmt.Errorf("failed to get usage stats: %w", err)
	}
	return &stats, nil
}

func (s *Service) groupStats(ctx context.Context, q models.UsageQuery, column string) ([]models.GroupStats, error) {
	cols := append([]string{column + " as group_key"}, statsColumns...)

	var groups []models.GroupStats
	err := s.scoped(ctx, q).
		Select(cols).
		Group(column).
		Order("total_cost DESC").
		Scan(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("failed to group usage by %s: %w", column, err)
	}
	return groups, nil
}

// GetAggregates buckets records by interval, ascending by bucket start.
func (s *Service) GetAggregates(ctx context.Context, q models.UsageQuery, interval models.AggregateInterval) ([]models.UsageByPeriod, error) {
	if !interval.Valid() {
		return nil, models.NewValidationError(fmt.Sprintf("unsupported interval %q", interval), nil)
	}

	var records []models.UsageRecord
	err := s.scoped(ctx, q).
		Select("created_at", "cost_usd", "total_tokens", "success", "latency_ms", "cache_hit").
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	type bucket struct {
		start        time.Time
		stats        models.UsageStats
		latencyTotal int64
	}
	buckets := make(map[string]*bucket)
	for _, record := range records {
		start := truncatePeriod(record.CreatedAt.UTC(), interval)
		key := formatPeriod(start, interval)

		b := buckets[key]
		if b == nil {
			b = &bucket{start: start}
			buckets[key] = b
		}
		b.stats.TotalRequests++
		b.stats.TotalCost += record.CostUSD
		b.stats.TotalTokens += int64(record.TotalTokens)
		if record.Success {
			b.stats.SuccessRequests++
		} else {
			b.stats.FailedRequests++
		}
		if record.CacheHit {
			b.stats.CacheHits++
		}
		b.latencyTotal += int64(record.LatencyMs)
	}

	results := make([]models.UsageByPeriod, 0, len(buckets))
	for key, b := range buckets {
		b.stats.AvgLatencyMs = float64(b.latencyTotal) / float64(b.stats.TotalRequests)
		results = append(results, models.UsageByPeriod{
			Period:      key,
			PeriodStart: b.start,
			Stats:       b.stats,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].PeriodStart.Before(results[j].PeriodStart)
	})

	return results, nil
}

// GetLatencyPercentiles returns nearest-rank p50/p95/p99 over matching records.
func (s *Service) GetLatencyPercentiles(ctx context.Context, q models.UsageQuery) (*models.LatencyPercentiles, error) {
	var latencies []int
	if err := s.scoped(ctx, q).Pluck("latency_ms", &latencies).Error; err != nil {
		return nil, fmt.Errorf("failed to get latencies: %w", err)
	}
	if len(latencies) == 0 {
		return &models.LatencyPercentiles{}, nil
	}
	sort.Ints(latencies)

	return &models.LatencyPercentiles{
		P50:     nearestRank(latencies, 50),
		P95:     nearestRank(latencies, 95),
		P99:     nearestRank(latencies, 99),
		Samples: len(latencies),
	}, nil
}

// GetSuccessRate returns the percentage of successful calls, 0 with no records.
func (s *Service) GetSuccessRate(ctx context.Context, q models.UsageQuery) (float64, error) {
	stats, err := s.GetUsageStats(ctx, q)
	if err != nil {
		return 0, err
	}
	if stats.TotalRequests == 0 {
		return 0, nil
	}
	return float64(stats.SuccessRequests) / float64(stats.TotalRequests) * 100, nil
}

// nearestRank expects sorted input.
func nearestRank(sorted []int, percentile float64) float64 {
	rank := int(math.Ceil(percentile * float64(len(sorted)) / 100))
	if rank < 1 {
		rank = 1
	}
	return float64(sorted[rank-1])
}

func truncatePeriod(t time.Time, interval models.AggregateInterval) time.Time {
	switch interval {
	case models.IntervalMinute:
		return t.Truncate(time.Minute)
	case models.IntervalHour:
		return t.Truncate(time.Hour)
	case models.IntervalWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// ISO weeks start on Monday
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case models.IntervalMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func formatPeriod(t time.Time, interval models.AggregateInterval) string {
	switch interval {
	case models.IntervalMinute:
		return t.Format("2006-01-02 15:04:00")
	case models.IntervalHour:
		return t.Format("2006-01-02 15:00:00")
	case models.IntervalWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case models.IntervalMonth:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}
