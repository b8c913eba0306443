// Package budget tracks spend against daily and monthly limits, classifies
// utilization into a threshold cascade and raises deduplicated alerts.
package budget

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/Egham-7/adaptive-governor/internal/models"
	"github.com/Egham-7/adaptive-governor/internal/services/store"
	"github.com/Egham-7/adaptive-governor/internal/services/telemetry"
	"github.com/Egham-7/adaptive-governor/internal/utils/cachedaggregate"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

const (
	spendPrefix    = "budget:spend:"
	statusPrefix   = "budget:status:"
	cooldownPrefix = "budget:alert_cooldown:"

	defaultStatusTTL  = 5 * time.Second
	defaultCooldown   = time.Hour
	conflictHold      = time.Minute
	alertSendTimeout  = 60 * time.Second
	globalScope       = "global"
	allProvidersScope = "all"
)

// AlertSender delivers budget alerts. *Dispatcher implements it.
type AlertSender interface {
	Send(ctx context.Context, alertType models.AlertType, status models.BudgetStatus, strategy *models.RoutingStrategy, channels []models.AlertChannel) error
}

// Options configures a CostOptimizer.
type Options struct {
	Alerts   AlertSender
	Cooldown time.Duration
	Metrics  *telemetry.Metrics
	Clock    func() time.Time
}

// CostOptimizer owns the spend counters and the enforcement cascade. The
// routing strategy is passed in and handed back; it is never stored here.
type CostOptimizer struct {
	store       store.Store
	cfg         models.BudgetConfig
	statusCache *cachedaggregate.Cache[models.BudgetStatus]
	alerts      AlertSender
	cooldown    time.Duration
	metrics     *telemetry.Metrics
	now         func() time.Time

	inflight sync.WaitGroup
	// cooldown key -> time until which it is known to be held
	heldCooldowns sync.Map
}

func NewCostOptimizer(st store.Store, cfg models.BudgetConfig, opts Options) *CostOptimizer {
	if cfg.Thresholds == (models.BudgetThresholds{}) {
		cfg.Thresholds = models.DefaultBudgetThresholds()
	}
	ttl := defaultStatusTTL
	if cfg.StatusCacheTTLSeconds > 0 {
		ttl = time.Duration(cfg.StatusCacheTTLSeconds) * time.Second
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	return &CostOptimizer{
		store:       st,
		cfg:         cfg,
		statusCache: cachedaggregate.New[models.BudgetStatus](st, ttl),
		alerts:      opts.Alerts,
		cooldown:    cooldown,
		metrics:     opts.Metrics,
		now:         now,
	}
}

func spendKey(period models.Period, t time.Time) string {
	return spendPrefix + string(period) + ":" + period.Key(t)
}

func statusKey(period models.Period, userID, provider string) string {
	if userID == "" {
		userID = globalScope
	}
	if provider == "" {
		provider = allProvidersScope
	}
	return statusPrefix + string(period) + ":" + userID + ":" + provider
}

func cooldownKey(alertType models.AlertType, status models.ThresholdStatus) string {
	return cooldownPrefix + string(alertType) + ":" + string(status)
}

// CheckBudgetStatus returns the status for period, served from a short-lived
// cache. Spend counters are global; userID and provider only scope the cache
// entry. An unreadable counter is resolved by the fail_open policy.
func (o *CostOptimizer) CheckBudgetStatus(ctx context.Context, userID, provider string, period models.Period) (*models.BudgetStatus, error) {
	if !period.Valid() {
		return nil, models.NewValidationError(fmt.Sprintf("unknown budget period %q", period), nil)
	}
	started := time.Now()
	defer o.metrics.ObserveCheck("budget_status", started)

	status, err := o.statusCache.GetOrCompute(ctx, statusKey(period, userID, provider), func(ctx context.Context) (models.BudgetStatus, error) {
		spend, err := o.readSpend(ctx, period)
		if err != nil {
			return models.BudgetStatus{}, err
		}
		return o.classify(spend, period), nil
	})
	if err != nil {
		degraded := o.storeFailureStatus(period, err)
		return &degraded, nil
	}
	return &status, nil
}

// ComputeBudgetStatus reads the counter directly, bypassing the status cache.
func (o *CostOptimizer) ComputeBudgetStatus(ctx context.Context, period models.Period) models.BudgetStatus {
	spend, err := o.readSpend(ctx, period)
	if err != nil {
		return o.storeFailureStatus(period, err)
	}
	return o.classify(spend, period)
}

// CheckAllPeriods returns the most severe of the daily and monthly statuses.
// On equal severity the higher utilization wins.
func (o *CostOptimizer) CheckAllPeriods(ctx context.Context, userID, provider string) (*models.BudgetStatus, error) {
	var worst *models.BudgetStatus
	for _, period := range []models.Period{models.PeriodDaily, models.PeriodMonthly} {
		status, err := o.CheckBudgetStatus(ctx, userID, provider, period)
		if err != nil {
			return nil, err
		}
		if worst == nil || moreSevere(status, worst) {
			worst = status
		}
	}
	return worst, nil
}

func moreSevere(a, b *models.BudgetStatus) bool {
	if a.ThresholdStatus.Severity() != b.ThresholdStatus.Severity() {
		return a.ThresholdStatus.Severity() > b.ThresholdStatus.Severity()
	}
	return a.UtilizationPercent > b.UtilizationPercent
}

func (o *CostOptimizer) readSpend(ctx context.Context, period models.Period) (float64, error) {
	key := spendKey(period, o.now())
	raw, found, err := o.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	spend, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		fiberlog.Errorf("[budget] corrupt spend counter %s=%q, treating as 0", key, raw)
		return 0, nil
	}
	return spend, nil
}

func (o *CostOptimizer) storeFailureStatus(period models.Period, err error) models.BudgetStatus {
	o.metrics.RecordStoreFailure("budget", o.cfg.FailOpen)
	if o.cfg.FailOpen {
		fiberlog.Warnf("[budget] %s spend unreadable, treating as 0: %v", period, err)
		return o.classify(0, period)
	}

	fiberlog.Warnf("[budget] %s spend unreadable, blocking: %v", period, err)
	return models.BudgetStatus{
		BudgetLimitUSD:    o.cfg.Limit(period),
		ThresholdStatus:   models.ThresholdBlocked,
		RecommendedAction: models.ActionBlocked,
		Period:            period,
	}
}

// classify maps spend against the period limit onto the threshold cascade.
// A limit of zero or less is unlimited.
func (o *CostOptimizer) classify(spend float64, period models.Period) models.BudgetStatus {
	limit := o.cfg.Limit(period)
	status := models.BudgetStatus{
		CurrentSpendUSD:   spend,
		BudgetLimitUSD:    limit,
		ThresholdStatus:   models.ThresholdOK,
		RecommendedAction: models.ActionWithinRange,
		Period:            period,
	}
	if limit <= 0 {
		return status
	}

	ratio := spend / limit
	status.UtilizationPercent = math.Round(ratio*10000) / 100
	o.metrics.SetBudgetUtilization(string(period), ratio)

	t := o.cfg.Thresholds
	switch {
	case ratio >= t.Block:
		status.ThresholdStatus = models.ThresholdBlocked
		status.RecommendedAction = models.ActionBlocked
	case ratio >= t.Downgrade:
		status.ThresholdStatus = models.ThresholdCritical
		status.RecommendedAction = models.ActionDowngrade
	case ratio >= t.Warning:
		status.ThresholdStatus = models.ThresholdWarning
		status.RecommendedAction = models.ActionConsider
	}
	return status
}

// EnforceBudget decides admission and the strategy to continue with. It never
// raises a strategy back up; recovery after a period rolls over belongs to
// the router. Alerts are sent in the background and never affect the result.
func (o *CostOptimizer) EnforceBudget(current models.RoutingStrategy, status *models.BudgetStatus) (models.RoutingStrategy, bool) {
	if status == nil {
		return current, true
	}

	next, allowed := current, true
	switch status.ThresholdStatus {
	case models.ThresholdBlocked:
		allowed = false
		o.dispatchAlert(models.AlertBlocked, *status, current)
	case models.ThresholdCritical:
		next = current.Downgrade()
		if next != current {
			fiberlog.Infof("[budget] %s utilization %.1f%%, downgrading %s -> %s",
				status.Period, status.UtilizationPercent, current, next)
			o.metrics.RecordDowngrade(string(current), string(next))
			o.dispatchAlert(models.AlertCritical, *status, next)
		}
	case models.ThresholdWarning:
		o.dispatchAlert(models.AlertWarning, *status, current)
	}

	o.metrics.RecordBudgetDecision(string(status.ThresholdStatus), allowed)
	return next, allowed
}

// UpdateSpend adds costUSD to the daily and monthly counters and then drops
// every cached status. Counter writes are atomic increments only.
func (o *CostOptimizer) UpdateSpend(ctx context.Context, costUSD float64, userID, provider string) error {
	if costUSD <= 0 {
		return nil
	}

	now := o.now()
	var firstErr error
	for _, period := range []models.Period{models.PeriodDaily, models.PeriodMonthly} {
		if _, err := o.store.IncrByFloat(ctx, spendKey(period, now), costUSD, period.CounterTTL()); err != nil {
			o.metrics.RecordStoreFailure("budget", o.cfg.FailOpen)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to add $%.8f to %s spend: %w", costUSD, period, err)
			}
		}
	}
	o.metrics.AddSpend(provider, costUSD)

	if n := o.statusCache.InvalidatePrefix(ctx, statusPrefix); n > 0 {
		fiberlog.Debugf("[budget] spend +$%.6f (user=%s provider=%s), dropped %d cached statuses", costUSD, userID, provider, n)
	}
	return firstErr
}

func (o *CostOptimizer) dispatchAlert(alertType models.AlertType, status models.BudgetStatus, strategy models.RoutingStrategy) {
	if o.alerts == nil {
		return
	}
	if o.cooldownHeld(cooldownKey(alertType, status.ThresholdStatus)) {
		return
	}
	var strategyRef *models.RoutingStrategy
	if strategy != "" {
		strategyRef = &strategy
	}

	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), alertSendTimeout)
		defer cancel()
		o.SendAlertIfNeeded(ctx, alertType, status, strategyRef)
	}()
}

// SendAlertIfNeeded sends at most one alert per (type, status) per cooldown.
// The cooldown is claimed before sending and kept whether or not delivery
// succeeds. If the cooldown cannot be claimed the alert is skipped, so a
// store outage cannot turn every admission into a delivery. Keys already
// seen held are remembered locally, so a held cooldown costs no store call.
func (o *CostOptimizer) SendAlertIfNeeded(ctx context.Context, alertType models.AlertType, status models.BudgetStatus, strategy *models.RoutingStrategy) bool {
	key := cooldownKey(alertType, status.ThresholdStatus)
	if o.cooldownHeld(key) {
		return false
	}

	now := o.now()
	claimed, err := o.store.SetNX(ctx, key, now.UTC().Format(time.RFC3339), o.cooldown)
	if err != nil {
		fiberlog.Warnf("[budget] cooldown %s unavailable, skipping %s alert: %v", key, alertType, err)
		return false
	}
	if !claimed {
		// held by another instance for an unknown remainder
		o.heldCooldowns.Store(key, now.Add(min(o.cooldown, conflictHold)))
		return false
	}
	o.heldCooldowns.Store(key, now.Add(o.cooldown))

	if err := o.SendAlert(ctx, alertType, status, strategy, nil); err != nil {
		fiberlog.Errorf("[budget] %s alert for %s budget not delivered: %v", alertType, status.Period, err)
	}
	return true
}

func (o *CostOptimizer) cooldownHeld(key string) bool {
	v, ok := o.heldCooldowns.Load(key)
	if !ok {
		return false
	}
	if o.now().Before(v.(time.Time)) {
		return true
	}
	o.heldCooldowns.CompareAndDelete(key, v)
	return false
}

// SendAlert delivers an alert immediately, without cooldown. Empty channels
// means every configured channel.
func (o *CostOptimizer) SendAlert(ctx context.Context, alertType models.AlertType, status models.BudgetStatus, strategy *models.RoutingStrategy, channels []models.AlertChannel) error {
	if o.alerts == nil {
		return nil
	}
	return o.alerts.Send(ctx, alertType, status, strategy, channels)
}

// Wait blocks until background alert deliveries have finished.
func (o *CostOptimizer) Wait() {
	o.inflight.Wait()
}
