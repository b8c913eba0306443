// Package governor runs the admission sequence for one outbound LLM call:
// rate limit, then budget, then after the call usage, spend and window
// bookkeeping.
package governor

import (
	"context"
	"errors"
	"strings"

	"github.com/Egham-7/adaptive-governor/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

// RateLimiter is implemented by *ratelimit.Limiter.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, userID, provider, endpoint string, estimatedTokens *int) *models.RateLimitResult
	RecordRequest(ctx context.Context, userID, provider, endpoint string, tokensUsed *int)
}

// CostOptimizer is implemented by *budget.CostOptimizer.
type CostOptimizer interface {
	CheckAllPeriods(ctx context.Context, userID, provider string) (*models.BudgetStatus, error)
	EnforceBudget(current models.RoutingStrategy, status *models.BudgetStatus) (models.RoutingStrategy, bool)
	UpdateSpend(ctx context.Context, costUSD float64, userID, provider string) error
}

// UsageTracker is implemented by *usage.Service.
type UsageTracker interface {
	CalculateCost(provider, model string, promptTokens, completionTokens int) (models.CostBreakdown, error)
	LogAPICall(ctx context.Context, params models.LogAPICallParams) (*models.UsageRecord, error)
}

type Governor struct {
	limiter   RateLimiter
	optimizer CostOptimizer
	usage     UsageTracker
	router    models.Router
}

// New wires the three components. router may be nil, in which case the
// strategy comes only from the request and downgrades are not written back.
func New(limiter RateLimiter, optimizer CostOptimizer, usage UsageTracker, router models.Router) *Governor {
	return &Governor{
		limiter:   limiter,
		optimizer: optimizer,
		usage:     usage,
		router:    router,
	}
}

// Admit decides whether a call may proceed. Rejections are returned as
// *models.RateLimitExceededError or *models.BudgetBlockedError together
// with the partial admission that explains them.
func (g *Governor) Admit(ctx context.Context, req models.AdmissionRequest) (*models.Admission, error) {
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	if req.Provider == "" {
		return nil, models.NewValidationError("provider is required", nil)
	}
	if req.EstimatedTokens != nil && *req.EstimatedTokens < 0 {
		return nil, models.NewValidationError("estimated_tokens must not be negative", nil)
	}
	if req.Strategy != "" && !req.Strategy.Valid() {
		return nil, models.NewValidationError("unknown routing strategy "+string(req.Strategy), nil)
	}

	admission := &models.Admission{RequestID: uuid.NewString()}

	admission.RateLimit = g.limiter.CheckRateLimit(ctx, req.UserID, req.Provider, req.Endpoint, req.EstimatedTokens)
	if !admission.RateLimit.Allowed {
		return admission, &models.RateLimitExceededError{Provider: req.Provider, Result: admission.RateLimit}
	}

	status, err := g.optimizer.CheckAllPeriods(ctx, req.UserID, req.Provider)
	if err != nil {
		return nil, err
	}
	admission.Budget = status

	current := req.Strategy
	if current == "" && g.router != nil {
		current = g.router.Strategy()
	}

	next, allowed := g.optimizer.EnforceBudget(current, status)
	admission.Strategy = next
	if !allowed {
		return admission, &models.BudgetBlockedError{Status: status}
	}

	if next != current {
		admission.Downgraded = true
		if g.router != nil {
			g.router.SetStrategy(next)
		}
	}
	return admission, nil
}

// Complete records a finished call. Only a failed usage insert or a
// rejected unpriced call is returned; store failures are logged.
func (g *Governor) Complete(ctx context.Context, report models.CompletionReport) (*models.UsageRecord, error) {
	report.Provider = strings.ToLower(strings.TrimSpace(report.Provider))

	record, err := g.usage.LogAPICall(ctx, report.LogParams())
	if err != nil && !errors.Is(err, models.ErrUnpricedUsage) {
		fiberlog.Errorf("[governor] usage for %s/%s not persisted: %v", report.Provider, report.Model, err)
	}

	costUSD := 0.0
	if record != nil {
		costUSD = record.CostUSD
	} else {
		// the spend counter must not depend on the usage database
		cost, _ := g.usage.CalculateCost(report.Provider, report.Model, report.PromptTokens, report.CompletionTokens)
		costUSD = cost.Total
	}

	if spendErr := g.optimizer.UpdateSpend(ctx, costUSD, report.UserID, report.Provider); spendErr != nil {
		fiberlog.Warnf("[governor] spend update for %s: %v", report.Provider, spendErr)
	}

	tokens := report.PromptTokens + report.CompletionTokens
	g.limiter.RecordRequest(ctx, report.UserID, report.Provider, report.Endpoint, &tokens)

	return record, err
}

// Record adapts Complete to usage.RecordFunc for the background worker.
func (g *Governor) Record(ctx context.Context, report models.CompletionReport) error {
	_, err := g.Complete(ctx, report)
	return err
}
