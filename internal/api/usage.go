package api

import (
	"context"
	"strings"
	"time"

	"github.com/Egham-7/adaptive-governor/internal/models"

	"github.com/gofiber/fiber/v2"
)

// UsageReader is implemented by *usage.Service.
type UsageReader interface {
	GetRealTimeMetrics(ctx context.Context) (*models.RealTimeMetrics, error)
	GetUsageStats(ctx context.Context, q models.UsageQuery) (*models.UsageStats, error)
	GetAggregates(ctx context.Context, q models.UsageQuery, interval models.AggregateInterval) ([]models.UsageByPeriod, error)
	GetLatencyPercentiles(ctx context.Context, q models.UsageQuery) (*models.LatencyPercentiles, error)
	GetSuccessRate(ctx context.Context, q models.UsageQuery) (float64, error)
}

type UsageHandler struct {
	usageService UsageReader
}

func NewUsageHandler(usageService UsageReader) *UsageHandler {
	return &UsageHandler{
		usageService: usageService,
	}
}

func (h *UsageHandler) RegisterRoutes(app *fiber.App, basePath string) {
	group := app.Group(basePath)
	group.Get("/realtime", h.GetRealTime)
	group.Get("/stats", h.GetStats)
	group.Get("/aggregates", h.GetAggregates)
	group.Get("/latency", h.GetLatency)
	group.Get("/success-rate", h.GetSuccessRate)
}

func (h *UsageHandler) GetRealTime(c *fiber.Ctx) error {
	metrics, err := h.usageService.GetRealTimeMetrics(c.UserContext())
	if err != nil {
		return writeError(c, models.NewInternalError("Failed to get realtime metrics", err), nil)
	}
	return c.JSON(metrics)
}

func (h *UsageHandler) GetStats(c *fiber.Ctx) error {
	q, err := parseUsageQuery(c)
	if err != nil {
		return writeError(c, err, nil)
	}

	stats, err := h.usageService.GetUsageStats(c.UserContext(), q)
	if err != nil {
		return writeError(c, models.NewInternalError("Failed to get usage stats", err), nil)
	}
	return c.JSON(stats)
}

func (h *UsageHandler) GetAggregates(c *fiber.Ctx) error {
	q, err := parseUsageQuery(c)
	if err != nil {
		return writeError(c, err, nil)
	}
	interval := models.AggregateInterval(c.Query("interval", string(models.IntervalHour)))

	buckets, err := h.usageService.GetAggregates(c.UserContext(), q, interval)
	if err != nil {
		if isValidation(err) {
			return writeError(c, err, nil)
		}
		return writeError(c, models.NewInternalError("Failed to get usage aggregates", err), nil)
	}
	return c.JSON(buckets)
}

func (h *UsageHandler) GetLatency(c *fiber.Ctx) error {
	q, err := parseUsageQuery(c)
	if err != nil {
		return writeError(c, err, nil)
	}

	percentiles, err := h.usageService.GetLatencyPercentiles(c.UserContext(), q)
	if err != nil {
		return writeError(c, models.NewInternalError("Failed to get latency percentiles", err), nil)
	}
	return c.JSON(percentiles)
}

func (h *UsageHandler) GetSuccessRate(c *fiber.Ctx) error {
	q, err := parseUsageQuery(c)
	if err != nil {
		return writeError(c, err, nil)
	}

	rate, err := h.usageService.GetSuccessRate(c.UserContext(), q)
	if err != nil {
		return writeError(c, models.NewInternalError("Failed to get success rate", err), nil)
	}
	return c.JSON(fiber.Map{"success_rate": rate})
}

// parseUsageQuery reads start, end (RFC3339) and provider from the query string.
func parseUsageQuery(c *fiber.Ctx) (models.UsageQuery, error) {
	q := models.UsageQuery{Provider: strings.ToLower(c.Query("provider"))}

	var err error
	if s := c.Query("start"); s != "" {
		if q.Start, err = time.Parse(time.RFC3339, s); err != nil {
			return q, models.NewValidationError("Invalid start date format", err)
		}
	}
	if s := c.Query("end"); s != "" {
		if q.End, err = time.Parse(time.RFC3339, s); err != nil {
			return q, models.NewValidationError("Invalid end date format", err)
		}
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		return q, models.NewValidationError("end must not be before start", nil)
	}
	return q, nil
}
