package api

import (
	"context"

	"github.com/Egham-7/adaptive-governor/internal/models"

	"github.com/gofiber/fiber/v2"
)

// BudgetReader is implemented by *budget.CostOptimizer.
type BudgetReader interface {
	CheckBudgetStatus(ctx context.Context, userID, provider string, period models.Period) (*models.BudgetStatus, error)
	CheckAllPeriods(ctx context.Context, userID, provider string) (*models.BudgetStatus, error)
}

type BudgetHandler struct {
	budget BudgetReader
}

func NewBudgetHandler(budget BudgetReader) *BudgetHandler {
	return &BudgetHandler{budget: budget}
}

func (h *BudgetHandler) RegisterRoutes(app *fiber.App, basePath string) {
	group := app.Group(basePath)
	group.Get("/status", h.GetStatus)
}

// GetStatus returns the status for ?period=daily|monthly, or the most severe
// of both when period is omitted.
func (h *BudgetHandler) GetStatus(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	provider := c.Query("provider")

	var (
		status *models.BudgetStatus
		err    error
	)
	if period := c.Query("period"); period != "" {
		status, err = h.budget.CheckBudgetStatus(c.UserContext(), userID, provider, models.Period(period))
	} else {
		status, err = h.budget.CheckAllPeriods(c.UserContext(), userID, provider)
	}
	if err != nil {
		return writeError(c, err, nil)
	}

	return c.JSON(status)
}
