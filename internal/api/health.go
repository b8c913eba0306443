package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Pinger is satisfied by store.Store and *database.DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a context-free ping such as (*database.DB).Ping.
type PingFunc func() error

func (f PingFunc) Ping(context.Context) error { return f() }

// HealthHandler handles health check requests
type HealthHandler struct {
	store    Pinger
	database Pinger
}

// NewHealthHandler creates a new health check handler. database may be nil
// when usage persistence is not configured.
func NewHealthHandler(store Pinger, database Pinger) *HealthHandler {
	return &HealthHandler{
		store:    store,
		database: database,
	}
}

// HealthCheck returns the health status of the service and its dependencies
func (h *HealthHandler) HealthCheck(c *fiber.Ctx) error {
	storeStatus := check(h.store)
	databaseStatus := check(h.database)

	overallStatus := "healthy"
	statusCode := fiber.StatusOK

	if storeStatus == "unhealthy" || databaseStatus == "unhealthy" {
		overallStatus = "degraded"
		statusCode = fiber.StatusServiceUnavailable
	}

	response := fiber.Map{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": fiber.Map{
			"store":    storeStatus,
			"database": databaseStatus,
		},
	}

	return c.Status(statusCode).JSON(response)
}

func check(p Pinger) string {
	if p == nil {
		return "not_configured"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		return "unhealthy"
	}

	return "healthy"
}
