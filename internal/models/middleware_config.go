package models

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// HTTPLimiterConfig configures fiber's per-client limiter on the governor's own API.
// It is unrelated to the provider rate limits enforced by admission.
type HTTPLimiterConfig struct {
	Max        int
	Expiration time.Duration
	KeyFunc    func(*fiber.Ctx) string
}

type TimeoutConfig struct {
	Timeout time.Duration
}
