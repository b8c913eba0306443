package api

import (
	"context"
	"errors"

	"github.com/Egham-7/adaptive-governor/internal/models"

	"github.com/gofiber/fiber/v2"
)

// Admitter is implemented by *governor.Governor.
type Admitter interface {
	Admit(ctx context.Context, req models.AdmissionRequest) (*models.Admission, error)
	Complete(ctx context.Context, report models.CompletionReport) (*models.UsageRecord, error)
}

// ReportQueue is implemented by *usage.Worker.
type ReportQueue interface {
	Submit(report models.CompletionReport)
}

type AdmissionHandler struct {
	governor Admitter
	queue    ReportQueue
}

// NewAdmissionHandler creates the admission endpoints. queue may be nil, in
// which case every completion is recorded synchronously.
func NewAdmissionHandler(governor Admitter, queue ReportQueue) *AdmissionHandler {
	return &AdmissionHandler{
		governor: governor,
		queue:    queue,
	}
}

func (h *AdmissionHandler) RegisterRoutes(app *fiber.App, basePath string) {
	group := app.Group(basePath)
	group.Post("/", h.Admit)
	group.Post("/complete", h.Complete)
}

// Admit answers whether one outbound call may proceed. The rate-limit
// headers are set on every response that got as far as the limiter.
func (h *AdmissionHandler) Admit(c *fiber.Ctx) error {
	var req models.AdmissionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	admission, err := h.governor.Admit(c.UserContext(), req)
	if admission != nil && admission.RateLimit != nil {
		for k, v := range admission.RateLimit.Headers() {
			c.Set(k, v)
		}
	}
	if err != nil {
		if admission != nil {
			return writeError(c, err, fiber.Map{"admission": admission})
		}
		return writeError(c, err, nil)
	}

	return c.JSON(admission)
}

// Complete records a finished call. With ?async=true the report is queued
// and 202 is returned immediately.
func (h *AdmissionHandler) Complete(c *fiber.Ctx) error {
	var report models.CompletionReport
	if err := c.BodyParser(&report); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if report.Provider == "" || report.Model == "" {
		return badRequest(c, "provider and model are required")
	}
	if report.PromptTokens < 0 || report.CompletionTokens < 0 || report.LatencyMs < 0 {
		return badRequest(c, "token counts and latency must not be negative")
	}

	if h.queue != nil && c.QueryBool("async") {
		h.queue.Submit(report)
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"queued": true})
	}

	record, err := h.governor.Complete(c.UserContext(), report)
	if errors.Is(err, models.ErrUnpricedUsage) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":  err.Error(),
			"record": record,
		})
	}
	if err != nil {
		return writeError(c, models.NewInternalError("failed to record usage", err), nil)
	}

	return c.Status(fiber.StatusCreated).JSON(record)
}
