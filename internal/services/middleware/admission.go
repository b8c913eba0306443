package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/Egham-7/adaptive-governor/internal/models"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Request headers read by AdmissionControl.
const (
	HeaderUserID          = "X-User-ID"
	HeaderProvider        = "X-Provider"
	HeaderModel           = "X-Model"
	HeaderRoutingStrategy = "X-Routing-Strategy"
	HeaderEstimatedTokens = "X-Estimated-Tokens"
)

// Locals written for, and read back from, the gated handler.
const (
	LocalAdmission     = "admission"
	LocalStrategy      = "routing_strategy"
	LocalRequestID     = "request_id"
	LocalModel         = "model"
	LocalTokensInput   = "tokens_input"
	LocalTokensOutput  = "tokens_output"
	LocalCacheHit      = "cache_hit"
	LocalOperationType = "operation_type"
	LocalErrorMessage  = "error_message"
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

type AdmissionControl struct {
	governor Admitter
	queue    ReportQueue
}

// NewAdmissionControl gates proxied LLM routes. Without a queue completions
// are recorded before the response is returned.
func NewAdmissionControl(governor Admitter, queue ReportQueue) *AdmissionControl {
	return &AdmissionControl{
		governor: governor,
		queue:    queue,
	}
}

// Handler admits the request, runs the next handler with the chosen strategy
// in Locals, and reports the completed call.
func (m *AdmissionControl) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		req := models.AdmissionRequest{
			UserID:   c.Get(HeaderUserID),
			Provider: c.Get(HeaderProvider),
			Model:    c.Get(HeaderModel),
			Endpoint: c.Path(),
			Strategy: models.RoutingStrategy(c.Get(HeaderRoutingStrategy)),
		}
		if raw := c.Get(HeaderEstimatedTokens); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return reject(c, models.NewValidationError("invalid "+HeaderEstimatedTokens+" header", err))
			}
			req.EstimatedTokens = &n
		}

		admission, err := m.governor.Admit(c.UserContext(), req)
		if admission != nil && admission.RateLimit != nil {
			for k, v := range admission.RateLimit.Headers() {
				c.Set(k, v)
			}
		}
		if err != nil {
			return reject(c, err)
		}

		c.Locals(LocalAdmission, admission)
		c.Locals(LocalStrategy, admission.Strategy)
		c.Locals(LocalRequestID, admission.RequestID)

		start := time.Now()
		err = c.Next()

		report := m.buildReport(c, req, admission.RequestID, start, err)
		if m.queue != nil {
			m.queue.Submit(report)
		} else if _, recErr := m.governor.Complete(c.UserContext(), report); recErr != nil {
			fiberlog.Errorf("[%s] failed to record completion: %v", admission.RequestID, recErr)
		}

		return err
	}
}

func (m *AdmissionControl) buildReport(c *fiber.Ctx, req models.AdmissionRequest, requestID string, start time.Time, err error) models.CompletionReport {
	report := models.CompletionReport{
		RequestID: requestID,
		UserID:    req.UserID,
		Provider:  req.Provider,
		Model:     req.Model,
		Endpoint:  req.Endpoint,
		LatencyMs: int(time.Since(start).Milliseconds()),
		Success:   err == nil && c.Response().StatusCode() < fiber.StatusBadRequest,
	}

	if model, ok := c.Locals(LocalModel).(string); ok && model != "" {
		report.Model = model
	}
	if tokensInput, ok := c.Locals(LocalTokensInput).(int); ok {
		report.PromptTokens = tokensInput
	}
	if tokensOutput, ok := c.Locals(LocalTokensOutput).(int); ok {
		report.CompletionTokens = tokensOutput
	}
	if cacheHit, ok := c.Locals(LocalCacheHit).(bool); ok {
		report.CacheHit = cacheHit
	}
	if operationType, ok := c.Locals(LocalOperationType).(string); ok {
		report.OperationType = operationType
	}
	if errorMsg, ok := c.Locals(LocalErrorMessage).(string); ok {
		report.ErrorMessage = errorMsg
	} else if err != nil {
		report.ErrorMessage = err.Error()
	}
	return report
}

func reject(c *fiber.Ctx, err error) error {
	appErr := models.SanitizeError(err)
	if appErr.RetryAfter > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(appErr.RetryAfter))
	}
	return c.Status(appErr.GetStatusCode()).JSON(fiber.Map{"error": appErr})
}
