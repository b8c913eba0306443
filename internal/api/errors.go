package api

import (
	"errors"
	"strconv"

	"github.com/Egham-7/adaptive-governor/internal/models"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// writeError renders err through the public error taxonomy. Internal causes
// are logged and never sent to the client.
func writeError(c *fiber.Ctx, err error, extra fiber.Map) error {
	appErr := models.SanitizeError(err)
	if appErr.Type == models.ErrorTypeInternal {
		fiberlog.Errorf("[api] %s %s: %v", c.Method(), c.Path(), err)
	}
	if appErr.RetryAfter > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(appErr.RetryAfter))
	}

	body := fiber.Map{"error": appErr}
	for k, v := range extra {
		body[k] = v
	}
	return c.Status(appErr.GetStatusCode()).JSON(body)
}

func badRequest(c *fiber.Ctx, message string) error {
	return writeError(c, models.NewValidationError(message, nil), nil)
}

func isValidation(err error) bool {
	var appErr *models.AppError
	return errors.As(err, &appErr) && appErr.Type == models.ErrorTypeValidation
}
