package models

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeValidation represents validation errors (4xx)
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents resource not found errors (404)
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeRateLimit represents rate limiting errors (429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeBudget represents budget exhaustion (402)
	ErrorTypeBudget ErrorType = "budget"
	// ErrorTypeTimeout represents timeout errors (504)
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents internal server errors (500)
	ErrorTypeInternal ErrorType = "internal"
)

var (
	// ErrStoreUnavailable wraps every shared store failure (timeout or connection).
	// It is resolved by the fail-open/fail-closed policy and never reaches end callers.
	ErrStoreUnavailable = errors.New("shared store unavailable")

	// ErrUnpricedUsage is returned alongside a zero cost when pricing.reject_unpriced is set.
	ErrUnpricedUsage = errors.New("no pricing entry for provider/model")

	// ErrAlertDeliveryFailed marks a channel that exhausted its retries.
	ErrAlertDeliveryFailed = errors.New("alert delivery failed")
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitzero"`
	StatusCode int       `json:"-"`
	Retryable  bool      `json:"retryable"`
	RetryAfter int       `json:"retry_after,omitzero"`
	Cause      error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap allows error unwrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetStatusCode returns the HTTP status code for the error
func (e *AppError) GetStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeBudget:
		return http.StatusPaymentRequired
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewValidationError creates a validation error
func NewValidationError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Cause:      cause,
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// RateLimitExceededError is the admission rejection produced by the rate limiter.
type RateLimitExceededError struct {
	Provider string
	Result   *RateLimitResult
}

func (e *RateLimitExceededError) Error() string {
	retry := 0
	if e.Result != nil && e.Result.RetryAfter != nil {
		retry = *e.Result.RetryAfter
	}
	return fmt.Sprintf("rate limit exceeded for provider %s, retry in %ds", e.Provider, retry)
}

// AppError converts the rejection into the HTTP-facing error shape.
func (e *RateLimitExceededError) AppError() *AppError {
	retry := 1
	if e.Result != nil && e.Result.RetryAfter != nil {
		retry = *e.Result.RetryAfter
	}
	return &AppError{
		Type:       ErrorTypeRateLimit,
		Message:    "rate limit exceeded, try again in " + strconv.Itoa(retry) + " seconds",
		Code:       "RATE_LIMIT_EXCEEDED",
		StatusCode: http.StatusTooManyRequests,
		Retryable:  true,
		RetryAfter: retry,
	}
}

// BudgetBlockedError is the admission rejection produced at or above the block threshold.
type BudgetBlockedError struct {
	Status *BudgetStatus
}

func (e *BudgetBlockedError) Error() string {
	if e.Status == nil {
		return "budget exhausted"
	}
	return fmt.Sprintf("%s budget exhausted: %.2f%% of $%.2f used",
		e.Status.Period, e.Status.UtilizationPercent, e.Status.BudgetLimitUSD)
}

// AppError converts the rejection into the HTTP-facing error shape.
func (e *BudgetBlockedError) AppError() *AppError {
	return &AppError{
		Type:       ErrorTypeBudget,
		Message:    "budget exhausted, contact an administrator",
		Code:       "BUDGET_BLOCKED",
		StatusCode: http.StatusPaymentRequired,
	}
}

// SanitizeError sanitizes an error for external consumption
func SanitizeError(err error) *AppError {
	var rl *RateLimitExceededError
	if errors.As(err, &rl) {
		return rl.AppError()
	}
	var bb *BudgetBlockedError
	if errors.As(err, &bb) {
		return bb.AppError()
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		// Return a copy without internal details
		return &AppError{
			Type:       appErr.Type,
			Message:    appErr.Message,
			Code:       appErr.Code,
			StatusCode: appErr.GetStatusCode(),
			Retryable:  appErr.Retryable,
			RetryAfter: appErr.RetryAfter,
		}
	}

	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    "internal server error",
		StatusCode: http.StatusInternalServerError,
	}
}
