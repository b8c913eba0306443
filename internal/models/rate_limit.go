package models

import (
	"strconv"
	"time"
)

// ProviderLimits holds the per-provider admission ceilings.
// A nil TokensPerMinute means the provider has no token ceiling.
type ProviderLimits struct {
	RequestsPerMinute int  `yaml:"requests_per_minute" json:"requests_per_minute"`
	TokensPerMinute   *int `yaml:"tokens_per_minute,omitempty" json:"tokens_per_minute,omitzero"`
}

// RateLimitsConfig configures the sliding-window rate limiter.
type RateLimitsConfig struct {
	Providers map[string]ProviderLimits `yaml:"providers" json:"providers"`

	// FailOpen allows requests when the shared store times out or errors.
	FailOpen bool `yaml:"fail_open" json:"fail_open"`

	// AllowUnknownProviders admits providers missing from Providers with
	// DefaultRemaining instead of denying them.
	AllowUnknownProviders *bool `yaml:"allow_unknown_providers,omitempty" json:"allow_unknown_providers,omitzero"`
	DefaultRemaining      int   `yaml:"default_remaining,omitempty" json:"default_remaining,omitzero"`

	// AtomicAdmission fuses check and record into one store script. This makes
	// the request ceiling exact at the cost of committing the window entry at
	// check time.
	AtomicAdmission bool `yaml:"atomic_admission" json:"atomic_admission"`
}

// UnknownProvidersAllowed defaults to true when unset.
func (c RateLimitsConfig) UnknownProvidersAllowed() bool {
	if c.AllowUnknownProviders == nil {
		return true
	}
	return *c.AllowUnknownProviders
}

// RateLimitResult is the outcome of a rate-limit check.
type RateLimitResult struct {
	Allowed           bool      `json:"allowed"`
	Limit             int       `json:"limit"`
	RequestsRemaining int       `json:"requests_remaining"`
	TokensRemaining   *int      `json:"tokens_remaining"`
	ResetTime         time.Time `json:"reset_time"`
	RetryAfter        *int      `json:"retry_after,omitempty"`
	Reason            string    `json:"reason,omitempty"`
}

// Headers renders the result as HTTP response headers for the gated call.
func (r *RateLimitResult) Headers() map[string]string {
	headers := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.RequestsRemaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetTime.Unix(), 10),
	}
	if !r.Allowed {
		retry := 1
		if r.RetryAfter != nil && *r.RetryAfter > 1 {
			retry = *r.RetryAfter
		}
		headers["Retry-After"] = strconv.Itoa(retry)
	}
	return headers
}
