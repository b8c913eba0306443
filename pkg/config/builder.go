// Package config provides fluent configuration builders and the server
// entry point for AdaptiveGovernor.
package config

import (
	"strings"
	"time"

	"github.com/Egham-7/adaptive-governor/internal/config"
	"github.com/Egham-7/adaptive-governor/internal/models"

	"github.com/gofiber/fiber/v2"
)

// GatedRoute is an application route served behind admission control.
type GatedRoute struct {
	Method  string
	Path    string
	Handler fiber.Handler
}

// Builder provides a fluent interface for building governor configurations.
type Builder struct {
	cfg               *config.Config
	middlewares       []fiber.Handler
	httpLimiterConfig *models.HTTPLimiterConfig
	timeoutConfig     *models.TimeoutConfig
	router            models.Router
	gatedRoutes       []GatedRoute
}

// New creates a new configuration builder with minimal defaults.
func New() *Builder {
	return &Builder{
		cfg: &config.Config{
			Server: models.ServerConfig{
				Port:           "8080",
				AllowedOrigins: "*",
				Environment:    "development",
				LogLevel:       "info",
			},
			Store: models.StoreConfig{
				Backend: models.StoreBackendMemory,
			},
			RateLimits: models.RateLimitsConfig{
				Providers: make(map[string]models.ProviderLimits),
			},
			Budget: models.BudgetConfig{
				Thresholds: models.DefaultBudgetThresholds(),
			},
		},
		middlewares: []fiber.Handler{},
	}
}

// Server configuration

// Port sets the server port.
func (b *Builder) Port(port string) *Builder {
	b.cfg.Server.Port = port
	return b
}

// AllowedOrigins sets CORS allowed origins.
func (b *Builder) AllowedOrigins(origins string) *Builder {
	b.cfg.Server.AllowedOrigins = origins
	return b
}

// Environment sets the environment (development/production).
func (b *Builder) Environment(env string) *Builder {
	b.cfg.Server.Environment = env
	return b
}

// LogLevel sets the logging level (trace, debug, info, warn, error, fatal).
func (b *Builder) LogLevel(level string) *Builder {
	b.cfg.Server.LogLevel = level
	return b
}

// Store configuration

// WithRedis shares counters through a standalone Redis at url.
func (b *Builder) WithRedis(url string) *Builder {
	b.cfg.Store.Backend = models.StoreBackendRedis
	b.cfg.Store.Mode = models.RedisModeStandalone
	b.cfg.Store.RedisURL = url
	return b
}

// WithStore replaces the whole store configuration.
func (b *Builder) WithStore(cfg models.StoreConfig) *Builder {
	b.cfg.Store = cfg
	return b
}

// WithDatabase configures where usage records are persisted.
func (b *Builder) WithDatabase(cfg models.DatabaseConfig) *Builder {
	b.cfg.Database = &cfg
	return b
}

// Rate limits

// AddProviderLimit sets the per-minute ceilings for one provider. A tpm of 0
// leaves the provider without a token ceiling.
func (b *Builder) AddProviderLimit(provider string, rpm, tpm int) *Builder {
	limits := models.ProviderLimits{RequestsPerMinute: rpm}
	if tpm > 0 {
		limits.TokensPerMinute = &tpm
	}
	b.cfg.RateLimits.Providers[strings.ToLower(provider)] = limits
	return b
}

// RateLimitFailOpen admits requests when the store is unreachable.
func (b *Builder) RateLimitFailOpen(failOpen bool) *Builder {
	b.cfg.RateLimits.FailOpen = failOpen
	return b
}

// AtomicAdmission fuses the window check and record into one store step.
func (b *Builder) AtomicAdmission(enabled bool) *Builder {
	b.cfg.RateLimits.AtomicAdmission = enabled
	return b
}

// Budget configuration

// WithBudget sets the daily and monthly limits in USD. Zero is unlimited.
func (b *Builder) WithBudget(dailyUSD, monthlyUSD float64) *Builder {
	b.cfg.Budget.DailyLimitUSD = dailyUSD
	b.cfg.Budget.MonthlyLimitUSD = monthlyUSD
	return b
}

// WithThresholds sets the warning, downgrade and block ratios.
func (b *Builder) WithThresholds(warning, downgrade, block float64) *Builder {
	b.cfg.Budget.Thresholds = models.BudgetThresholds{Warning: warning, Downgrade: downgrade, Block: block}
	return b
}

// BudgetFailOpen treats an unreadable spend counter as zero spend.
func (b *Builder) BudgetFailOpen(failOpen bool) *Builder {
	b.cfg.Budget.FailOpen = failOpen
	return b
}

// AddPricing extends or overrides the built-in pricing table.
func (b *Builder) AddPricing(entries ...models.PricingEntry) *Builder {
	b.cfg.Pricing.Entries = append(b.cfg.Pricing.Entries, entries...)
	return b
}

// Alerts configuration

// WithAlertWebhook posts alerts to url, signed when signingSecret is set.
func (b *Builder) WithAlertWebhook(url, signingSecret string) *Builder {
	b.cfg.Alerts.WebhookURL = url
	b.cfg.Alerts.SigningSecret = signingSecret
	return b
}

// WithAlertEmail mails alerts to the given address through smtp.
func (b *Builder) WithAlertEmail(to string, smtp models.SMTPConfig) *Builder {
	b.cfg.Alerts.Email = to
	b.cfg.Alerts.SMTP = smtp
	return b
}

// Routing

// WithRouter lets admissions read and downgrade the live routing strategy.
func (b *Builder) WithRouter(router models.Router) *Builder {
	b.router = router
	return b
}

// GateRoute serves handler at method and path behind admission control.
func (b *Builder) GateRoute(method, path string, handler fiber.Handler) *Builder {
	b.gatedRoutes = append(b.gatedRoutes, GatedRoute{Method: method, Path: path, Handler: handler})
	return b
}

// Middleware configuration

// WithHTTPLimiter limits callers of the governor API itself.
func (b *Builder) WithHTTPLimiter(max int, expiration time.Duration, keyFunc ...func(*fiber.Ctx) string) *Builder {
	cfg := &models.HTTPLimiterConfig{
		Max:        max,
		Expiration: expiration,
	}
	if len(keyFunc) > 0 {
		cfg.KeyFunc = keyFunc[0]
	}
	b.httpLimiterConfig = cfg
	return b
}

// WithTimeout configures request timeout middleware.
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	b.timeoutConfig = &models.TimeoutConfig{
		Timeout: timeout,
	}
	return b
}

// WithMiddleware adds a custom middleware.
func (b *Builder) WithMiddleware(middleware fiber.Handler) *Builder {
	b.middlewares = append(b.middlewares, middleware)
	return b
}

// GetMiddlewares returns all configured middlewares.
func (b *Builder) GetMiddlewares() []fiber.Handler {
	return b.middlewares
}

// GetHTTPLimiterConfig returns the API rate limiter configuration.
func (b *Builder) GetHTTPLimiterConfig() *models.HTTPLimiterConfig {
	return b.httpLimiterConfig
}

// GetTimeoutConfig returns the timeout configuration.
func (b *Builder) GetTimeoutConfig() *models.TimeoutConfig {
	return b.timeoutConfig
}

// GetRouter returns the routing strategy owner, or nil.
func (b *Builder) GetRouter() models.Router {
	return b.router
}

// GetGatedRoutes returns the routes served behind admission control.
func (b *Builder) GetGatedRoutes() []GatedRoute {
	return b.gatedRoutes
}

// Build returns the constructed configuration.
func (b *Builder) Build() *config.Config {
	return b.cfg
}

// FromYAML creates a Builder from a YAML configuration file.
// The envFiles parameter specifies which .env files to load before parsing the YAML config.
// Files are loaded in order (first has highest priority).
// Example: builder, err := config.FromYAML("config.yaml", []string{".env.local", ".env"})
func FromYAML(path string, envFiles []string) (*Builder, error) {
	if len(envFiles) > 0 {
		config.LoadEnvFiles(envFiles)
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	if cfg.RateLimits.Providers == nil {
		cfg.RateLimits.Providers = make(map[string]models.ProviderLimits)
	}
	return &Builder{
		cfg:         cfg,
		middlewares: []fiber.Handler{},
	}, nil
}
