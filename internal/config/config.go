package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/Egham-7/adaptive-governor/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultOpTimeoutMs          = 100
	defaultStatusCacheTTL       = 5
	defaultRealtimeCacheTTL     = 300
	defaultUnknownRemaining     = 100
	defaultAlertCooldownSeconds = 3600
	defaultAlertMaxAttempts     = 3
	defaultAlertBaseDelayMs     = 1000
	defaultAlertMaxDelayMs      = 10000
	defaultAlertTimeoutMs       = 5000
)

// Config represents the complete application configuration
type Config struct {
	Server     models.ServerConfig     `yaml:"server"`
	Store      models.StoreConfig      `yaml:"store"`
	Database   *models.DatabaseConfig  `yaml:"database,omitempty"`
	RateLimits models.RateLimitsConfig `yaml:"rate_limits"`
	Pricing    models.PricingConfig    `yaml:"pricing"`
	Budget     models.BudgetConfig     `yaml:"budget"`
	Alerts     models.AlertsConfig     `yaml:"alerts"`
	Usage      models.UsageConfig      `yaml:"usage"`
}

// LoadFromFile loads configuration from a YAML file with environment variable substitution
func LoadFromFile(configPath string) (*Config, error) {
	// Validate and clean the file path to prevent directory traversal
	cleanPath := filepath.Clean(configPath)

	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid config path: path traversal not allowed")
	}

	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("invalid config file: only .yaml and .yml files are allowed")
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 - path is validated above
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	return Parse(data)
}

// Parse builds a Config from YAML bytes, applying env substitution, env
// overrides and defaults in that order.
func Parse(data []byte) (*Config, error) {
	content := substituteEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(content), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Normalize provider map keys to lowercase for case-insensitive lookups
	if config.RateLimits.Providers != nil {
		normalized := make(map[string]models.ProviderLimits, len(config.RateLimits.Providers))
		for key, value := range config.RateLimits.Providers {
			normalized[strings.ToLower(key)] = value
		}
		config.RateLimits.Providers = normalized
	}
	for i := range config.Pricing.Entries {
		config.Pricing.Entries[i].Provider = strings.ToLower(config.Pricing.Entries[i].Provider)
	}

	if err := config.applyEnvOverrides(); err != nil {
		return nil, err
	}
	config.ApplyDefaults()

	return &config, nil
}

// LoadEnvFiles loads environment variables from .env files in order of precedence
// Loads files in the order provided (first has highest priority)
func LoadEnvFiles(envFiles []string) {
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err == nil {
				fmt.Printf("Loaded environment variables from %s\n", envFile)
			}
		}
	}
}

// New creates a new Config instance by loading from the specified config file path
func New(configPath string) (*Config, error) {
	return LoadFromFile(configPath)
}

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} patterns with environment variables
func substituteEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::(-[^}]*))?\}`)

	return re.ReplaceAllStringFunc(content, func(match string) string {
		submatches := re.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		defaultValue := ""

		if len(submatches) > 2 && submatches[2] != "" {
			defaultValue = strings.TrimPrefix(submatches[2], "-")
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}

		return defaultValue
	})
}

// applyEnvOverrides lets the budget environment variables win over the file.
func (c *Config) applyEnvOverrides() error {
	floats := []struct {
		name   string
		target *float64
	}{
		{"DAILY_BUDGET_USD", &c.Budget.DailyLimitUSD},
		{"MONTHLY_BUDGET_USD", &c.Budget.MonthlyLimitUSD},
		{"COST_WARNING_THRESHOLD", &c.Budget.Thresholds.Warning},
		{"COST_DOWNGRADE_THRESHOLD", &c.Budget.Thresholds.Downgrade},
		{"COST_BLOCK_THRESHOLD", &c.Budget.Thresholds.Block},
	}
	for _, f := range floats {
		raw := strings.TrimSpace(os.Getenv(f.name))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", f.name, raw, err)
		}
		*f.target = v
	}

	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		c.Alerts.WebhookURL = v
	}
	if v := os.Getenv("ALERT_EMAIL"); v != "" {
		c.Alerts.Email = v
	}
	return nil
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Environment == "" {
		c.Server.Environment = "development"
	}
	if c.Server.RequestTimeoutMs <= 0 {
		c.Server.RequestTimeoutMs = 30000
	}
	if c.Store.Backend == "" {
		c.Store.Backend = models.StoreBackendMemory
	}
	if c.Store.Mode == "" {
		c.Store.Mode = models.RedisModeStandalone
	}
	if c.Store.OpTimeoutMs <= 0 {
		c.Store.OpTimeoutMs = defaultOpTimeoutMs
	}
	if c.RateLimits.DefaultRemaining <= 0 {
		c.RateLimits.DefaultRemaining = defaultUnknownRemaining
	}

	defaults := models.DefaultBudgetThresholds()
	if c.Budget.Thresholds.Warning <= 0 {
		c.Budget.Thresholds.Warning = defaults.Warning
	}
	if c.Budget.Thresholds.Downgrade <= 0 {
		c.Budget.Thresholds.Downgrade = defaults.Downgrade
	}
	if c.Budget.Thresholds.Block <= 0 {
		c.Budget.Thresholds.Block = defaults.Block
	}
	if c.Budget.StatusCacheTTLSeconds <= 0 {
		c.Budget.StatusCacheTTLSeconds = defaultStatusCacheTTL
	}

	if c.Alerts.CooldownSeconds <= 0 {
		c.Alerts.CooldownSeconds = defaultAlertCooldownSeconds
	}
	if c.Alerts.MaxAttempts <= 0 {
		c.Alerts.MaxAttempts = defaultAlertMaxAttempts
	}
	if c.Alerts.BaseDelayMs <= 0 {
		c.Alerts.BaseDelayMs = defaultAlertBaseDelayMs
	}
	if c.Alerts.MaxDelayMs <= 0 {
		c.Alerts.MaxDelayMs = defaultAlertMaxDelayMs
	}
	if c.Alerts.RequestTimeoutMs <= 0 {
		c.Alerts.RequestTimeoutMs = defaultAlertTimeoutMs
	}
	if c.Alerts.SMTP.Port == 0 {
		c.Alerts.SMTP.Port = 587
	}

	if c.Usage.RealtimeCacheTTLSeconds <= 0 {
		c.Usage.RealtimeCacheTTLSeconds = defaultRealtimeCacheTTL
	}
	if c.Usage.WorkerBufferSize <= 0 {
		c.Usage.WorkerBufferSize = 1000
	}
	if c.Usage.WorkerCount <= 0 {
		c.Usage.WorkerCount = 4
	}
}

// GetProviderLimits returns the rate limits for a provider, case-insensitively.
func (c *Config) GetProviderLimits(provider string) (models.ProviderLimits, bool) {
	limits, ok := c.RateLimits.Providers[strings.ToLower(provider)]
	return limits, ok
}

// GetNormalizedLogLevel returns the log level in lowercase for consistent comparison
func (c *Config) GetNormalizedLogLevel() string {
	return strings.ToLower(c.Server.LogLevel)
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate checks if all required configuration values are set
func (c *Config) Validate() error {
	var missing []string
	var invalid []string

	if c.Server.Port == "" {
		missing = append(missing, "server.port")
	}
	if c.Server.AllowedOrigins == "" {
		missing = append(missing, "server.allowed_origins")
	}

	switch c.Store.Backend {
	case models.StoreBackendRedis:
		if c.Store.RedisURL == "" && len(c.Store.Addrs) == 0 {
			missing = append(missing, "store.redis_url")
		}
		if c.Store.Mode == models.RedisModeSentinel && c.Store.MasterName == "" {
			missing = append(missing, "store.master_name")
		}
	case models.StoreBackendMemory:
	default:
		invalid = append(invalid, fmt.Sprintf("store.backend %q", c.Store.Backend))
	}

	for name, limits := range c.RateLimits.Providers {
		if limits.RequestsPerMinute <= 0 {
			invalid = append(invalid, fmt.Sprintf("rate_limits.providers.%s.requests_per_minute", name))
		}
		if limits.TokensPerMinute != nil && *limits.TokensPerMinute <= 0 {
			invalid = append(invalid, fmt.Sprintf("rate_limits.providers.%s.tokens_per_minute", name))
		}
	}

	for i, entry := range c.Pricing.Entries {
		switch entry.Mode {
		case models.PricingPerRequest, models.PricingPerMillionTokens, models.PricingFree:
		default:
			invalid = append(invalid, fmt.Sprintf("pricing.entries[%d].mode %q", i, entry.Mode))
		}
		if entry.Provider == "" || entry.Model == "" {
			missing = append(missing, fmt.Sprintf("pricing.entries[%d].provider/model", i))
		}
	}

	th := c.Budget.Thresholds
	if !(th.Warning < th.Downgrade && th.Downgrade < th.Block) {
		invalid = append(invalid, "budget.thresholds must satisfy warning < downgrade < block")
	}
	if c.Budget.DailyLimitUSD < 0 || c.Budget.MonthlyLimitUSD < 0 {
		invalid = append(invalid, "budget limits must not be negative")
	}

	if c.Alerts.Email != "" && c.Alerts.SMTP.Host == "" {
		fiberlog.Warnf("alerts.email is set but alerts.smtp.host is empty; email alerts are disabled")
	}

	if c.Database != nil && c.Database.Type == "" {
		missing = append(missing, "database.type")
	}

	if len(missing) > 0 || len(invalid) > 0 {
		return &ValidationError{MissingFields: missing, InvalidFields: invalid}
	}

	return nil
}

// ValidationError represents configuration validation errors
type ValidationError struct {
	MissingFields []string
	InvalidFields []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.MissingFields) > 0 {
		parts = append(parts, "missing required configuration fields: "+strings.Join(e.MissingFields, ", "))
	}
	if len(e.InvalidFields) > 0 {
		parts = append(parts, "invalid configuration fields: "+strings.Join(e.InvalidFields, ", "))
	}
	return strings.Join(parts, "; ")
}
