package pkg

import "github.com/Egham-7/adaptive-governor/internal/models"

type (
	ServerConfig     = models.ServerConfig
	StoreConfig      = models.StoreConfig
	DatabaseConfig   = models.DatabaseConfig
	RateLimitsConfig = models.RateLimitsConfig
	ProviderLimits   = models.ProviderLimits
	PricingEntry     = models.PricingEntry
	BudgetConfig     = models.BudgetConfig
	BudgetThresholds = models.BudgetThresholds
	AlertsConfig     = models.AlertsConfig
	SMTPConfig       = models.SMTPConfig
	RoutingStrategy  = models.RoutingStrategy
	Router           = models.Router
	Admission        = models.Admission
	BudgetStatus     = models.BudgetStatus
	RateLimitResult  = models.RateLimitResult
)

const (
	PostgreSQL = models.PostgreSQL
	MySQL      = models.MySQL
	SQLite     = models.SQLite
	ClickHouse = models.ClickHouse

	StrategyQualityOptimized = models.StrategyQualityOptimized
	StrategyLatencyOptimized = models.StrategyLatencyOptimized
	StrategyBalanced         = models.StrategyBalanced
	StrategyCostOptimized    = models.StrategyCostOptimized
)
