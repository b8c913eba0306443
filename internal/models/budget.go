package models

import "time"

// Period is the budget accounting period.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	return p == PeriodDaily || p == PeriodMonthly
}

// Key returns the counter suffix for the period containing t (UTC).
func (p Period) Key(t time.Time) string {
	t = t.UTC()
	if p == PeriodMonthly {
		return t.Format("2006-01")
	}
	return t.Format("2006-01-02")
}

// CounterTTL is how long a closed period's counter is retained for historical queries.
func (p Period) CounterTTL() time.Duration {
	if p == PeriodMonthly {
		return 90 * 24 * time.Hour
	}
	return 7 * 24 * time.Hour
}

// ThresholdStatus classifies budget utilization.
type ThresholdStatus string

const (
	ThresholdOK       ThresholdStatus = "OK"
	ThresholdWarning  ThresholdStatus = "WARNING"
	ThresholdCritical ThresholdStatus = "CRITICAL"
	ThresholdBlocked  ThresholdStatus = "BLOCKED"
)

// Severity orders statuses so the most severe of several can be selected.
func (s ThresholdStatus) Severity() int {
	switch s {
	case ThresholdWarning:
		return 1
	case ThresholdCritical:
		return 2
	case ThresholdBlocked:
		return 3
	default:
		return 0
	}
}

// Recommended actions per threshold status.
const (
	ActionWithinRange = "within normal range"
	ActionConsider    = "consider switching to a cheaper strategy"
	ActionDowngrade   = "auto-downgrading routing strategy"
	ActionBlocked     = "all requests blocked until reset"
)

// BudgetStatus is derived from a spend counter and a static limit. It is
// cached briefly and never persisted.
type BudgetStatus struct {
	CurrentSpendUSD    float64         `json:"current_spend_usd"`
	BudgetLimitUSD     float64         `json:"budget_limit_usd"`
	UtilizationPercent float64         `json:"utilization_percent"`
	ThresholdStatus    ThresholdStatus `json:"threshold_status"`
	RecommendedAction  string          `json:"recommended_action"`
	Period             Period          `json:"period"`
}

// Utilization returns the spend ratio (1.0 == 100%).
func (s *BudgetStatus) Utilization() float64 {
	return s.UtilizationPercent / 100
}

// BudgetThresholds are utilization ratios, not percentages.
type BudgetThresholds struct {
	Warning   float64 `yaml:"warning" json:"warning"`
	Downgrade float64 `yaml:"downgrade" json:"downgrade"`
	Block     float64 `yaml:"block" json:"block"`
}

// DefaultBudgetThresholds returns the 80/90/100 cascade.
func DefaultBudgetThresholds() BudgetThresholds {
	return BudgetThresholds{Warning: 0.80, Downgrade: 0.90, Block: 1.00}
}

// BudgetConfig holds spend limits and enforcement policy.
type BudgetConfig struct {
	DailyLimitUSD   float64          `yaml:"daily_limit_usd" json:"daily_limit_usd"`
	MonthlyLimitUSD float64          `yaml:"monthly_limit_usd" json:"monthly_limit_usd"`
	Thresholds      BudgetThresholds `yaml:"thresholds" json:"thresholds"`

	// StatusCacheTTLSeconds defaults to 5.
	StatusCacheTTLSeconds int `yaml:"status_cache_ttl_seconds,omitempty" json:"status_cache_ttl_seconds,omitzero"`

	// FailOpen treats an unreadable spend counter as zero spend. When false the
	// status is reported BLOCKED.
	FailOpen bool `yaml:"fail_open" json:"fail_open"`
}

// Limit returns the configured limit for a period.
func (c BudgetConfig) Limit(p Period) float64 {
	if p == PeriodMonthly {
		return c.MonthlyLimitUSD
	}
	return c.DailyLimitUSD
}

// AlertType names the cascade step that produced an alert.
type AlertType string

const (
	AlertWarning  AlertType = "warning"
	AlertCritical AlertType = "critical"
	AlertBlocked  AlertType = "blocked"
)

// AlertChannel is a delivery target kind.
type AlertChannel string

const (
	ChannelWebhook AlertChannel = "webhook"
	ChannelEmail   AlertChannel = "email"
)

// AlertPayload is the JSON body delivered to every channel.
type AlertPayload struct {
	AlertType         AlertType        `json:"alert_type"`
	Timestamp         string           `json:"timestamp"`
	BudgetStatus      BudgetStatus     `json:"budget_status"`
	RecommendedAction string           `json:"recommended_action"`
	CurrentStrategy   *RoutingStrategy `json:"current_strategy"`
	Environment       string           `json:"environment"`
}

// SMTPConfig configures the email channel.
type SMTPConfig struct {
	Host     string `yaml:"host" json:"host,omitzero"`
	Port     int    `yaml:"port" json:"port,omitzero"`
	Username string `yaml:"username" json:"username,omitzero"`
	Password string `yaml:"password" json:"-"`
	From     string `yaml:"from" json:"from,omitzero"`
}

// AlertsConfig configures the alert dispatcher.
type AlertsConfig struct {
	WebhookURL    string     `yaml:"webhook_url" json:"webhook_url,omitzero"`
	SigningSecret string     `yaml:"signing_secret" json:"-"`
	Email         string     `yaml:"email" json:"email,omitzero"`
	SMTP          SMTPConfig `yaml:"smtp" json:"smtp"`

	CooldownSeconds  int `yaml:"cooldown_seconds,omitempty" json:"cooldown_seconds,omitzero"`
	MaxAttempts      int `yaml:"max_attempts,omitempty" json:"max_attempts,omitzero"`
	BaseDelayMs      int `yaml:"base_delay_ms,omitempty" json:"base_delay_ms,omitzero"`
	MaxDelayMs       int `yaml:"max_delay_ms,omitempty" json:"max_delay_ms,omitzero"`
	RequestTimeoutMs int `yaml:"request_timeout_ms,omitempty" json:"request_timeout_ms,omitzero"`
}

// Channels lists the channels that have a destination configured.
func (c AlertsConfig) Channels() []AlertChannel {
	var channels []AlertChannel
	if c.WebhookURL != "" {
		channels = append(channels, ChannelWebhook)
	}
	if c.Email != "" && c.SMTP.Host != "" {
		channels = append(channels, ChannelEmail)
	}
	return channels
}
