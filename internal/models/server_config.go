package models

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port           string `json:"port,omitzero" yaml:"port"`
	AllowedOrigins string `json:"allowed_origins,omitzero" yaml:"allowed_origins"`
	Environment    string `json:"environment,omitzero" yaml:"environment"`
	LogLevel       string `json:"log_level,omitzero" yaml:"log_level"`

	// RequestTimeoutMs bounds each HTTP handler. Defaults to 30000.
	RequestTimeoutMs int `json:"request_timeout_ms,omitzero" yaml:"request_timeout_ms"`
}

// UsageConfig configures usage persistence and the dashboard cache.
type UsageConfig struct {
	// RealtimeCacheTTLSeconds defaults to 300.
	RealtimeCacheTTLSeconds int `json:"realtime_cache_ttl_seconds,omitzero" yaml:"realtime_cache_ttl_seconds"`

	// RefreshSchedule is a cron expression for warming the realtime cache. Empty disables it.
	RefreshSchedule string `json:"refresh_schedule,omitzero" yaml:"refresh_schedule"`

	// Worker settings for asynchronous completion reports.
	WorkerBufferSize int `json:"worker_buffer_size,omitzero" yaml:"worker_buffer_size"`
	WorkerCount      int `json:"worker_count,omitzero" yaml:"worker_count"`
}
