package models

// StoreBackendType represents the shared counter store backend
type StoreBackendType string

const (
	StoreBackendRedis  StoreBackendType = "redis"
	StoreBackendMemory StoreBackendType = "memory"
)

// RedisMode selects the go-redis client topology.
type RedisMode string

const (
	RedisModeStandalone RedisMode = "standalone"
	RedisModeSentinel   RedisMode = "sentinel"
	RedisModeCluster    RedisMode = "cluster"
)

// StoreConfig holds configuration for the shared counter store
type StoreConfig struct {
	Backend StoreBackendType `json:"backend,omitzero" yaml:"backend"` // "redis" or "memory"

	// Redis connection. RedisURL is used for standalone mode; Addrs for sentinel and cluster.
	RedisURL   string    `json:"redis_url,omitzero" yaml:"redis_url"`
	Mode       RedisMode `json:"mode,omitzero" yaml:"mode"`
	Addrs      []string  `json:"addrs,omitzero" yaml:"addrs"`
	MasterName string    `json:"master_name,omitzero" yaml:"master_name"`
	Password   string    `json:"-" yaml:"password"`
	PoolSize   int       `json:"pool_size,omitzero" yaml:"pool_size"`

	// OpTimeoutMs bounds every store round trip. Defaults to 100.
	OpTimeoutMs int `json:"op_timeout_ms,omitzero" yaml:"op_timeout_ms"`
}
