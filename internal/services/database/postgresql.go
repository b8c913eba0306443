package database

import (
	"fmt"

	"github.com/Egham-7/adaptive-governor/internal/models"
	"gorm.io/driver/postgres"
)

func newPostgreSQL(config models.DatabaseConfig) (*DB, error) {
	return open(postgres.Open(postgresDSN(config)), config, "postgres", "PostgreSQL")
}

// postgresDSN pins the session to UTC so usage buckets line up with the
// UTC-keyed spend counters.
func postgresDSN(config models.DatabaseConfig) string {
	if config.DSN != "" {
		return config.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		config.Host,
		config.PortOr(5432),
		config.Username,
		config.Password,
		config.Database,
		getSSLMode(config.SSLMode),
	)
}

func getSSLMode(mode string) string {
	if mode == "" {
		return "disable"
	}
	return mode
}
