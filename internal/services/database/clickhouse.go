package database

import (
	"fmt"

	"github.com/Egham-7/adaptive-governor/internal/models"
	"gorm.io/driver/clickhouse"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newClickHouse(config models.DatabaseConfig) (*DB, error) {
	db, err := open(clickhouse.New(clickhouse.Config{
		DSN:                    clickhouseDSN(config),
		DefaultGranularity:     3,
		DefaultCompression:     "LZ4",
		DefaultIndexType:       "minmax",
		DefaultTableEngineOpts: "ENGINE=MergeTree() ORDER BY (created_at, provider, id)",
	}), config, "clickhouse", "ClickHouse", &gorm.Config{
		// the driver's prepared statement support is incomplete
		PrepareStmt: false,
		Logger:      logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := registerRecordIDs(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to register ClickHouse id callback: %w", err)
	}
	return db, nil
}

func clickhouseDSN(config models.DatabaseConfig) string {
	if config.DSN != "" {
		return config.DSN
	}
	return fmt.Sprintf(
		"clickhouse://%s:%s@%s:%d/%s",
		config.Username,
		config.Password,
		config.Host,
		config.PortOr(9000),
		config.Database,
	)
}
