package database

import (
	fiberlog "github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// ids are filled client side by registerRecordIDs; ClickHouse has no auto increment.
const usageRecordsDDL = `
	CREATE TABLE IF NOT EXISTS llm_usage_records (
		id UInt64,
		request_id String NOT NULL DEFAULT '',
		provider LowCardinality(String) NOT NULL DEFAULT '',
		model String NOT NULL DEFAULT '',
		endpoint String NOT NULL DEFAULT '',
		operation_type LowCardinality(String) NOT NULL DEFAULT '',
		prompt_tokens Int64 NOT NULL DEFAULT 0,
		completion_tokens Int64 NOT NULL DEFAULT 0,
		total_tokens Int64 NOT NULL DEFAULT 0,
		cost_usd Float64 NOT NULL DEFAULT 0,
		input_cost_usd Nullable(Float64),
		output_cost_usd Nullable(Float64),
		latency_ms Int64 NOT NULL DEFAULT 0,
		cache_hit UInt8 NOT NULL DEFAULT 0,
		user_id Nullable(String),
		success UInt8 NOT NULL DEFAULT 1,
		error_message Nullable(String),
		metadata String NOT NULL DEFAULT '{}',
		created_at DateTime64(3) NOT NULL DEFAULT now64(3)
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(created_at)
	ORDER BY (created_at, provider, id)
	SETTINGS index_granularity = 8192;
	`

var usageRecordsIndexes = []string{
	`ALTER TABLE llm_usage_records ADD INDEX IF NOT EXISTS idx_usage_request_id request_id TYPE bloom_filter GRANULARITY 3`,
	`ALTER TABLE llm_usage_records ADD INDEX IF NOT EXISTS idx_usage_user_id user_id TYPE bloom_filter GRANULARITY 3`,
	`ALTER TABLE llm_usage_records ADD INDEX IF NOT EXISTS idx_usage_success success TYPE minmax GRANULARITY 3`,
}

// runClickHouseMigrations creates the usage table directly instead of going
// through AutoMigrate.
func runClickHouseMigrations(db *gorm.DB) error {
	if err := db.Exec(usageRecordsDDL).Error; err != nil {
		return err
	}

	for _, sql := range usageRecordsIndexes {
		if err := db.Exec(sql).Error; err != nil {
			// older servers reject IF NOT EXISTS on indexes
			fiberlog.Warnf("[database] skipping index: %v", err)
		}
	}
	return nil
}
