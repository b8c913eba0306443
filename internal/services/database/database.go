// Package database opens the usage record store on one of the supported SQL
// backends and owns its schema.
package database

import (
	"fmt"
	"time"

	"github.com/Egham-7/adaptive-governor/internal/models"
	"gorm.io/gorm"
)

type DB struct {
	*gorm.DB
	config     models.DatabaseConfig
	driverName string
}

func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (db *DB) Ping() error {
	if db.DB == nil {
		return fmt.Errorf("database not connected")
	}
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (db *DB) DriverName() string {
	return db.driverName
}

// Migrate creates the usage table. ClickHouse gets hand-written DDL because
// gorm's AutoMigrate does not handle its column introspection.
func (db *DB) Migrate() error {
	if db.config.Type == models.ClickHouse {
		return runClickHouseMigrations(db.DB)
	}
	if err := db.AutoMigrate(&models.UsageRecord{}); err != nil {
		return fmt.Errorf("failed to migrate %s: %w", models.UsageRecord{}.TableName(), err)
	}
	return nil
}

func (db *DB) setConnectionPool() {
	if db.DB == nil {
		return
	}

	sqlDB, err := db.DB.DB()
	if err != nil {
		return
	}

	if db.config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(db.config.MaxOpenConns)
	}
	if db.config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(db.config.MaxIdleConns)
	}
	if db.config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(db.config.ConnMaxLifetime) * time.Second)
	}
}

// New opens the backend named by config.Type.
func New(config models.DatabaseConfig) (*DB, error) {
	config.Type = config.Type.Normalize()
	switch config.Type {
	case models.PostgreSQL:
		return newPostgreSQL(config)
	case models.MySQL:
		return newMySQL(config)
	case models.SQLite:
		return newSQLite(config)
	case models.ClickHouse:
		return newClickHouse(config)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}
}
