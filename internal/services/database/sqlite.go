package database

import (
	"fmt"

	"github.com/Egham-7/adaptive-governor/internal/models"
	"gorm.io/driver/sqlite"
)

func newSQLite(config models.DatabaseConfig) (*DB, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for SQLite")
	}

	// every pooled connection to :memory: would see its own empty database
	if config.FilePath == ":memory:" {
		config.MaxOpenConns = 1
	}

	return open(sqlite.Open(config.FilePath), config, "sqlite3", "SQLite")
}
