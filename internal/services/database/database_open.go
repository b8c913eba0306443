package database

import (
	"fmt"

	"github.com/Egham-7/adaptive-governor/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// open connects through dialector, applies the pool settings and pings once.
// label is the human backend name used in errors.
func open(dialector gorm.Dialector, config models.DatabaseConfig, driverName, label string, opts ...gorm.Option) (*DB, error) {
	if len(opts) == 0 {
		opts = []gorm.Option{&gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}}
	}

	gormDB, err := gorm.Open(dialector, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", label, err)
	}

	db := &DB{
		DB:         gormDB,
		config:     config,
		driverName: driverName,
	}
	db.setConnectionPool()

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", label, err)
	}
	return db, nil
}
