package database

import (
	"fmt"

	"github.com/Egham-7/adaptive-governor/internal/models"
	"gorm.io/driver/mysql"
)

func newMySQL(config models.DatabaseConfig) (*DB, error) {
	return open(mysql.Open(mysqlDSN(config)), config, "mysql", "MySQL")
}

func mysqlDSN(config models.DatabaseConfig) string {
	if config.DSN != "" {
		return config.DSN
	}
	return fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC&charset=utf8mb4",
		config.Username,
		config.Password,
		config.Host,
		config.PortOr(3306),
		config.Database,
	)
}
