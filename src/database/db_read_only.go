package database

import (
	"fmt"

	"brokerledger/src/model"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReadOnlyDB serves replica-tolerant reads such as the list of active securities
// polled by the market-data scheduler. It points at MainDB when no replica is configured.
var ReadOnlyDB *gorm.DB

// InitReadOnlyDB initializes the read-only database connection.
// It does not run any migrations and should only be used for reading data.
func InitReadOnlyDB() error {
	config := GetConfig()

	if config.DatabaseURLReadOnly == "" {
		if MainDB == nil {
			return fmt.Errorf("no read-only database configured and MainDB is not initialized")
		}
		ReadOnlyDB = MainDB
		logrus.Info("[ReadOnlyDB] no replica configured, reading from MainDB")
		return nil
	}

	db, err := Open(config.Driver, config.DatabaseURLReadOnly, config.GormLogLevel)
	if err != nil {
		return fmt.Errorf("failed to connect to read-only database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB from ReadOnlyDB: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping ReadOnlyDB: %w", err)
	}

	// Test if the securities table is really reachable
	var count int64
	if err := db.Model(&model.Security{}).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to access securities on ReadOnlyDB: %w", err)
	}

	logrus.WithFields(map[string]interface{}{"securities": count}).Info("[ReadOnlyDB] securities reachable")

	ReadOnlyDB = db

	return nil
}
