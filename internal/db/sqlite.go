package db

import (
	"github.com/glebarez/sqlite"
	"github.com/pysugar/mcp-auth-gateway/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database and migrates the store tables.
func InitDB(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	// SQLite has a single writer; one pooled connection avoids lock errors
	// from concurrent background usage writes.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&models.KVEntry{}, &models.Credential{}); err != nil {
		return nil, err
	}
	return db, nil
}
