package database

import (
	"fmt"

	"offline-cache-agent/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens (or creates) the SQLite database at path and runs migrations.
// Using glebarez/sqlite which is a pure Go implementation (no CGO required)
func Open(path string, level logger.LogLevel) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	// SQLite serializes writers; a single connection also keeps ":memory:" databases shared.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the cache and settings tables.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.CacheNamespace{},
		&models.CacheEntry{},
		&models.Setting{},
	)
	if err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	return nil
}
