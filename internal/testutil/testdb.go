package testutil

import (
	"offline-cache-agent/internal/database"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewInMemoryDB creates an in-memory SQLite DB and runs migrations.
func NewInMemoryDB() (*gorm.DB, error) {
	return database.Open(":memory:", logger.Silent)
}
