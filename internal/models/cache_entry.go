package models

import (
	"time"
)

// CacheEntry is one stored response inside a named cache.
// Entries are never patched: a write replaces the whole row.
type CacheEntry struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	Namespace  string    `gorm:"not null;uniqueIndex:idx_namespace_key"`
	Key        string    `gorm:"column:cache_key;not null;uniqueIndex:idx_namespace_key"`
	Status     int       `gorm:"not null"`
	Header     []byte    `gorm:"column:header"`
	Body       []byte    `gorm:"column:body"`
	Compressed bool      `gorm:"not null;default:false"`
	Size       int64     `gorm:"not null;default:0"`
	FetchedAt  time.Time `gorm:"column:fetched_at;index"`
	LastUsed   time.Time `gorm:"column:last_used;index"`
}

// TableName specifies the table name for CacheEntry Model
func (CacheEntry) TableName() string {
	return "cache_entries"
}

// CacheNamespace records that a named cache exists, even while it is empty.
type CacheNamespace struct {
	Name      string `gorm:"primaryKey"`
	CreatedAt time.Time
}

// TableName specifies the table name for CacheNamespace Model
func (CacheNamespace) TableName() string {
	return "cache_namespaces"
}
