// Package store implements the persistent cache primitive on top of SQLite.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"offline-cache-agent/internal/cache"
	"offline-cache-agent/internal/models"

	"github.com/klauspost/compress/zstd"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultCompressThreshold is the smallest body that gets zstd-compressed.
const DefaultCompressThreshold = 1024

// SQL is a cache.Storage persisted in the agent's SQLite database.
// Bodies at or above the compression threshold are stored zstd-compressed.
// Times are stored in UTC so text ordering in SQLite matches time ordering.
type SQL struct {
	db  *gorm.DB
	enc *zstd.Encoder
	dec *zstd.Decoder

	threshold int
	now       func() time.Time
}

// New returns a SQL storage over db. db must already be migrated.
func New(db *gorm.DB) (*SQL, error) {
	if db == nil {
		return nil, errors.New("store: nil database")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("store: create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("store: create decoder: %w", err)
	}
	return &SQL{
		db:        db,
		enc:       enc,
		dec:       dec,
		threshold: DefaultCompressThreshold,
		now:       time.Now,
	}, nil
}

// Close releases the compression resources.
func (s *SQL) Close() {
	_ = s.enc.Close()
	s.dec.Close()
}

// Open implements cache.Storage.Open.
func (s *SQL) Open(ctx context.Context, name string) (cache.Namespace, error) {
	row := models.CacheNamespace{Name: name, CreatedAt: s.now()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", name, err)
	}
	return &namespace{s: s, name: name}, nil
}

// Delete implements cache.Storage.Delete.
func (s *SQL) Delete(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("namespace = ?", name).Delete(&models.CacheEntry{}).Error; err != nil {
			return err
		}
		return tx.Where("name = ?", name).Delete(&models.CacheNamespace{}).Error
	})
}

// Names implements cache.Storage.Names.
func (s *SQL) Names(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Model(&models.CacheNamespace{}).
		Order("name asc").
		Pluck("name", &names).Error
	return names, err
}

func (s *SQL) encode(e *cache.Entry) (*models.CacheEntry, error) {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return nil, fmt.Errorf("store: encode header: %w", err)
	}
	body := e.Body
	compressed := false
	if len(body) >= s.threshold {
		body = s.enc.EncodeAll(e.Body, make([]byte, 0, len(e.Body)/2))
		compressed = true
	}
	return &models.CacheEntry{
		Key:        e.Key,
		Status:     e.Status,
		Header:     header,
		Body:       body,
		Compressed: compressed,
		Size:       int64(len(e.Body)),
		FetchedAt:  e.FetchedAt.UTC(),
		LastUsed:   e.LastUsed.UTC(),
	}, nil
}

func (s *SQL) decode(row *models.CacheEntry) (*cache.Entry, error) {
	var header http.Header
	if len(row.Header) > 0 {
		if err := json.Unmarshal(row.Header, &header); err != nil {
			return nil, fmt.Errorf("store: decode header: %w", err)
		}
	}
	body := row.Body
	if row.Compressed {
		var err error
		body, err = s.dec.DecodeAll(row.Body, make([]byte, 0, row.Size))
		if err != nil {
			return nil, fmt.Errorf("store: decompress %q: %w", row.Key, err)
		}
	}
	return &cache.Entry{
		Key:       row.Key,
		Status:    row.Status,
		Header:    header,
		Body:      body,
		FetchedAt: row.FetchedAt,
		Seq:       row.ID,
		LastUsed:  row.LastUsed,
	}, nil
}

type namespace struct {
	s    *SQL
	name string
}

func (n *namespace) Name() string { return n.name }

func (n *namespace) scoped(ctx context.Context) *gorm.DB {
	return n.s.db.WithContext(ctx).Where("namespace = ?", n.name)
}

// Match implements cache.Namespace.Match.
func (n *namespace) Match(ctx context.Context, key string) (*cache.Entry, error) {
	var row models.CacheEntry
	err := n.scoped(ctx).Where("cache_key = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, cache.ErrMiss
		}
		return nil, err
	}
	return n.s.decode(&row)
}

// Put implements cache.Namespace.Put. The old row is deleted so the new one
// gets a fresh insertion sequence.
func (n *namespace) Put(ctx context.Context, e *cache.Entry) error {
	if e.FetchedAt.IsZero() {
		e.FetchedAt = n.s.now()
	}
	if e.LastUsed.IsZero() {
		e.LastUsed = e.FetchedAt
	}
	row, err := n.s.encode(e)
	if err != nil {
		return err
	}
	row.Namespace = n.name

	return n.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("namespace = ? AND cache_key = ?", n.name, e.Key).
			Delete(&models.CacheEntry{}).Error; err != nil {
			return err
		}
		return tx.Create(row).Error
	})
}

// Remove implements cache.Namespace.Remove.
func (n *namespace) Remove(ctx context.Context, key string) error {
	return n.scoped(ctx).Where("cache_key = ?", key).Delete(&models.CacheEntry{}).Error
}

// Touch implements cache.Namespace.Touch.
func (n *namespace) Touch(ctx context.Context, key string, at time.Time) error {
	return n.scoped(ctx).
		Model(&models.CacheEntry{}).
		Where("cache_key = ?", key).
		Update("last_used", at.UTC()).Error
}

// Keys implements cache.Namespace.Keys.
func (n *namespace) Keys(ctx context.Context, order cache.Order) ([]string, error) {
	orderBy := "id asc"
	if order == cache.Recency {
		orderBy = "last_used asc, id asc"
	}
	var keys []string
	err := n.scoped(ctx).
		Model(&models.CacheEntry{}).
		Order(orderBy).
		Pluck("cache_key", &keys).Error
	return keys, err
}

// Len implements cache.Namespace.Len.
func (n *namespace) Len(ctx context.Context) (int, error) {
	var count int64
	err := n.scoped(ctx).Model(&models.CacheEntry{}).Count(&count).Error
	return int(count), err
}

// Oldest implements cache.Namespace.Oldest.
func (n *namespace) Oldest(ctx context.Context) (time.Time, bool, error) {
	var row models.CacheEntry
	err := n.scoped(ctx).Order("fetched_at asc").Select("fetched_at").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return row.FetchedAt, true, nil
}

// Clear implements cache.Namespace.Clear.
func (n *namespace) Clear(ctx context.Context) error {
	return n.scoped(ctx).Delete(&models.CacheEntry{}).Error
}

// Ensure SQL implements cache.Storage at compile time.
var _ cache.Storage = (*SQL)(nil)
