// Package settings persists page-provided configuration and keeps the
// in-memory copy the engines read.
package settings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"offline-cache-agent/internal/models"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// APICacheAgeKey is the durable key holding the API staleness cutoff in Unix milliseconds.
const APICacheAgeKey = "apiCacheAge"

// NoCutoff means the API cache is never considered stale.
const NoCutoff int64 = math.MinInt64

// ErrNotFound is returned by Get for keys that were never written.
var ErrNotFound = errors.New("settings: key not found")

// Store reads and writes durable settings.
type Store struct {
	db *gorm.DB
}

// NewStore returns a Store over a migrated database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var row models.Setting
	err := s.db.WithContext(ctx).Where("setting_key = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return row.Value, nil
}

// Set writes value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	row := models.Setting{Key: key, Value: value, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}

// SetAPICacheAge writes the durable staleness cutoff.
func (s *Store) SetAPICacheAge(ctx context.Context, cutoffMillis int64) error {
	return s.Set(ctx, APICacheAgeKey, strconv.FormatInt(cutoffMillis, 10))
}

// APICacheAge reads the durable staleness cutoff. Missing or negative values yield NoCutoff.
func (s *Store) APICacheAge(ctx context.Context) (int64, error) {
	raw, err := s.Get(ctx, APICacheAgeKey)
	if errors.Is(err, ErrNotFound) {
		return NoCutoff, nil
	}
	if err != nil {
		return NoCutoff, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || v < 0 {
		return NoCutoff, fmt.Errorf("settings: bad %s value %q", APICacheAgeKey, raw)
	}
	return int64(v), nil
}

// Staleness is the in-memory staleness cutoff. Set is its only mutation;
// every Set bumps the version so readers can tell an update happened.
type Staleness struct {
	mu      sync.RWMutex
	cutoff  int64
	version uint64
}

// NewStaleness returns a Staleness with no cutoff at version zero.
func NewStaleness() *Staleness {
	return &Staleness{cutoff: NoCutoff}
}

// Set replaces the cutoff (Unix milliseconds). Negative values mean NoCutoff.
func (s *Staleness) Set(cutoffMillis int64) {
	if cutoffMillis < 0 {
		cutoffMillis = NoCutoff
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoff = cutoffMillis
	s.version++
}

// Load returns the cutoff and the version it was set at.
func (s *Staleness) Load() (cutoffMillis int64, version uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cutoff, s.version
}

// Cutoff returns the cutoff as a time; ok is false when there is none.
func (s *Staleness) Cutoff() (t time.Time, ok bool) {
	c, _ := s.Load()
	if c == NoCutoff {
		return time.Time{}, false
	}
	return time.UnixMilli(c), true
}

// Loader refreshes a Staleness from a Store.
type Loader struct {
	store     *Store
	staleness *Staleness
	log       *log.Logger
}

// NewLoader returns a Loader. logger may be nil.
func NewLoader(store *Store, staleness *Staleness, logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.Default()
	}
	return &Loader{store: store, staleness: staleness, log: logger}
}

// Reload re-reads the durable cutoff into the in-memory copy. An unreadable
// value resets the cutoff to NoCutoff and is reported.
func (l *Loader) Reload(ctx context.Context) error {
	cutoff, err := l.store.APICacheAge(ctx)
	l.staleness.Set(cutoff)
	if err != nil {
		l.log.Warn("API cache age unreadable, treating cache as fresh", "err", err)
		return err
	}
	if cutoff == NoCutoff {
		l.log.Debug("API cache age is unset")
	} else {
		l.log.Debug("API cache age updated", "cutoff", time.UnixMilli(cutoff).UTC().Format(time.RFC3339))
	}
	return nil
}
