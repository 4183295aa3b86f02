// Package config assembles the agent configuration from the environment,
// an optional config file and command-line flags, in that order of precedence
// (later layers win).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"offline-cache-agent/internal/cache"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable the agent reads.
const EnvPrefix = "AGENT_"

// Viper keys. Flags are bound under the same names.
const (
	KeyListen       = "listen"
	KeyUpstream     = "upstream"
	KeyDBPath       = "db"
	KeyMemory       = "memory"
	KeyPrefix       = "prefix"
	KeyCommit       = "commit"
	KeyDevelopment  = "dev"
	KeyAudioLimit   = "audio-limit"
	KeyAPILimit     = "api-limit"
	KeyConcurrency  = "concurrency"
	KeyRetries      = "retries"
	KeyEviction     = "eviction"
	KeyFetchTimeout = "fetch-timeout"
	KeyLogLevel     = "log-level"
)

// Config is the agent configuration.
type Config struct {
	Listen   string `env:"LISTEN" envDefault:":8080"`
	Upstream string `env:"UPSTREAM" envDefault:"http://localhost:3000"`

	// DBPath is the SQLite file holding caches and settings.
	DBPath string `env:"DB_PATH" envDefault:"offline-cache.db"`
	// Memory keeps caches in process memory instead of DBPath.
	Memory bool `env:"MEMORY"`

	Prefix      string `env:"PREFIX" envDefault:"/"`
	Commit      string `env:"COMMIT" envDefault:"na"`
	Development bool   `env:"DEVELOPMENT"`

	AudioCacheLimit     int    `env:"AUDIO_CACHE_LIMIT" envDefault:"100"`
	APICacheLimit       int    `env:"API_CACHE_LIMIT" envDefault:"1000"`
	PrefetchConcurrency int    `env:"PREFETCH_CONCURRENCY" envDefault:"2"`
	PrefetchRetries     int    `env:"PREFETCH_RETRIES" envDefault:"0"`
	Eviction            string `env:"EVICTION" envDefault:"fifo"`

	FetchTimeout time.Duration `env:"FETCH_TIMEOUT" envDefault:"30s"`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads the environment, applies every key set in v on top and validates
// the result. v may be nil.
func Load(v *viper.Viper) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: EnvPrefix})
	if err != nil {
		return cfg, fmt.Errorf("read environment: %w", err)
	}
	if v != nil {
		apply(v, &cfg)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func apply(v *viper.Viper, cfg *Config) {
	if v.IsSet(KeyListen) {
		cfg.Listen = v.GetString(KeyListen)
	}
	if v.IsSet(KeyUpstream) {
		cfg.Upstream = v.GetString(KeyUpstream)
	}
	if v.IsSet(KeyDBPath) {
		cfg.DBPath = v.GetString(KeyDBPath)
	}
	if v.IsSet(KeyMemory) {
		cfg.Memory = v.GetBool(KeyMemory)
	}
	if v.IsSet(KeyPrefix) {
		cfg.Prefix = v.GetString(KeyPrefix)
	}
	if v.IsSet(KeyCommit) {
		cfg.Commit = v.GetString(KeyCommit)
	}
	if v.IsSet(KeyDevelopment) {
		cfg.Development = v.GetBool(KeyDevelopment)
	}
	if v.IsSet(KeyAudioLimit) {
		cfg.AudioCacheLimit = v.GetInt(KeyAudioLimit)
	}
	if v.IsSet(KeyAPILimit) {
		cfg.APICacheLimit = v.GetInt(KeyAPILimit)
	}
	if v.IsSet(KeyConcurrency) {
		cfg.PrefetchConcurrency = v.GetInt(KeyConcurrency)
	}
	if v.IsSet(KeyRetries) {
		cfg.PrefetchRetries = v.GetInt(KeyRetries)
	}
	if v.IsSet(KeyEviction) {
		cfg.Eviction = v.GetString(KeyEviction)
	}
	if v.IsSet(KeyFetchTimeout) {
		cfg.FetchTimeout = v.GetDuration(KeyFetchTimeout)
	}
	if v.IsSet(KeyLogLevel) {
		cfg.LogLevel = v.GetString(KeyLogLevel)
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if u, err := url.Parse(c.Upstream); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream %q is not an absolute URL", c.Upstream))
	}
	if !c.Memory && c.DBPath == "" {
		errs = append(errs, errors.New("database path is empty"))
	}
	if c.AudioCacheLimit <= 0 {
		errs = append(errs, fmt.Errorf("audio cache limit must be positive, got %d", c.AudioCacheLimit))
	}
	if c.APICacheLimit <= 0 {
		errs = append(errs, fmt.Errorf("API cache limit must be positive, got %d", c.APICacheLimit))
	}
	if c.PrefetchConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("prefetch concurrency must be positive, got %d", c.PrefetchConcurrency))
	}
	if c.PrefetchRetries < 0 {
		errs = append(errs, fmt.Errorf("prefetch retries must not be negative, got %d", c.PrefetchRetries))
	}
	if _, err := cache.ParseOrder(c.Eviction); err != nil {
		errs = append(errs, err)
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("fetch timeout must be positive, got %s", c.FetchTimeout))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	return errors.Join(errs...)
}

// EvictionOrder returns the parsed eviction order. Call after Validate.
func (c Config) EvictionOrder() cache.Order {
	o, _ := cache.ParseOrder(c.Eviction)
	return o
}

// Level returns the parsed log level, defaulting to info.
func (c Config) Level() log.Level {
	l, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return l
}
