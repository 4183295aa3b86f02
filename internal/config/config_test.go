package config

import (
	"testing"
	"time"

	"offline-cache-agent/internal/cache"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Listen)
	require.Equal(t, "/", cfg.Prefix)
	require.Equal(t, 100, cfg.AudioCacheLimit)
	require.Equal(t, 1000, cfg.APICacheLimit)
	require.Equal(t, 2, cfg.PrefetchConcurrency)
	require.Equal(t, 0, cfg.PrefetchRetries)
	require.Equal(t, cache.Insertion, cfg.EvictionOrder())
	require.Equal(t, 30*time.Second, cfg.FetchTimeout)
	require.Equal(t, log.InfoLevel, cfg.Level())
}

func TestLoad_EnvironmentThenViper(t *testing.T) {
	t.Setenv("AGENT_AUDIO_CACHE_LIMIT", "20")
	t.Setenv("AGENT_EVICTION", "lru")
	t.Setenv("AGENT_UPSTREAM", "http://media.local:8000")
	t.Setenv("AGENT_FETCH_TIMEOUT", "5s")

	v := viper.New()
	v.Set(KeyAudioLimit, 50)
	v.Set(KeyConcurrency, 4)
	v.Set(KeyLogLevel, "debug")

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, 50, cfg.AudioCacheLimit)
	require.Equal(t, 4, cfg.PrefetchConcurrency)
	require.Equal(t, "http://media.local:8000", cfg.Upstream)
	require.Equal(t, cache.Recency, cfg.EvictionOrder())
	require.Equal(t, 5*time.Second, cfg.FetchTimeout)
	require.Equal(t, log.DebugLevel, cfg.Level())
}

func TestValidate(t *testing.T) {
	base, err := Load(nil)
	require.NoError(t, err)

	cases := map[string]func(*Config){
		"zero audio limit":    func(c *Config) { c.AudioCacheLimit = 0 },
		"negative api limit":  func(c *Config) { c.APICacheLimit = -1 },
		"zero concurrency":    func(c *Config) { c.PrefetchConcurrency = 0 },
		"negative retries":    func(c *Config) { c.PrefetchRetries = -2 },
		"unknown eviction":    func(c *Config) { c.Eviction = "lfu" },
		"relative upstream":   func(c *Config) { c.Upstream = "/media" },
		"zero fetch timeout":  func(c *Config) { c.FetchTimeout = 0 },
		"unknown log level":   func(c *Config) { c.LogLevel = "loud" },
		"empty database path": func(c *Config) { c.DBPath = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			require.Error(t, c.Validate())
		})
	}

	inMemory := base
	inMemory.DBPath = ""
	inMemory.Memory = true
	require.NoError(t, inMemory.Validate())
}

func TestLoad_RejectsBadEnvironment(t *testing.T) {
	t.Setenv("AGENT_PREFETCH_CONCURRENCY", "many")
	_, err := Load(nil)
	require.Error(t, err)
}
