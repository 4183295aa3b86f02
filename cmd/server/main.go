package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"offline-cache-agent/internal/config"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// CommitSHA is set at build time and names the static cache generation.
var CommitSHA = ""

var configFile string

var rootCmd = &cobra.Command{
	Use:          "offline-cache-agent",
	Short:        "Offline caching agent for the audio player web client",
	Long:         "Serves the player's static shell, API listings and audio files from a local cache and prefetches audio on request from connected pages.",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         execute,
}

func init() {
	flags := rootCmd.Flags()
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	flags.String(config.KeyListen, ":8080", "address to listen on")
	flags.String(config.KeyUpstream, "http://localhost:3000", "upstream media server URL")
	flags.String(config.KeyDBPath, "offline-cache.db", "SQLite database holding caches and settings")
	flags.Bool(config.KeyMemory, false, "keep caches in memory only")
	flags.String(config.KeyPrefix, "/", "path prefix the player is served under")
	flags.String(config.KeyCommit, "", "build commit naming the static cache generation")
	flags.Bool(config.KeyDevelopment, false, "development mode: install only the favicon")
	flags.Int(config.KeyAudioLimit, 100, "maximum number of cached audio files")
	flags.Int(config.KeyAPILimit, 1000, "maximum number of cached API responses")
	flags.Int(config.KeyConcurrency, 2, "maximum concurrent audio prefetches")
	flags.Int(config.KeyRetries, 0, "times a failed prefetch is retried")
	flags.String(config.KeyEviction, "fifo", "eviction order: fifo or lru")
	flags.Duration(config.KeyFetchTimeout, 30*time.Second, "upstream fetch timeout")
	flags.String(config.KeyLogLevel, "info", "log level: debug, info, warn, error")

	for _, key := range []string{
		config.KeyListen, config.KeyUpstream, config.KeyDBPath, config.KeyMemory,
		config.KeyPrefix, config.KeyCommit, config.KeyDevelopment,
		config.KeyAudioLimit, config.KeyAPILimit, config.KeyConcurrency, config.KeyRetries,
		config.KeyEviction, config.KeyFetchTimeout, config.KeyLogLevel,
	} {
		_ = viper.BindPFlag(key, flags.Lookup(key))
	}
}

func execute(cmd *cobra.Command, _ []string) error {
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if !viper.IsSet(config.KeyCommit) && os.Getenv(config.EnvPrefix+"COMMIT") == "" && CommitSHA != "" {
		cfg.Commit = CommitSHA
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           cfg.Level(),
		Prefix:          "agent",
	})
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Debug("Using configuration file", "path", used)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error("agent stopped", "err", err)
		}
		os.Exit(1)
	}
}
