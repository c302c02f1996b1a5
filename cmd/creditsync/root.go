package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ineyio/creditsync"
)

var (
	configPath string
	envFile    string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML or TOML config file (env CREDITSYNC_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the config is read")
}

var rootCmd = &cobra.Command{
	Use:   "creditsync",
	Short: "Meter conversational sessions into credit deductions",
	Long: `creditsync resolves dialogue-platform sessions to transcripts, prices
their content and debits only the unpaid remainder from the user's balance.`,
	SilenceUsage: true,
}

// loadConfig reads the dotenv file, then the config file (if any), applies
// environment fallbacks and validates the result.
func loadConfig() (creditsync.Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return creditsync.Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	path := configPath
	if path == "" {
		path = os.Getenv("CREDITSYNC_CONFIG")
	}

	cfg := creditsync.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = creditsync.ReadConfig(path); err != nil {
			return creditsync.Config{}, err
		}
	}

	if cfg.Source.APIKey == "" {
		cfg.Source.APIKey = os.Getenv("VOICEFLOW_API_KEY")
	}
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = os.Getenv("DATABASE_URL")
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	return cfg, cfg.Validate()
}

// newLogger builds the process logger from the log section.
func newLogger(c creditsync.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.Level))); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if c.Format == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h), nil
}
