package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jgoulah/sajscraper/internal/config"
	"github.com/jgoulah/sajscraper/internal/database"
	"github.com/jgoulah/sajscraper/internal/logger"
	"github.com/jgoulah/sajscraper/internal/state"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sajscraper",
	Short: "Publish SAJ microinverter data to Home Assistant over MQTT",
	Long: `sajscraper logs in to the SAJ Elekeeper portal with a headless browser,
reads the latest values of every configured microinverter and publishes them
to Home Assistant through MQTT discovery. Daily peak power and data staleness
are kept in a local state file so they survive restarts.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultConfigPath()+")")
}

// getConfigPath returns the config file path
func getConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the configuration file
func loadConfig() (*config.Config, error) {
	return config.Load(getConfigPath())
}

// newLogger builds the process logger from the configured level
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return log, nil
}

// openStore opens the configured state backend
func openStore(cfg *config.Config) (state.Store, error) {
	switch cfg.StateBackend {
	case config.BackendSQLite:
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
		db, err := database.New(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("opening state database: %w", err)
		}
		return db, nil
	default:
		return state.NewFileStore(cfg.StatePath), nil
	}
}
