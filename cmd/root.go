// Package cmd implements the tilecore command line. Every subcommand builds
// a fresh engine over the configured store directory, issues its calls
// through the same message boundary external callers use, and shuts the
// engine down.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/offgridmaps/tilecore/internal/config"
	"github.com/offgridmaps/tilecore/internal/engine"
	"github.com/offgridmaps/tilecore/internal/logger"
)

var (
	configPath string
	storeDir   string
)

var rootCmd = &cobra.Command{
	Use:   "tilecore",
	Short: "Offline tile caching, merging and search engine",
	Long: `tilecore serves map tiles and point-of-interest search results from a
local store of independently-authored tile databases, merging overlapping
vector tiles and caching decoded tiles in memory.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "HCL config file")
	rootCmd.PersistentFlags().StringVar(&storeDir, "store", "", "tile database directory (overrides config)")
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads config, builds the logger and starts an engine.
func setup() (*engine.Engine, *config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if storeDir != "" {
		cfg.StoreDir = storeDir
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}

	eng := engine.New(cfg, log)
	eng.Start()
	return eng, cfg, log, nil
}
