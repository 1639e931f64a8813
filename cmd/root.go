// Package cmd defines the CLI commands for the manga-scraper executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oda-t/manga-scraper/internal/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manga-scraper",
		Short: "A polite, deduplicating manga page scraper.",
		Long: `manga-scraper downloads chapter pages through a rate-limited,
retrying, circuit-broken fetch path, transcodes them, drops exact and
near-duplicate images, and stores the survivors with their metadata.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScrapeCmd())
	return cmd
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
