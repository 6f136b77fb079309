package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	cacheDir   string
	logLevel   string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mandelcache",
		Short: "mandelcache - cached, incrementally refined Mandelbrot datasets",
		Long: `mandelcache computes smoothed escape-time datasets of the Mandelbrot set and
keeps them in an on-disk cache.

A request is served in one of three ways:
  - hit: the exact viewport and iteration count is already cached
  - incremental: a shallower cached dataset is extended to the requested depth
  - fresh: the dataset is computed from scratch

Deep zooms switch to arbitrary-precision arithmetic automatically. Requests are checked
against Rego admission policies before anything is computed.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "cache directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newGenerateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newExistsCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
