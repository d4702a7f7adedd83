package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// configPath is an explicit config file; empty searches the defaults
var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "deadair",
	Short: "Keep a music broadcast on the air",
	Long: `deadair keeps an unattended music broadcast on the air.

It runs as a background daemon that plays a shuffled playlist built from
your music directories, pipes it into the broadcast app and recovers
automatically when playback stalls, skips or crashes.

It also provides CLI commands to query the current song and control the
running daemon, useful for overlays and status bars.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.config/deadair/config.yaml)")
}
