package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Global flags
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gatekeep",
	Short: "Gatekeep - rate limited, cached, coalesced access to slow sources",
	Long: `Gatekeep sits between request handlers and a slow backing source.

Each request is admitted by a per-client dual-window rate limiter, served from
an LRU+TTL cache when possible, and otherwise fetched through a dispatcher that
coalesces concurrent fetches for the same key, bounds concurrency and retries
transient failures with exponential backoff.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (empty = defaults and GATEKEEP_* env)")
}
