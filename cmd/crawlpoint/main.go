package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "crawlpoint",
	Short: "Crawlpoint - self-hosted execution platform for scraping actors",
	Long: `Crawlpoint runs containerized web-scraping jobs behind an
Apify-compatible HTTP API: actors, runs, datasets, key-value stores
and request queues, backed by Postgres, Redis and an S3-compatible
blob store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Crawlpoint version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "crawlpoint.yaml", "path to the server config file")
	rootCmd.AddCommand(serverCmd)
}
