package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	configPath     string
	outputDir      string
	maxConcurrency int
	dryRun         bool
	rootCmd        = &cobra.Command{
		Use:   "x402-mint",
		Short: "x402 parallel mint orchestrator",
		Long: `x402-mint mints from an x402 payment-gated endpoint with many accounts at once.
Each account pays through the X-PAYMENT handshake, transient failures are retried
with exponential backoff, and every run is written to a JSON results file.`,
		SilenceUsage: true,
		RunE:         runMint,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (TOML or YAML)")
	rootCmd.PersistentFlags().StringVar(&outputDir, "output-dir", "", "directory for result files")
	rootCmd.PersistentFlags().IntVar(&maxConcurrency, "max-concurrency", 0, "maximum accounts minting at once")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "validate configuration and list accounts without minting")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
