package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd is the base command for the risk engine CLI
var rootCmd = &cobra.Command{
	Use:   "risk-engine",
	Short: "Assignment risk monitoring for sold options",
	Long: `risk-engine tracks covered calls and cash-secured puts, scores their
assignment risk on a schedule and rolls or closes positions according to
the active risk profile.

Example usage:
  risk-engine run --config config/config.yaml
  risk-engine assess --symbol AAPL --strategy COVERED_CALL --strike 100 --days 30 --price 97`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the configuration file (defaults to ./config/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
