package main

import (
	"os"

	"github.com/spf13/cobra"
)

var serverFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:          "pp",
		Short:        "Smoke-test client for the pattern-indexing service",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "", "WebSocket endpoint (overrides config, e.g. ws://127.0.0.1:4000/socket/websocket)")

	rootCmd.AddCommand(
		smokeCmd(),
		searchCmd(),
		quickCmd(),
		streamCmd(),
		historyCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
