// Command swaplink runs the battery pairing protocol against a bridge host.
//
// Usage:
//
//	swaplink serve                 # websocket bridge, driven by the terminal app
//	swaplink pair --plan P --actor A
//	swaplink simulate [--script script.yaml]
//	swaplink config init|show|path
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "swaplink",
		Short:         "Pair swapped batteries and confirm their telemetry with the backend",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/swaplink/config.yaml)")

	cmd.AddCommand(serveCmd(&configPath))
	cmd.AddCommand(pairCmd(&configPath))
	cmd.AddCommand(simulateCmd(&configPath))
	cmd.AddCommand(configCmd(&configPath))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "swaplink", version)
		},
	})
	return cmd
}
