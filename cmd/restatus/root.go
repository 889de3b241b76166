package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "restatus",
	Short: "Restatus - personal live status dashboard backend",
	Long: `Restatus collects device reports from desktop and mobile agents, polls
Steam and Bilibili, resolves visitor weather and pushes live presence to the
dashboard over WebSocket.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to server command when no subcommand is provided
		return runServer(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
}

// defaultConfigPath prefers the system config when it exists.
func defaultConfigPath() string {
	const system = "/etc/restatus/config.yaml"
	if _, err := os.Stat(system); err == nil {
		return system
	}
	return "config.yaml"
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
