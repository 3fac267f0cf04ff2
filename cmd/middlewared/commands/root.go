// Package commands implements the middlewared command line.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"middlewared/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "middlewared",
	Short: "middlewared - RPC middleware daemon",
	Long: `middlewared exposes the system's management services over a persistent
JSON envelope channel (websocket, TCP or unix socket). Callers invoke
"namespace.method" with positional parameters and receive correlated results.

Use "middlewared [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "middlewared %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}
