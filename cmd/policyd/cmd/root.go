// Package cmd provides the policyd CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/policyd/policyd/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "policyd",
	Short: "policyd - a local policy-decision daemon",
	Long: `policyd answers "is subject S permitted privilege P in session K?"
for local clients connecting over a Unix domain socket, backed by a layered
bucketed policy database with optional delegation to out-of-process agents.

Quick start:
  1. Create a config file: policyd.yaml
  2. Run: policyd serve

Configuration:
  Config is loaded from policyd.yaml in the current directory, $HOME/.policyd/,
  or /etc/policyd/.

  Environment variables can override config values with the POLICYD_ prefix.
  Example: POLICYD_SOCKETS_CLIENT=/run/policyd/client.sock

Commands:
  serve       Start the daemon
  stop        Stop the running daemon
  reset       Remove the on-disk policy database
  checksum    Recompute db/checksum from the files on disk
  config      Print the effective configuration
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./policyd.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
