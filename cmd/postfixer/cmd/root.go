// Package cmd provides the CLI commands for Postfixer.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluxkompensator/postfixer/internal/config"
)

var cfgFile string
var pidFile string

var rootCmd = &cobra.Command{
	Use:   "postfixer",
	Short: "Postfixer - Postfix policy daemon",
	Long: `Postfixer answers Postfix policy delegation inquiries over TCP.

Each inquiry is evaluated against an ordered rule set; when no rule
matches, configurable rate limiters get a say; otherwise the MTA is told
to proceed (DUNNO). A management REST API and websocket feed expose
rules, rate limiters, decision history, and live decisions.

Quick start:
  1. Create a config file: postfixer init-config
  2. Run: postfixer serve
  3. Point Postfix at it: check_policy_service inet:127.0.0.1:5002

Configuration:
  Config is loaded from postfixer.yaml in the current directory,
  $HOME/.postfixer/, or /etc/postfixer/.

  Environment variables can override config values with the POSTFIXER_ prefix.
  Example: POSTFIXER_ADMIN_PORT=8080

Commands:
  serve        Start the policy and management servers
  stop         Stop the running server
  init-config  Write a default config file
  hash-key     Hash an admin API key with argon2id
  version      Print version information`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./postfixer.yaml)")
	rootCmd.PersistentFlags().StringVar(&pidFile, "pid-file", "", "PID file path (default: ./postfixer.pid)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
