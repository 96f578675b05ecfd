// Package cmd provides the CLI commands for dproxy.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dproxy-io/dproxy/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dproxy",
	Short: "dproxy - intercepting proxy for mobile API traffic",
	Long: `dproxy is an intercepting HTTP(S) forward proxy for mobile API traffic.

It decrypts traffic for configured domains with an on-the-fly certificate
authority and runs in one of three modes: passthrough forwards traffic
unchanged, recording captures request/response pairs, and replay serves
recorded responses without contacting upstream.

Quick start:
  1. Run: dproxy start
  2. Install the CA on the device: dproxy trust-ca
  3. Point the device's proxy settings at this host

Configuration:
  Config is loaded from dproxy.yaml in the current directory,
  $HOME/.dproxy/, or /etc/dproxy/.

  Environment variables override config values with the DPROXY_ prefix.
  Example: DPROXY_SERVER_PORT=9090

Commands:
  start       Start the proxy server
  trust-ca    Add/remove the CA certificate to the OS trust store
  hash-token  Generate a hash for the admin API token
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./dproxy.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
