// Package cmd provides the command-line interface for the rekindle
// hot-reload coordinator.
//
// Configuration precedence (highest to lowest):
//  1. Command-line flags (--command, --verbose, ...)
//  2. Environment variables with the REKINDLE_ prefix
//     (REKINDLE_REBUILD_COMMAND, REKINDLE_BRIDGE_ADDR, ...)
//  3. The .rekindle.yml configuration file
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rekindle",
	Short: "Hot-reload coordinator for template-driven applications",
	Long: `Rekindle watches a project's source tree and keeps running application
processes up to date without a full rebuild: template edits are pushed to
every connected client as live patches, and changes that cannot be
hot-applied trigger a rebuild and tell clients to reconnect.

Quick Start:
  rekindle init                   Write a default .rekindle.yml
  rekindle watch                  Run the coordinator
  rekindle serve                  Run the coordinator with the browser bridge
  rekindle version                Print version information`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .rekindle.yml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", true, "verbose output")
	viper.BindPFlag("log.verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig locates and reads the configuration file and enables
// REKINDLE_-prefixed environment overrides.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("REKINDLE_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".rekindle")
	}

	viper.SetEnvPrefix("REKINDLE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing or malformed config file degrades to defaults.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
