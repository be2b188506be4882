package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator with the browser reload bridge",
	Long: `Run the coordinator and additionally serve a WebSocket endpoint that
mirrors the reload stream to browser clients. Browser pages connect to
ws://<addr>/ws and receive the same snapshot replay and live messages as
socket clients.

Examples:
  rekindle serve                          # Bridge on 127.0.0.1:7331
  rekindle serve --addr 127.0.0.1:9000    # Custom bridge address`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "bridge listen address (host:port)")
	serveCmd.Flags().StringP("command", "c", "", "command to spawn when a rebuild is needed")
	addFlagValidation(serveCmd, "addr", validateHostPort)
	viper.BindPFlag("bridge.addr", serveCmd.Flags().Lookup("addr"))
	viper.BindPFlag("rebuild.command", serveCmd.Flags().Lookup("command"))
}

func runServe(cmd *cobra.Command, args []string) error {
	return runCoordinator(true)
}
