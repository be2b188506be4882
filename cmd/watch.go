package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rekindle-dev/rekindle/internal/bridge"
	"github.com/rekindle-dev/rekindle/internal/config"
	"github.com/rekindle-dev/rekindle/internal/coordinator"
	"github.com/rekindle-dev/rekindle/internal/logging"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the hot-reload coordinator",
	Long: `Run the coordinator: watch the project tree, push template patches to
connected clients, and trigger a rebuild when a change cannot be
hot-applied.

Examples:
  rekindle watch                       # Watch the project root
  rekindle watch --command "go run ."  # Restart the app on rebuild
  rekindle watch --root ./app          # Watch a different project root`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringP("root", "r", "", "project root directory")
	watchCmd.Flags().StringP("command", "c", "", "command to spawn when a rebuild is needed")
	watchCmd.Flags().String("socket", "", "override the coordinator socket path")
	viper.BindPFlag("root", watchCmd.Flags().Lookup("root"))
	viper.BindPFlag("rebuild.command", watchCmd.Flags().Lookup("command"))
	viper.BindPFlag("socket", watchCmd.Flags().Lookup("socket"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	return runCoordinator(false)
}

// runCoordinator builds the coordinator from the loaded configuration and
// blocks until interrupted or the session terminates.
func runCoordinator(withBridge bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := newLogger(cfg)

	var strategy coordinator.RebuildStrategy
	if cfg.Rebuild.Command != "" {
		strategy = coordinator.NewShellCommand(cfg.Rebuild.Command, log)
	}

	coord, err := coordinator.New(coordinator.Options{
		Root:          cfg.Root,
		WatchPaths:    cfg.Watch.Paths,
		ExcludedPaths: cfg.Watch.Exclude,
		Extensions:    cfg.Watch.Extensions,
		HotExtensions: cfg.Watch.HotExtensions,
		SocketPath:    cfg.Socket,
		Strategy:      strategy,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		// Best-effort dev aid: another coordinator may hold the socket.
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	defer coord.Stop()

	if withBridge || cfg.Bridge.Enabled {
		br := bridge.New(cfg.Bridge.Addr, coord.RegisterClient, log)
		br.Start()
		defer br.Stop()
	}

	fmt.Println("Watching for changes... (Press Ctrl+C to stop)")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		coord.Wait()
		close(done)
	}()

	select {
	case <-sigChan:
		fmt.Println("\nStopping coordinator...")
	case <-done:
		fmt.Println("Session terminated, rebuild in progress.")
	}
	return nil
}

func newLogger(cfg *config.Config) logging.Logger {
	level := logging.LevelInfo
	if cfg.Log.Verbose {
		level = logging.LevelDebug
	}
	return logging.NewLogger(&logging.Config{
		Level:  level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
}
