// Package hotreload is the embeddable surface of the coordinator: a host
// application calls Init during development to start watching its own
// source tree, and client processes call Connect to receive template
// patches.
//
// Both sides are best-effort development aids. Init never fails the host
// process: if the transport cannot be bound (usually because another
// coordinator is running), the host continues without hot reload.
package hotreload

import (
	"context"
	"os"

	"github.com/rekindle-dev/rekindle/internal/coordinator"
	"github.com/rekindle-dev/rekindle/internal/logging"
	"github.com/rekindle-dev/rekindle/pkg/protocol"
)

// Config configures an embedded coordinator. The zero value of NewConfig
// watches the current directory, excludes ./target, and logs verbosely.
type Config struct {
	rootPath      string
	watchPaths    []string
	excludedPaths []string
	log           bool
	strategy      coordinator.RebuildStrategy
}

// NewConfig returns the default embedding configuration.
func NewConfig() Config {
	return Config{
		rootPath:      "",
		watchPaths:    []string{""},
		excludedPaths: []string{"target"},
		log:           true,
	}
}

// Root sets the project root (where the module's go.mod lives).
func (c Config) Root(path string) Config {
	c.rootPath = path
	return c
}

// WithLogging sets whether the coordinator logs.
func (c Config) WithLogging(log bool) Config {
	c.log = log
	return c
}

// WithPaths sets the subpaths to watch for changes. Directories are
// watched recursively.
func (c Config) WithPaths(paths ...string) Config {
	c.watchPaths = paths
	return c
}

// ExcludedPaths sets subpaths to ignore changes on. Exclusion overrides
// watched paths on overlap.
func (c Config) ExcludedPaths(paths ...string) Config {
	c.excludedPaths = paths
	return c
}

// WithRebuildCommand sets the command to spawn when the project needs a
// rebuild, for example "go run ." to restart the application.
func (c Config) WithRebuildCommand(command string) Config {
	c.strategy = coordinator.NewShellCommand(command, newLogger(c.log))
	return c
}

// WithRebuildCallback sets a callback invoked when the project needs a
// rebuild; it returns whether the coordinator should shut down.
func (c Config) WithRebuildCallback(callback func() bool) Config {
	c.strategy = coordinator.Callback(callback)
	return c
}

// Init starts the hot-reload coordinator inside the host process. Failures
// are logged and swallowed: hot reload degrades, the host is unaffected.
func Init(cfg Config) {
	log := newLogger(cfg.log)

	coord, err := coordinator.New(coordinator.Options{
		Root:          cfg.rootPath,
		WatchPaths:    cfg.watchPaths,
		ExcludedPaths: cfg.excludedPaths,
		Strategy:      cfg.strategy,
		Logger:        log,
	})
	if err != nil {
		log.Warn(context.Background(), err, "hot reload unavailable")
		return
	}

	if err := coord.Start(context.Background()); err != nil {
		log.Debug(context.Background(), "hot reload transport unavailable", "error", err.Error())
	}
}

// Connect attaches this process to a running coordinator. The handler is
// called for every received message, in receive order, from a background
// goroutine. If no coordinator is listening, Connect is a silent no-op.
func Connect(handler func(protocol.Message)) {
	go func() {
		conn, err := protocol.Dial("")
		if err != nil {
			return
		}
		defer conn.Close()
		protocol.ReadMessages(conn, handler)
	}()
}

func newLogger(enabled bool) logging.Logger {
	if !enabled {
		return logging.Nop()
	}
	return logging.NewLogger(&logging.Config{
		Level:  logging.LevelDebug,
		Format: "text",
		Output: os.Stderr,
	})
}
