package coordinator

import (
	"context"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/rekindle-dev/rekindle/internal/logging"
)

// AbortFlag is the process-wide termination signal, false at startup and
// settable to true exactly once (setting it again is a no-op). Both worker
// loops check it cooperatively.
type AbortFlag struct {
	v atomic.Bool
}

// Set marks the session terminated. Idempotent.
func (a *AbortFlag) Set() {
	a.v.Store(true)
}

// Aborted reports whether termination was requested. Once true it stays
// true.
func (a *AbortFlag) Aborted() bool {
	return a.v.Load()
}

// RebuildStrategy is invoked when a change cannot be hot-applied. It
// attempts the rebuild and reports whether the coordinator session should
// terminate (true when a fresh process will replace the current one).
type RebuildStrategy interface {
	Rebuild(ctx context.Context) (terminate bool)
}

// Callback adapts a plain function into a RebuildStrategy.
type Callback func() bool

// Rebuild implements RebuildStrategy.
func (f Callback) Rebuild(context.Context) bool {
	return f()
}

// ShellCommand rebuilds by spawning a command (for example "go run .").
// The command is started and left to run; the coordinator terminates so
// the restarted application can bind the socket.
type ShellCommand struct {
	Command string
	log     logging.Logger
}

// NewShellCommand creates a shell-command rebuild strategy.
func NewShellCommand(command string, log logging.Logger) *ShellCommand {
	if log == nil {
		log = logging.Nop()
	}
	return &ShellCommand{Command: command, log: log.WithComponent("rebuild")}
}

// Rebuild implements RebuildStrategy.
func (s *ShellCommand) Rebuild(ctx context.Context) bool {
	parts := strings.Fields(s.Command)
	if len(parts) == 0 {
		s.log.Warn(ctx, nil, "empty rebuild command, terminating session")
		return true
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	if err := cmd.Start(); err != nil {
		s.log.Error(ctx, err, "failed to spawn rebuild command", "command", s.Command)
		return true
	}
	go cmd.Wait() // reap; the rebuilt process outlives this session

	s.log.Info(ctx, "rebuild command spawned", "command", s.Command, "pid", cmd.Process.Pid)
	return true
}
