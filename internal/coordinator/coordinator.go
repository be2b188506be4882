// Package coordinator wires the hot-reload core together: the
// watcher/router loop that classifies filesystem changes, and the listener
// loop that accepts client connections, replays current template state,
// and keeps every client consistent through the connection registry.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rekindle-dev/rekindle/internal/engine"
	"github.com/rekindle-dev/rekindle/internal/ignore"
	"github.com/rekindle-dev/rekindle/internal/logging"
	"github.com/rekindle-dev/rekindle/internal/registry"
	"github.com/rekindle-dev/rekindle/internal/watcher"
	"github.com/rekindle-dev/rekindle/pkg/protocol"
)

// acceptPollInterval bounds how late the listener loop observes the abort
// flag.
const acceptPollInterval = 10 * time.Millisecond

// DefaultHotExtensions lists extensions whose changes can be hot-applied
// through the diff engine. Everything else in the eligible set forces a
// rebuild.
var DefaultHotExtensions = []string{".templ"}

// Options configures a Coordinator. Immutable after New; created once at
// startup.
type Options struct {
	// Root is the project root directory.
	Root string
	// WatchPaths are subpaths (relative to Root) to watch recursively.
	// Defaults to the root itself.
	WatchPaths []string
	// ExcludedPaths are subpaths whose changes are never evaluated.
	// Exclusion wins over inclusion on overlap. Defaults to "target".
	ExcludedPaths []string
	// Extensions is the hot-reload-eligible extension set
	// (watcher.DefaultExtensions when empty).
	Extensions []string
	// HotExtensions are the extensions routed through the diff engine;
	// other eligible extensions trigger a rebuild directly.
	HotExtensions []string
	// SocketPath overrides the well-known transport path.
	SocketPath string
	// Engine classifies changes. Defaults to the reference FileMap engine
	// preloaded from Root.
	Engine engine.DiffEngine
	// Strategy performs rebuilds. Nil means logging-only: a rebuild
	// terminates the session.
	Strategy RebuildStrategy
	// Logger receives coordinator logs; nil discards them.
	Logger logging.Logger
}

// Coordinator runs the two worker loops and owns their shared state: the
// connection registry, the diff engine, and the abort flag. Each shared
// resource has its own synchronization; no operation holds two locks
// except replay, which nests a brief engine read-lock inside the registry
// lock (one-directional, so no inversion).
type Coordinator struct {
	root     string
	hot      map[string]bool
	socket   string
	eng      engine.DiffEngine
	strategy RebuildStrategy
	reg      *registry.Registry
	abort    AbortFlag
	fw       *watcher.FileWatcher
	log      logging.Logger

	listener *net.UnixListener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New validates options and builds a coordinator. The watcher is created
// but nothing runs until Start.
func New(opts Options) (*Coordinator, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}

	hotExts := opts.HotExtensions
	if len(hotExts) == 0 {
		hotExts = DefaultHotExtensions
	}
	hot := make(map[string]bool, len(hotExts))
	for _, e := range hotExts {
		hot[e] = true
	}

	eng := opts.Engine
	if eng == nil {
		fm := engine.NewFileMap(hotExts)
		if perr := fm.Preload(root); perr != nil {
			log.Warn(context.Background(), perr, "partial baseline preload")
		}
		eng = fm
	}

	excluded := opts.ExcludedPaths
	if excluded == nil {
		excluded = []string{"target"}
	}
	filter := watcher.NewPathFilter(root, opts.Extensions, excluded, ignore.Load(root))

	fw, err := watcher.NewFileWatcher(filter, log)
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	socket := opts.SocketPath
	if socket == "" {
		socket = protocol.DefaultSocketPath()
	}

	c := &Coordinator{
		root:     root,
		hot:      hot,
		socket:   socket,
		eng:      eng,
		strategy: opts.Strategy,
		reg:      registry.New(log),
		fw:       fw,
		log:      log.WithComponent("coordinator"),
	}

	paths := opts.WatchPaths
	if len(paths) == 0 {
		paths = []string{""}
	}
	for _, sub := range paths {
		full := filepath.Join(root, sub)
		if werr := fw.AddRecursive(full); werr != nil {
			// Partial watch failure is tolerated, not fatal.
			c.log.Warn(context.Background(), werr, "failed to watch path", "path", full)
		}
	}

	return c, nil
}

// Start binds the transport and launches both worker loops. A bind failure
// is returned without side effects so the host process can continue
// without hot reload.
func (c *Coordinator) Start(ctx context.Context) error {
	listener, err := bindSocket(c.socket)
	if err != nil {
		c.fw.Close()
		return fmt.Errorf("binding %s: %w", c.socket, err)
	}
	c.listener = listener

	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.acceptLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.fw.Run(ctx, c.handleBatch)
	}()

	c.log.Info(ctx, "hot reload coordinator started", "socket", c.socket, "root", c.root)
	return nil
}

// bindSocket listens on a unix domain socket, clearing a stale socket file
// left behind by a crashed coordinator when nothing answers on it.
func bindSocket(path string) (*net.UnixListener, error) {
	addr := &net.UnixAddr{Name: path, Net: "unix"}
	listener, err := net.ListenUnix("unix", addr)
	if err == nil {
		return listener, nil
	}

	if conn, derr := net.Dial("unix", path); derr == nil {
		conn.Close()
		return nil, err // a live coordinator holds the socket
	}
	if rerr := os.Remove(path); rerr != nil {
		return nil, err
	}
	return net.ListenUnix("unix", addr)
}

// Stop requests termination, stops both loops, and closes every client
// connection. The socket file is removed only when this instance bound
// it; after a failed Start the path may belong to a live coordinator in
// another process.
func (c *Coordinator) Stop() {
	c.abort.Set()
	if c.cancel != nil {
		c.cancel()
	}
	c.fw.Close()
	if c.listener != nil {
		c.listener.Close()
	}
	c.wg.Wait()
	c.reg.CloseAll()
	if c.listener != nil {
		os.Remove(c.socket)
	}
}

// Wait blocks until both worker loops have exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Aborted reports whether the session reached the terminated state.
func (c *Coordinator) Aborted() bool {
	return c.abort.Aborted()
}

// Clients returns the number of currently registered client connections.
func (c *Coordinator) Clients() int {
	return c.reg.Len()
}

// acceptLoop is the listener worker: poll for connections, replay state to
// each new client, register it. Checks the abort flag once per poll
// iteration, so termination is observed at most one interval late.
func (c *Coordinator) acceptLoop() {
	for !c.abort.Aborted() {
		c.listener.SetDeadline(time.Now().Add(acceptPollInterval))
		conn, err := c.listener.Accept()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.log.Debug(context.Background(), "accept failed", "error", err.Error())
			continue
		}
		// A client that cannot receive its snapshot is not tracked; the
		// registry closes it on replay failure.
		c.RegisterClient(conn)
	}
}

// RegisterClient replays the engine's current template snapshot to conn
// and registers it for broadcasts. Used by the listener loop and by the
// WebSocket bridge, so both client kinds get identical replay semantics.
func (c *Coordinator) RegisterClient(conn registry.Conn) (string, error) {
	return c.reg.Register(conn, func(w io.Writer) error {
		for _, t := range c.eng.Snapshot() {
			line, err := protocol.Encode(protocol.NewUpdate(t.Payload))
			if err != nil {
				continue // drop the one message, replay the rest
			}
			if _, err := w.Write(line); err != nil {
				return err
			}
		}
		return nil
	})
}

// handleBatch is the router: evaluate one debounced batch of relevant
// paths, in order. Updates are collected and broadcast only if the whole
// batch evaluates clean; a non-hot-reloadable path or a NeedsRebuild
// result discards the collected updates and takes the rebuild path, so a
// rebuilding batch emits no template updates. Returns false once the
// session is terminated.
//
// The whole evaluate-then-send span runs inside one registry-exclusive
// section. Engine state mutates as paths are evaluated, so a client
// registering mid-batch would otherwise be replayed a template the batch
// is about to broadcast again. The engine lock still nests inside the
// registry lock only, same direction as replay.
func (c *Coordinator) handleBatch(paths []string) bool {
	if c.abort.Aborted() {
		return false
	}
	ctx := context.Background()

	alive := true
	c.reg.Exclusive(func(send func(protocol.Message)) {
		var updates []engine.Template
		needsRebuild := false
		for _, p := range paths {
			if !c.hot[filepath.Ext(p)] {
				c.log.Info(ctx, "change cannot be hot-applied", "path", p)
				needsRebuild = true
				break
			}

			res, err := c.eng.Update(p, c.root)
			if err != nil {
				c.log.Warn(ctx, err, "diff engine failed", "path", p)
				continue
			}
			if res.NeedsRebuild {
				c.log.Info(ctx, "structural change detected", "path", p)
				needsRebuild = true
				break
			}
			updates = append(updates, res.Updated...)
		}

		if needsRebuild {
			alive = !c.rebuild(ctx, send)
			return
		}

		for _, t := range updates {
			send(protocol.NewUpdate(t.Payload))
		}
		if len(updates) > 0 {
			c.log.Debug(ctx, "broadcast template updates", "count", len(updates))
		}
	})
	return alive
}

// rebuild runs the rebuild path: live template state is invalid either
// way, so Shutdown goes out to every registered client before the strategy
// runs. Reports whether the session terminates.
func (c *Coordinator) rebuild(ctx context.Context, send func(protocol.Message)) (terminate bool) {
	send(protocol.NewShutdown())

	if c.strategy == nil {
		c.log.Warn(ctx, nil, "rebuild needed but no strategy configured; stopping hot reload")
		c.abort.Set()
		return true
	}

	c.log.Info(ctx, "rebuilding the application")
	if c.strategy.Rebuild(ctx) {
		c.abort.Set()
		return true
	}
	return false
}
