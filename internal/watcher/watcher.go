// Package watcher turns OS filesystem notifications into filtered,
// debounced batches of changed paths for the change router.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rekindle-dev/rekindle/internal/logging"
)

// settleDelay is how long the watcher waits after a batch filters
// non-empty before handing it to the router, so the router never reads a
// half-written file.
const settleDelay = 10 * time.Millisecond

// debounceGate is the coarse time-window gate: a batch is only evaluated
// when the current time strictly exceeds the last-action timestamp at
// second granularity. Bursts within one second collapse into a single
// evaluation; events arriving while the gate is closed are skipped, and
// the next event past the boundary re-reads the files.
type debounceGate struct {
	last int64
	now  func() time.Time
}

func (g *debounceGate) open() bool {
	return g.now().Unix() > g.last
}

func (g *debounceGate) stamp() {
	g.last = g.now().Unix()
}

// BatchHandler evaluates one batch of relevant paths. Returning false
// stops the watch loop (the router observed the abort flag).
type BatchHandler func(paths []string) bool

// FileWatcher watches the configured subpaths and drives the router loop.
type FileWatcher struct {
	fsw    *fsnotify.Watcher
	filter *PathFilter
	gate   debounceGate
	settle time.Duration
	log    logging.Logger
}

// NewFileWatcher creates a watcher using filter to decide relevance.
func NewFileWatcher(filter *PathFilter, log logging.Logger) (*FileWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}
	return &FileWatcher{
		fsw:    fsw,
		filter: filter,
		gate:   debounceGate{now: time.Now},
		settle: settleDelay,
		log:    log.WithComponent("watcher"),
	}, nil
}

// AddRecursive registers root and every directory under it. Registration
// failures on individual directories are logged and skipped; the rest of
// the tree keeps being watched.
func (fw *FileWatcher) AddRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if werr := fw.fsw.Add(path); werr != nil {
			fw.log.Warn(context.Background(), werr, "failed to watch directory", "path", path)
		}
		return nil
	})
}

// Close stops the underlying OS watcher.
func (fw *FileWatcher) Close() error {
	return fw.fsw.Close()
}

// Run consumes filesystem events until ctx is cancelled, the event source
// closes, or the handler reports stop. This is the watcher half of the
// watcher/router loop: gate, coalesce, filter, settle, then hand off.
func (fw *FileWatcher) Run(ctx context.Context, handler BatchHandler) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fw.fsw.Events:
			if !ok {
				return
			}
			fw.trackCreatedDirs(ev)
			if !fw.gate.open() {
				continue
			}

			batch := fw.coalesce(ev)
			relevant := batch[:0]
			for _, p := range batch {
				if fw.filter.Relevant(p) {
					relevant = append(relevant, p)
				}
			}

			// The gate stamps only after an evaluated batch: an event burst
			// that filters to nothing must not gate out a relevant edit
			// arriving within the same second.
			if len(relevant) > 0 {
				time.Sleep(fw.settle)
				done := !handler(relevant)
				fw.gate.stamp()
				if done {
					return
				}
			}

		case err, ok := <-fw.fsw.Errors:
			if !ok {
				return
			}
			fw.log.Warn(ctx, err, "filesystem watch error")
		}
	}
}

// coalesce folds the triggering event together with any events already
// queued, deduplicating paths while preserving first-seen order.
func (fw *FileWatcher) coalesce(first fsnotify.Event) []string {
	seen := map[string]bool{first.Name: true}
	batch := []string{first.Name}
	for {
		select {
		case ev, ok := <-fw.fsw.Events:
			if !ok {
				return batch
			}
			fw.trackCreatedDirs(ev)
			if !seen[ev.Name] {
				seen[ev.Name] = true
				batch = append(batch, ev.Name)
			}
		default:
			return batch
		}
	}
}

// trackCreatedDirs keeps recursive watching alive when new directories
// appear under a watched subtree.
func (fw *FileWatcher) trackCreatedDirs(ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Create) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil || !info.IsDir() {
		return
	}
	if err := fw.AddRecursive(ev.Name); err != nil {
		fw.log.Warn(context.Background(), err, "failed to watch new directory", "path", ev.Name)
	}
}
