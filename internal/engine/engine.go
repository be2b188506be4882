// Package engine defines the diff-engine contract the coordinator routes
// changes through, plus a reference implementation that tracks named
// template blocks per file.
//
// The coordinator treats templates as opaque identified payloads: it never
// inspects Payload, only forwards it. Any engine satisfying DiffEngine can
// be plugged into the coordinator.
package engine

import "encoding/json"

// Template is an opaque serializable payload with a stable identity. The
// identity determines replacement on re-update and ordering on replay.
type Template struct {
	ID      string
	Payload json.RawMessage
}

// Result is the outcome of evaluating one changed path.
//
// Exactly one of the three shapes applies: NeedsRebuild true (rebuild
// required, Updated empty), Updated non-empty (hot-applicable template
// updates), or both zero (no relevant change).
type Result struct {
	Updated      []Template
	NeedsRebuild bool
}

// DiffEngine maps a changed file to template updates or a rebuild
// requirement, and exposes the currently-known template set for replay.
type DiffEngine interface {
	// Update inspects path (relative to root) and classifies the change.
	// Read or parse failures are the engine's to absorb: unless it
	// explicitly signals a rebuild, a failed read is "no relevant change".
	Update(path, root string) (Result, error)

	// Snapshot returns every template known to have changed so far, in
	// first-seen insertion order. Re-updates replace payloads in place
	// without reordering.
	Snapshot() []Template
}
