package engine

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// block is one named template block inside a file. The signature is the
// declaration line; a signature change cannot be hot-applied.
type block struct {
	signature string
	bodyHash  string
	source    string
}

// fileState is the last parsed form of one file: its template blocks in
// file order and a hash of everything outside them.
type fileState struct {
	blocks     map[string]block
	names      []string
	structHash string
}

// templatePayload is the wire payload the reference engine emits. Clients
// of a different engine see whatever that engine chooses to emit instead.
type templatePayload struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Source string `json:"source"`
}

// FileMap is the reference DiffEngine. It keeps a baseline parse of every
// template file and, on update, classifies the edit: body-only changes
// produce template updates, anything structural (signatures, block
// add/remove, surrounding code) requires a rebuild.
//
// All state is guarded by a single RWMutex; no method holds the lock
// across file I/O on another file.
type FileMap struct {
	mu    sync.RWMutex
	files map[string]fileState

	// changed templates in first-seen order, for replay
	order   []string
	changed map[string]Template

	hotExts map[string]bool
}

// NewFileMap creates an empty file map tracking files with the given
// extensions (defaults to .templ).
func NewFileMap(hotExts []string) *FileMap {
	if len(hotExts) == 0 {
		hotExts = []string{".templ"}
	}
	m := make(map[string]bool, len(hotExts))
	for _, e := range hotExts {
		m[e] = true
	}
	return &FileMap{
		files:   make(map[string]fileState),
		changed: make(map[string]Template),
		hotExts: m,
	}
}

// Preload parses every tracked file under root so that the first edit is
// diffed against the on-disk baseline instead of being treated as new.
// Walk errors are returned but leave already-parsed files in place.
func (fm *FileMap) Preload(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !fm.hotExts[filepath.Ext(path)] {
			return nil
		}
		state, perr := parseFile(path)
		if perr != nil {
			return nil // unreadable files are picked up on first change
		}
		fm.mu.Lock()
		fm.files[path] = state
		fm.mu.Unlock()
		return nil
	})
}

// Update re-reads path and classifies the change against the baseline.
func (fm *FileMap) Update(path, root string) (Result, error) {
	if !fm.hotExts[filepath.Ext(path)] {
		return Result{NeedsRebuild: true}, nil
	}

	state, err := parseFile(path)
	if err != nil {
		// Read or parse failure: no relevant change (spec'd engine policy).
		return Result{}, nil
	}

	rel := path
	if r, rerr := filepath.Rel(root, path); rerr == nil {
		rel = filepath.ToSlash(r)
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	prev, known := fm.files[path]
	fm.files[path] = state

	if !known {
		// A file the baseline never saw introduces new template identities.
		return Result{NeedsRebuild: true}, nil
	}
	if state.structHash != prev.structHash || len(state.blocks) != len(prev.blocks) {
		return Result{NeedsRebuild: true}, nil
	}

	var updated []Template
	for _, name := range state.names {
		b := state.blocks[name]
		old, ok := prev.blocks[name]
		if !ok || old.signature != b.signature {
			return Result{NeedsRebuild: true}, nil
		}
		if old.bodyHash == b.bodyHash {
			continue
		}

		payload, merr := json.Marshal(templatePayload{
			Name:   name,
			Path:   rel,
			Source: b.source,
		})
		if merr != nil {
			continue
		}
		t := Template{ID: rel + "#" + name, Payload: payload}
		if _, seen := fm.changed[t.ID]; !seen {
			fm.order = append(fm.order, t.ID)
		}
		fm.changed[t.ID] = t
		updated = append(updated, t)
	}

	return Result{Updated: updated}, nil
}

// Snapshot returns every changed template in insertion order.
func (fm *FileMap) Snapshot() []Template {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	out := make([]Template, 0, len(fm.order))
	for _, id := range fm.order {
		out = append(out, fm.changed[id])
	}
	return out
}

// parseFile splits a template file into named blocks and surrounding
// structure. A block starts with a column-zero "templ Name(...) {" line and
// ends at the matching column-zero "}".
func parseFile(path string) (fileState, error) {
	f, err := os.Open(path)
	if err != nil {
		return fileState{}, err
	}
	defer f.Close()

	state := fileState{blocks: make(map[string]block)}
	structure := sha256.New()

	var (
		inBlock   bool
		name      string
		signature string
		body      strings.Builder
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if !inBlock {
			if n, ok := blockHeader(line); ok {
				inBlock = true
				name = n
				signature = strings.TrimSpace(line)
				body.Reset()
				continue
			}
			structure.Write([]byte(line))
			structure.Write([]byte{'\n'})
			continue
		}

		if line == "}" {
			src := body.String()
			if _, exists := state.blocks[name]; !exists {
				state.names = append(state.names, name)
			}
			state.blocks[name] = block{
				signature: signature,
				bodyHash:  hashString(src),
				source:    src,
			}
			inBlock = false
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return fileState{}, err
	}
	if inBlock {
		return fileState{}, fmt.Errorf("%s: unterminated template block %q", path, name)
	}

	state.structHash = hex.EncodeToString(structure.Sum(nil))
	return state, nil
}

// blockHeader matches "templ Name(...) {" and returns the block name.
func blockHeader(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, "templ ")
	if !ok {
		return "", false
	}
	if !strings.HasSuffix(strings.TrimSpace(line), "{") {
		return "", false
	}
	open := strings.IndexByte(rest, '(')
	if open <= 0 {
		return "", false
	}
	name := strings.TrimSpace(rest[:open])
	if name == "" || strings.ContainsAny(name, " \t") {
		return "", false
	}
	return name, true
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
