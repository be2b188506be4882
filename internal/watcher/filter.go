package watcher

import (
	"path/filepath"
	"strings"

	"github.com/rekindle-dev/rekindle/internal/ignore"
)

// DefaultExtensions is the hot-reload-eligible extension set: template,
// source, markup, style, script, and manifest files. Changes to anything
// else never reach the router.
var DefaultExtensions = []string{
	".templ", ".go", ".html", ".css", ".js", ".mod", ".toml", ".yaml", ".yml",
}

// PathFilter decides whether a changed filesystem path is relevant: its
// extension must be in the eligible set, it must not sit under an excluded
// subpath, and it must not be matched by the project's ignore rules.
// Exclusion always wins over inclusion on overlap; ignore rules are a pure
// additional filter.
type PathFilter struct {
	root     string
	eligible map[string]bool
	excluded []string
	matcher  *ignore.Matcher
}

// NewPathFilter builds a filter rooted at root. Excluded entries are
// interpreted relative to root; extensions fall back to DefaultExtensions
// when empty. A nil matcher disables ignore-rule filtering.
func NewPathFilter(root string, extensions, excluded []string, matcher *ignore.Matcher) *PathFilter {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	eligible := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		eligible[ext] = true
	}

	prefixes := make([]string, 0, len(excluded))
	for _, sub := range excluded {
		if sub == "" {
			continue
		}
		p := sub
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		prefixes = append(prefixes, filepath.Clean(p))
	}

	return &PathFilter{
		root:     filepath.Clean(root),
		eligible: eligible,
		excluded: prefixes,
		matcher:  matcher,
	}
}

// Relevant reports whether path should be evaluated by the router.
func (f *PathFilter) Relevant(path string) bool {
	if !f.eligible[filepath.Ext(path)] {
		return false
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(f.root, abs)
	}
	abs = filepath.Clean(abs)

	for _, prefix := range f.excluded {
		if underPath(abs, prefix) {
			return false
		}
	}

	if f.matcher != nil && f.matcher.Match(abs) {
		return false
	}
	return true
}

// underPath reports whether path is prefix itself or inside it.
func underPath(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}
