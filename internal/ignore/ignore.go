// Package ignore implements gitignore-style path matching for the watcher.
// Rules are loaded from the project's .gitignore and matched as doublestar
// globs against slash-normalized paths relative to the project root. The
// matcher is a pure additional filter: it only ever excludes paths, never
// re-includes something outside the watched set.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// rule is one parsed ignore pattern. dirOnly rules (trailing slash) match
// the directory itself and everything under it.
type rule struct {
	glob    string
	negate  bool
	dirOnly bool
}

// Matcher holds the ignore rules for one project root.
type Matcher struct {
	root  string
	rules []rule
}

// Load reads .gitignore from root. A missing or unreadable file yields an
// empty matcher that ignores nothing.
func Load(root string) *Matcher {
	m := &Matcher{root: root}

	f, err := os.Open(filepath.Join(root, ".gitignore"))
	if err != nil {
		return m
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m.addPattern(scanner.Text())
	}
	return m
}

// NewMatcher builds a matcher from explicit gitignore-style patterns.
func NewMatcher(root string, patterns []string) *Matcher {
	m := &Matcher{root: root}
	for _, p := range patterns {
		m.addPattern(p)
	}
	return m
}

func (m *Matcher) addPattern(line string) {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	r := rule{}
	if strings.HasPrefix(line, "!") {
		r.negate = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}

	// A pattern without a slash matches at any depth; a slashed pattern is
	// anchored at the root.
	anchored := strings.Contains(line, "/")
	line = strings.TrimPrefix(line, "/")
	if line == "" {
		return
	}
	if !anchored {
		line = "**/" + line
	}

	r.glob = line
	m.rules = append(m.rules, r)
}

// Match reports whether path (absolute or root-relative) is ignored. The
// last matching rule wins, mirroring gitignore semantics.
func (m *Matcher) Match(path string) bool {
	if len(m.rules) == 0 {
		return false
	}

	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(m.root, path)
		if err != nil || strings.HasPrefix(r, "..") {
			return false
		}
		rel = r
	}
	rel = filepath.ToSlash(filepath.Clean(rel))
	if rel == "." {
		return false
	}

	ignored := false
	for _, r := range m.rules {
		if m.ruleMatches(r, rel) {
			ignored = !r.negate
		}
	}
	return ignored
}

// ruleMatches checks the path itself and, for containment, the pattern
// applied to any leading directory of the path.
func (m *Matcher) ruleMatches(r rule, rel string) bool {
	if ok, err := doublestar.Match(r.glob, rel); err == nil && ok {
		if !r.dirOnly {
			return true
		}
		// A dirOnly rule names a directory; a plain file that happens to
		// share the name stays unmatched.
		info, serr := os.Stat(filepath.Join(m.root, filepath.FromSlash(rel)))
		return serr == nil && info.IsDir()
	}
	// Anything under a matched directory is ignored too.
	if ok, err := doublestar.Match(r.glob+"/**", rel); err == nil && ok {
		return true
	}
	return false
}
