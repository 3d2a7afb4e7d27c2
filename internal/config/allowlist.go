package config

import (
	"path/filepath"
	"sort"
	"strings"
)

// Allowlist is the immutable set of executable names a process may run.
// Build it once at startup and pass it by value.
type Allowlist struct {
	names map[string]struct{}
}

// NewAllowlist builds an Allowlist from executable names. Blank entries are ignored.
func NewAllowlist(names []string) Allowlist {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		m[n] = struct{}{}
	}
	return Allowlist{names: m}
}

// Permits reports whether argv[0] names an allowed executable. Path-qualified
// executables ("/usr/bin/git", "./git") are refused so that the check cannot
// be sidestepped by pointing at a different binary with an allowed basename.
func (a Allowlist) Permits(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	name := argv[0]
	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		return false
	}
	_, ok := a.names[name]
	return ok
}

// Names returns the allowed names in sorted order.
func (a Allowlist) Names() []string {
	out := make([]string, 0, len(a.names))
	for n := range a.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of allowed executables.
func (a Allowlist) Len() int { return len(a.names) }

// BuildAllowlist returns the configured allowlist, falling back to DefaultAllowlist.
func (c *Config) BuildAllowlist() Allowlist {
	if len(c.Allowlist) == 0 {
		return NewAllowlist(DefaultAllowlist)
	}
	return NewAllowlist(c.Allowlist)
}
