package access

import (
	"path/filepath"
	"strings"

	"github.com/jkaninda/toolgate/internal/pathguard"
	"github.com/jkaninda/toolgate/internal/security"
)

// MatchPattern performs glob-style matching of a pattern against a value.
// "*" matches any sequence of characters, including separators.
// Iterative with single-star backtracking, so it stays linear-ish on
// patterns with many wildcards.
func MatchPattern(pattern, value string) bool {
	pi, vi := 0, 0
	starIdx, matchIdx := -1, 0

	for vi < len(value) {
		switch {
		case pi < len(pattern) && pattern[pi] == '*':
			starIdx = pi
			matchIdx = vi
			pi++
		case pi < len(pattern) && pattern[pi] == value[vi]:
			pi++
			vi++
		case starIdx != -1:
			pi = starIdx + 1
			matchIdx++
			vi = matchIdx
		default:
			return false
		}
	}

	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// MatchPath reports whether a file permission pattern covers path.
//
//	"*"          any path
//	/dir         /dir and everything below it (component-wise)
//	/dir/**      same as /dir
//	/dir/*.log   glob, "*" may cross separators
func MatchPath(pattern, path string) bool {
	if pattern == "*" {
		return true
	}
	if base, ok := strings.CutSuffix(pattern, "/**"); ok && !strings.Contains(base, "*") {
		if base == "" {
			base = "/"
		}
		return pathguard.Within(path, base)
	}
	if strings.Contains(pattern, "*") {
		return MatchPattern(pattern, filepath.Clean(path))
	}
	return pathguard.Within(path, pattern)
}

// Covers reports whether a granted pattern includes every value a
// requested pattern could match. Used to narrow caller-supplied
// permissions down to what the authenticated principal holds.
func Covers(kind security.PermissionKind, granted, requested string) bool {
	if granted == "*" || granted == requested {
		return true
	}
	switch kind {
	case security.PermFileRead, security.PermFileWrite:
		if isGlob(granted) && !isTreeGlob(granted) {
			return false
		}
		return MatchPath(granted, literalBase(requested))
	default:
		return !strings.Contains(requested, "*") && MatchPattern(granted, requested)
	}
}

func isGlob(p string) bool { return strings.Contains(p, "*") }

func isTreeGlob(p string) bool {
	base, ok := strings.CutSuffix(p, "/**")
	return ok && !strings.Contains(base, "*")
}

// literalBase returns the deepest directory every match of p lives in.
func literalBase(p string) string {
	i := strings.IndexByte(p, '*')
	if i < 0 {
		return p
	}
	dir := p[:i]
	if j := strings.LastIndexByte(dir, '/'); j >= 0 {
		dir = dir[:j]
	}
	if dir == "" {
		return "/"
	}
	return dir
}
