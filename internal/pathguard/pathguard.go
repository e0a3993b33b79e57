// Package pathguard validates untrusted path strings and resolves them to
// canonical filesystem paths inside an allow-list.
//
// Validation runs in a fixed order: length, dangerous-sequence denylist,
// workspace prefixing, canonicalization, symlink policy, allow-list, then
// block-list. Blocked paths always win over allowed paths.
package pathguard

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jkaninda/toolgate/internal/security"
)

// DefaultMaxPathLength matches PATH_MAX on Linux.
const DefaultMaxPathLength = 4096

// Policy is the path portion of a tool's security policy.
type Policy struct {
	WorkspaceRoot string   `json:"workspace_root" yaml:"workspace_root"`
	AllowedPaths  []string `json:"allowed_paths" yaml:"allowed_paths"`
	BlockedPaths  []string `json:"blocked_paths" yaml:"blocked_paths"`
	MaxPathLength int      `json:"max_path_length" yaml:"max_path_length"`
	AllowSymlinks bool     `json:"allow_symlinks" yaml:"allow_symlinks"`
}

func (p Policy) maxLength() int {
	if p.MaxPathLength > 0 {
		return p.MaxPathLength
	}
	return DefaultMaxPathLength
}

// root is a policy directory in both its configured and resolved form.
type root struct {
	raw       string
	canonical string
}

// Validator applies a compiled Policy. It holds no mutable state and is
// safe for concurrent use.
type Validator struct {
	policy  Policy
	allowed []root
	blocked []root
	anchors []root
}

// New compiles policy, resolving every allowed and blocked root once.
// Roots that do not exist yet are kept in cleaned absolute form.
func New(policy Policy) *Validator {
	v := &Validator{policy: policy}
	for _, p := range policy.AllowedPaths {
		v.allowed = append(v.allowed, compileRoot(p))
	}
	for _, p := range policy.BlockedPaths {
		v.blocked = append(v.blocked, compileRoot(p))
	}
	v.anchors = slices.Clone(v.allowed)
	if policy.WorkspaceRoot != "" {
		v.anchors = append(v.anchors, compileRoot(policy.WorkspaceRoot))
	}
	return v
}

func compileRoot(p string) root {
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = filepath.Clean(p)
	}
	r := root{raw: abs, canonical: abs}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		r.canonical = resolved
	}
	return r
}

// Policy returns the policy the validator was built from.
func (v *Validator) Policy() Policy { return v.policy }

// Validate compiles policy and validates raw against it.
func Validate(raw string, policy Policy) (string, error) {
	return New(policy).Validate(raw)
}

// Validate returns the canonical form of raw or a *security.Error with one
// of the codes PathTooLong, DangerousPathSequence, InvalidPath,
// SymlinksNotAllowed, PathNotAllowed or PathBlocked.
func (v *Validator) Validate(raw string) (string, error) {
	if len(raw) > v.policy.maxLength() {
		return "", security.NewError(security.CodePathTooLong,
			"path is %d bytes, limit is %d", len(raw), v.policy.maxLength()).
			WithDetail("length", len(raw)).
			WithDetail("max_path_length", v.policy.maxLength())
	}
	if strings.TrimSpace(raw) == "" {
		return "", security.NewError(security.CodeInvalidPath, "path is empty")
	}
	if pattern, ok := DangerousSequence(raw); ok {
		return "", security.NewError(security.CodeDangerousPathSequence,
			"path contains forbidden sequence %q", pattern).
			WithDetail("pattern", pattern)
	}

	lexical, err := v.absolute(raw)
	if err != nil {
		return "", err
	}

	canonical, err := filepath.EvalSymlinks(lexical)
	if err != nil {
		return "", security.NewError(security.CodeInvalidPath, "cannot resolve path").
			WithCause(err).
			WithDetail("path", raw)
	}
	canonical = filepath.Clean(canonical)

	if !v.policy.AllowSymlinks && v.symlinked(lexical, canonical) {
		return "", security.NewError(security.CodeSymlinksNotAllowed,
			"path %s resolves through a symbolic link", raw).
			WithDetail("path", raw)
	}

	if !v.isAllowed(canonical) {
		return "", security.NewError(security.CodePathNotAllowed,
			"path %s is outside the allowed directories", canonical).
			WithDetail("path", canonical)
	}
	if b, ok := v.blockedBy(canonical); ok {
		return "", security.NewError(security.CodePathBlocked,
			"path %s is inside blocked directory %s", canonical, b).
			WithDetail("path", canonical)
	}
	return canonical, nil
}

// absolute makes raw absolute. Every non-absolute path, bare or
// explicitly relative, is anchored at the workspace root.
func (v *Validator) absolute(raw string) (string, error) {
	if filepath.IsAbs(raw) {
		return filepath.Clean(raw), nil
	}
	if v.policy.WorkspaceRoot == "" {
		return "", security.NewError(security.CodeInvalidPath,
			"relative path %s given but no workspace root is configured", raw)
	}
	ws, err := filepath.Abs(v.policy.WorkspaceRoot)
	if err != nil {
		return "", security.NewError(security.CodeInvalidPath, "invalid workspace root").WithCause(err)
	}
	return filepath.Join(ws, raw), nil
}

// symlinked reports whether canonical differs from lexical for any reason
// other than an allowed root that is itself reached through a link.
func (v *Validator) symlinked(lexical, canonical string) bool {
	if lexical == canonical {
		return false
	}
	for _, r := range v.anchors {
		if r.raw == r.canonical || !Within(lexical, r.raw) {
			continue
		}
		rel, err := filepath.Rel(r.raw, lexical)
		if err != nil {
			continue
		}
		if filepath.Join(r.canonical, rel) == canonical {
			return false
		}
	}
	return true
}

func (v *Validator) isAllowed(canonical string) bool {
	for _, r := range v.allowed {
		if Within(canonical, r.canonical) || Within(canonical, r.raw) {
			return true
		}
	}
	return false
}

func (v *Validator) blockedBy(canonical string) (string, bool) {
	for _, r := range v.blocked {
		if Within(canonical, r.canonical) || Within(canonical, r.raw) {
			return r.raw, true
		}
	}
	return "", false
}

// IsBlocked reports whether an already canonical path falls under a
// blocked directory. Used to prune blocked subtrees while walking.
func (v *Validator) IsBlocked(canonical string) bool {
	_, ok := v.blockedBy(filepath.Clean(canonical))
	return ok
}

// Within reports whether path equals root or is a descendant of it,
// comparing whole components so /home/userX is not inside /home/user.
func Within(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if path == root {
		return true
	}
	if root == string(os.PathSeparator) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(os.PathSeparator))
}
