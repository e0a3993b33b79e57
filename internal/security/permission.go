package security

import (
	"fmt"
	"slices"
	"strings"
)

// PermissionKind is the capability a Permission grants.
type PermissionKind string

const (
	PermFileRead    PermissionKind = "file_read"
	PermFileWrite   PermissionKind = "file_write"
	PermExecute     PermissionKind = "execute"
	PermNetwork     PermissionKind = "network"
	PermEnvironment PermissionKind = "env"
)

var permissionKinds = map[PermissionKind]bool{
	PermFileRead:    true,
	PermFileWrite:   true,
	PermExecute:     true,
	PermNetwork:     true,
	PermEnvironment: true,
}

// Permission grants one capability over a set of patterns.
// Permissions are additive; a missing permission means denial.
type Permission struct {
	Kind     PermissionKind `json:"kind" yaml:"kind"`
	Patterns []string       `json:"patterns" yaml:"patterns"`
}

// ParsePermission parses the textual form "kind[:pattern[,pattern...]]".
// A bare kind grants the wildcard pattern "*".
func ParsePermission(s string) (Permission, error) {
	s = strings.TrimSpace(s)
	kind, rest, hasPatterns := strings.Cut(s, ":")
	k := PermissionKind(strings.ToLower(strings.TrimSpace(kind)))
	if !permissionKinds[k] {
		return Permission{}, fmt.Errorf("%w: unknown permission kind %q", ErrInvalidRequest, kind)
	}
	p := Permission{Kind: k}
	if !hasPatterns {
		p.Patterns = []string{"*"}
		return p, nil
	}
	for pat := range strings.SplitSeq(rest, ",") {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		p.Patterns = append(p.Patterns, pat)
	}
	if len(p.Patterns) == 0 {
		return Permission{}, fmt.Errorf("%w: permission %q has an empty pattern list", ErrInvalidRequest, s)
	}
	return p, nil
}

func (p Permission) String() string {
	return string(p.Kind) + ":" + strings.Join(p.Patterns, ",")
}

// Permissions is the set of grants carried by a security context.
type Permissions []Permission

// ParsePermissions parses every entry and fails on the first bad one.
func ParsePermissions(list []string) (Permissions, error) {
	out := make(Permissions, 0, len(list))
	for _, s := range list {
		p, err := ParsePermission(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// OfKind returns the patterns of every permission of kind k.
func (ps Permissions) OfKind(k PermissionKind) []string {
	var out []string
	for _, p := range ps {
		if p.Kind == k {
			out = append(out, p.Patterns...)
		}
	}
	return out
}

// Strings returns the textual form of every permission.
func (ps Permissions) Strings() []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}

// Clone returns a deep copy.
func (ps Permissions) Clone() Permissions {
	if ps == nil {
		return nil
	}
	out := make(Permissions, len(ps))
	for i, p := range ps {
		out[i] = Permission{Kind: p.Kind, Patterns: slices.Clone(p.Patterns)}
	}
	return out
}

// Narrow keeps only the requested permissions that are covered by ps.
// covers reports whether a granted pattern of kind includes a requested one.
// An empty request returns a copy of ps.
func (ps Permissions) Narrow(requested Permissions, covers func(kind PermissionKind, granted, requested string) bool) Permissions {
	if len(requested) == 0 {
		return ps.Clone()
	}
	var out Permissions
	for _, req := range requested {
		granted := ps.OfKind(req.Kind)
		var kept []string
		for _, pat := range req.Patterns {
			for _, g := range granted {
				if covers(req.Kind, g, pat) {
					kept = append(kept, pat)
					break
				}
			}
		}
		if len(kept) > 0 {
			out = append(out, Permission{Kind: req.Kind, Patterns: kept})
		}
	}
	return out
}
