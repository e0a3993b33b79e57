// Package security holds the types shared by every mediation stage:
// trust levels, risk levels, permissions, the per-call security context
// and the typed mediation errors.
package security

import (
	"fmt"
	"strings"
)

// TrustLevel ranks how much the caller behind a session is trusted.
// Higher values are more trusted.
type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustCommunity
	TrustVerified
	TrustSystem
)

func (t TrustLevel) String() string {
	switch t {
	case TrustUntrusted:
		return "untrusted"
	case TrustCommunity:
		return "community"
	case TrustVerified:
		return "verified"
	case TrustSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ParseTrustLevel converts a string to a TrustLevel.
// Unrecognized values default to TrustUntrusted.
func ParseTrustLevel(s string) TrustLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system":
		return TrustSystem
	case "verified":
		return TrustVerified
	case "community":
		return TrustCommunity
	default:
		return TrustUntrusted
	}
}

// AtLeast reports whether t is as trusted as other or more.
func (t TrustLevel) AtLeast(other TrustLevel) bool { return t >= other }

func (t TrustLevel) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TrustLevel) UnmarshalText(b []byte) error {
	*t = ParseTrustLevel(string(b))
	return nil
}

// RiskLevel classifies how dangerous a mediated call looked.
type RiskLevel int

const (
	RiskLow      RiskLevel = iota // Routine read inside policy.
	RiskMedium                    // Deep recursion or close to a resource limit.
	RiskHigh                      // Sensitive path touched or security violation.
	RiskCritical                  // Escalated violation, raises an out-of-band alert.
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a string to a RiskLevel.
// Unrecognized values default to RiskCritical.
func ParseRiskLevel(s string) RiskLevel {
	switch s {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	case "critical":
		return RiskCritical
	default:
		return RiskCritical
	}
}

func (r RiskLevel) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *RiskLevel) UnmarshalText(b []byte) error {
	*r = ParseRiskLevel(string(b))
	return nil
}

// Context identifies the caller of a single tool call. It is built once per
// session by a gateway and passed explicitly through the pipeline.
// Treat it as immutable: use With* methods to derive a modified copy.
type Context struct {
	UserID      string      `json:"user_id"`
	SessionID   string      `json:"session_id"`
	TrustLevel  TrustLevel  `json:"trust_level"`
	Permissions Permissions `json:"permissions"`
}

// WithPermissions returns a copy of c carrying perms.
func (c Context) WithPermissions(perms Permissions) Context {
	c.Permissions = perms.Clone()
	return c
}

// Validate checks the fields every call must carry.
func (c Context) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	return nil
}

// SessionKey identifies the session for per-session tracking.
// Falls back to the user when the caller sent no session id.
func (c Context) SessionKey() string {
	if c.SessionID != "" {
		return c.UserID + "/" + c.SessionID
	}
	return c.UserID
}
