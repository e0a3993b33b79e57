package audit

import (
	"context"
	"time"

	"github.com/jkaninda/toolgate/internal/security"
)

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	ToolID  string             `json:"tool_id,omitempty"`
	UserID  string             `json:"user_id,omitempty"`
	Type    EventType          `json:"type,omitempty"`
	MinRisk security.RiskLevel `json:"min_risk"`
	Since   time.Time          `json:"since,omitzero"`
	Limit   int                `json:"limit,omitempty"` // Defaults to 100.
}

// Store is durable, queryable audit storage. Append-only apart from
// retention pruning.
type Store interface {
	BatchWriter
	Query(ctx context.Context, f Filter) ([]Event, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Matches reports whether ev passes f, ignoring Limit.
func (f Filter) Matches(ev Event) bool {
	if f.ToolID != "" && ev.ToolID != f.ToolID {
		return false
	}
	if f.UserID != "" && ev.Context.UserID != f.UserID {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if ev.Risk < f.MinRisk {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
