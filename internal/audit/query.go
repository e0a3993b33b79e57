package audit

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jkaninda/toolgate/internal/security"
)

// MaxQueryLimit caps Filter.Limit for queries from the network.
const MaxQueryLimit = 1000

// ParseFilter reads an audit filter from query parameters:
// tool, user, type, min_risk, since (RFC 3339 or a duration such as "1h")
// and limit.
func ParseFilter(q url.Values) (Filter, error) {
	return parseFilter(q, time.Now)
}

func parseFilter(q url.Values, now func() time.Time) (Filter, error) {
	f := Filter{
		ToolID: q.Get("tool"),
		UserID: q.Get("user"),
	}
	if v := q.Get("type"); v != "" {
		f.Type = EventType(v)
		if !f.Type.Valid() {
			return Filter{}, fmt.Errorf("unknown event type %q", v)
		}
	}
	if v := q.Get("min_risk"); v != "" {
		f.MinRisk = security.ParseRiskLevel(v)
		if f.MinRisk.String() != v {
			return Filter{}, fmt.Errorf("unknown risk level %q", v)
		}
	}
	if v := q.Get("since"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			f.Since = now().UTC().Add(-d)
		} else if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t.UTC()
		} else {
			return Filter{}, fmt.Errorf("since must be RFC 3339 or a duration, got %q", v)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Filter{}, fmt.Errorf("limit must be a positive integer, got %q", v)
		}
		f.Limit = min(n, MaxQueryLimit)
	}
	return f, nil
}
