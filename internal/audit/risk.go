package audit

import "github.com/jkaninda/toolgate/internal/security"

// Risk thresholds.
const (
	MediumDepth     = 5
	NearLimitFactor = 0.9
)

// RiskInput is what AssessRisk looks at. Usage is the highest fraction of
// any resource limit consumed by the caller, in [0, 1].
type RiskInput struct {
	Type      EventType
	Sensitive bool
	Recursive bool
	Depth     int
	Usage     float64
	Escalated bool
}

// AssessRisk scores a call. Critical comes only from anomaly escalation.
func AssessRisk(in RiskInput) security.RiskLevel {
	switch {
	case in.Escalated:
		return security.RiskCritical
	case in.Sensitive || in.Type == EventSecurityViolation:
		return security.RiskHigh
	case in.Recursive && in.Depth > MediumDepth:
		return security.RiskMedium
	case in.Usage >= NearLimitFactor:
		return security.RiskMedium
	default:
		return security.RiskLow
	}
}
