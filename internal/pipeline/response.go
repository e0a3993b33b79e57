package pipeline

import (
	"github.com/jkaninda/toolgate/internal/security"
)

// Error types reported to callers.
const (
	ErrorTypeSecurity  = "security_error"
	ErrorTypeExecution = "execution_error"
)

// Response is the wire form of a finished call. Exactly one of Data or
// Error is meaningful.
type Response struct {
	Status          string          `json:"status,omitempty"`
	Data            any             `json:"data,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	SecurityContext *GrantInfo      `json:"security_context,omitempty"`
	Error           *ErrorBody      `json:"error,omitempty"`
	DurationMS      int64           `json:"duration_ms"`
	State           State           `json:"-"`
	Err             *security.Error `json:"-"` // Unredacted, for the local caller only.
}

// GrantInfo is attached to successful responses.
type GrantInfo struct {
	AccessGranted bool   `json:"access_granted"`
	AuditID       string `json:"audit_id"`
}

// ErrorBody is the error envelope. Message and details are already
// redacted for the caller's trust level.
type ErrorBody struct {
	Type       string         `json:"type"`
	Code       security.Code  `json:"code"`
	Message    string         `json:"message"`
	Suggestion string         `json:"suggestion,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	AuditID    string         `json:"audit_id,omitempty"`
}

// OK reports whether the call completed.
func (r *Response) OK() bool { return r.Error == nil }

func errorType(e *security.Error) string {
	if e.Kind() == security.KindExecution || e.Code == security.CodeExecutionTimeout {
		return ErrorTypeExecution
	}
	return ErrorTypeSecurity
}

func errorBody(e *security.Error, trust security.TrustLevel, auditID string) *ErrorBody {
	view := e.Redact(trust)
	return &ErrorBody{
		Type:       errorType(e),
		Code:       view.Code,
		Message:    view.Message,
		Suggestion: view.Suggestion,
		Details:    view.Details,
		AuditID:    auditID,
	}
}
