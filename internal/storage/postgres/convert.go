package postgres

import (
	"encoding/json"

	"github.com/jkaninda/toolgate/internal/audit"
	"github.com/jkaninda/toolgate/internal/security"
)

func toAuditModel(ev audit.Event) AuditEventModel {
	details, _ := json.Marshal(ev.Details)
	if ev.Details == nil || details == nil {
		details = []byte("{}")
	}
	return AuditEventModel{
		ID:         ev.ID,
		Timestamp:  ev.Timestamp.UTC(),
		ToolID:     ev.ToolID,
		EventType:  string(ev.Type),
		UserID:     ev.Context.UserID,
		SessionFP:  ev.Context.SessionFingerprint,
		TrustLevel: ev.Context.TrustLevel.String(),
		Permission: ev.Context.PermissionCount,
		RiskLevel:  int16(ev.Risk),
		Details:    string(details),
	}
}

func toAuditEvent(m *AuditEventModel) audit.Event {
	var details map[string]any
	if m.Details != "" {
		_ = json.Unmarshal([]byte(m.Details), &details)
	}
	if len(details) == 0 {
		details = nil
	}
	return audit.Event{
		ID:        m.ID,
		Timestamp: m.Timestamp.UTC(),
		ToolID:    m.ToolID,
		Type:      audit.EventType(m.EventType),
		Context: audit.Context{
			UserID:             m.UserID,
			SessionFingerprint: m.SessionFP,
			TrustLevel:         security.ParseTrustLevel(m.TrustLevel),
			PermissionCount:    m.Permission,
		},
		Details: details,
		Risk:    security.RiskLevel(m.RiskLevel),
	}
}
