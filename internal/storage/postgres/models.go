package postgres

import "time"

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only.
type AuditEventModel struct {
	ID         string    `gorm:"size:36;primaryKey"`
	Timestamp  time.Time `gorm:"not null;index"`
	ToolID     string    `gorm:"size:128;not null;index"`
	EventType  string    `gorm:"size:32;not null;index"`
	UserID     string    `gorm:"size:256;not null;index"`
	SessionFP  string    `gorm:"size:16"`
	TrustLevel string    `gorm:"size:16;not null"`
	Permission int       `gorm:"not null;default:0"`
	RiskLevel  int16     `gorm:"not null;index"`
	Details    string    `gorm:"type:text;not null"`
}

func (AuditEventModel) TableName() string { return "audit_events" }
