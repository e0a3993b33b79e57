package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/toolgate/internal/audit"
)

// AuditRepository implements audit.Store with GORM.
// Append-only: the only delete is retention pruning.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

const insertBatchSize = 200

// WriteBatch inserts events in one transaction.
func (r *AuditRepository) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	models := make([]AuditEventModel, len(events))
	for i, ev := range events {
		models[i] = toAuditModel(ev)
	}
	if err := r.db.WithContext(ctx).CreateInBatches(&models, insertBatchSize).Error; err != nil {
		return fmt.Errorf("appending %d audit events: %w", len(events), err)
	}
	return nil
}

// Query returns matching events, newest first. Limit defaults to 100.
func (r *AuditRepository) Query(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit)

	if f.ToolID != "" {
		q = q.Where("tool_id = ?", f.ToolID)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Type != "" {
		q = q.Where("event_type = ?", string(f.Type))
	}
	if f.MinRisk > 0 {
		q = q.Where("risk_level >= ?", int16(f.MinRisk))
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since.UTC())
	}

	var models []AuditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]audit.Event, len(models))
	for i := range models {
		events[i] = toAuditEvent(&models[i])
	}
	return events, nil
}

// PruneBefore deletes events older than cutoff and returns how many went.
func (r *AuditRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("timestamp < ?", cutoff.UTC()).
		Delete(&AuditEventModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning audit events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

var _ audit.Store = (*AuditRepository)(nil)
