package store

import (
	"context"
	"time"

	"propcanvas/internal/types"
)

// UsageRepository provides access to the append-only usage ledger written by
// the generation pipeline. The billing core appends one record per completed
// generation and reads calendar-month aggregates for quota enforcement.
type UsageRepository struct {
	db DBTX
}

// NewUsageRepository creates a new UsageRepository backed by the given
// database connection (pool or transaction).
func NewUsageRepository(db DBTX) *UsageRepository {
	return &UsageRepository{db: db}
}

// Record appends a usage entry.
func (r *UsageRepository) Record(ctx context.Context, record *types.UsageRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO usage_records (id, organization_id, user_id, credits,
		 cost_cents, created_at)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`,
		record.ID,
		record.OrganizationID,
		nilIfEmpty(record.UserID),
		record.Credits,
		record.CostCents,
		nilIfZeroTime(record.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record usage", err)
	}
	return nil
}

// CountForMonth returns the organization's total credits consumed in the
// calendar month containing ref (UTC). Quotas reset at month boundaries, so
// this is the number the gate compares against the plan limit.
func (r *UsageRepository) CountForMonth(ctx context.Context, orgID string, ref time.Time) (int, error) {
	monthStart := time.Date(ref.UTC().Year(), ref.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)

	var total int
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(credits), 0)
		 FROM usage_records
		 WHERE organization_id = $1
		   AND created_at >= $2`,
		orgID,
		monthStart,
	).Scan(&total)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count usage", err)
	}
	return total, nil
}
