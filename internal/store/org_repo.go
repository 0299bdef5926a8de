package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"propcanvas/internal/types"
)

// OrganizationRepository provides data access for the organizations table.
// The plan columns it writes are the source of truth for the usage gate.
type OrganizationRepository struct {
	db DBTX
}

// NewOrganizationRepository creates a new OrganizationRepository backed by
// the given database connection (pool or transaction).
func NewOrganizationRepository(db DBTX) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

const orgColumns = `o.id, o.name, o.plan, o.monthly_limit,
	o.active_subscription_id, o.created_at, o.updated_at`

func scanOrg(row pgx.Row) (*types.Organization, error) {
	var org types.Organization
	var activeSubID *string

	err := row.Scan(
		&org.ID,
		&org.Name,
		&org.Plan,
		&org.MonthlyLimit,
		&activeSubID,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if activeSubID != nil {
		org.ActiveSubscriptionID = *activeSubID
	}
	return &org, nil
}

// GetByID retrieves an organization by id.
// Returns ErrCodeNotFoundOrg when absent.
func (r *OrganizationRepository) GetByID(ctx context.Context, id string) (*types.Organization, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+orgColumns+`
		 FROM organizations o
		 WHERE o.id = $1`,
		id,
	)

	org, err := scanOrg(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve organization", err)
	}
	return org, nil
}

// UpdatePlan atomically writes the organization's plan tier, monthly quota,
// and active subscription pointer. Called on subscribe, upgrade, cancel, and
// webhook-driven downgrade to the free tier.
func (r *OrganizationRepository) UpdatePlan(ctx context.Context, orgID string, plan types.PlanTier, monthlyLimit int, activeSubscriptionID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE organizations
		 SET plan = $1,
		     monthly_limit = $2,
		     active_subscription_id = $3,
		     updated_at = NOW()
		 WHERE id = $4`,
		plan,
		monthlyLimit,
		nilIfEmpty(activeSubscriptionID),
		orgID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update organization plan", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
	}
	return nil
}
