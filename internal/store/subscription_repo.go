package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"propcanvas/internal/types"
)

// SubscriptionRepository manages subscription records.
//
// Key invariants:
//   - A subscription row is never deleted; terminal statuses stay on record
//     and new subscriptions supersede them.
//   - ApplyPeriod uses an optimistic guard on current_period_end so an
//     out-of-order webhook can never regress the billing period.
type SubscriptionRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepository creates a new SubscriptionRepository backed by
// the given database connection (pool or transaction).
func NewSubscriptionRepository(db DBTX, logger *slog.Logger) *SubscriptionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepository{db: db, logger: logger}
}

const subColumns = `s.id, s.user_id, s.organization_id, s.provider,
	s.external_subscription_id, s.external_plan_id, s.plan_tier, s.status,
	s.billing_period, s.current_period_start, s.current_period_end,
	s.amount, s.currency, s.cancel_at_period_end, s.cancelled_at,
	s.created_at, s.updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var sub types.Subscription
	var orgID *string
	var periodStart, periodEnd *time.Time

	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&orgID,
		&sub.Provider,
		&sub.ExternalSubscriptionID,
		&sub.ExternalPlanID,
		&sub.PlanTier,
		&sub.Status,
		&sub.BillingPeriod,
		&periodStart,
		&periodEnd,
		&sub.Amount,
		&sub.Currency,
		&sub.CancelAtPeriodEnd,
		&sub.CancelledAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if orgID != nil {
		sub.OrganizationID = *orgID
	}
	if periodStart != nil {
		sub.CurrentPeriodStart = *periodStart
	}
	if periodEnd != nil {
		sub.CurrentPeriodEnd = *periodEnd
	}
	return &sub, nil
}

// Create inserts a new subscription record. The caller must set the ID
// (prefixed UUID, e.g. "sub_...") and required fields before calling.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (id, user_id, organization_id, provider,
		 external_subscription_id, external_plan_id, plan_tier, status,
		 billing_period, current_period_start, current_period_end,
		 amount, currency, cancel_at_period_end, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		         COALESCE($15, NOW()), COALESCE($16, NOW()))`,
		sub.ID,
		sub.UserID,
		nilIfEmpty(sub.OrganizationID),
		sub.Provider,
		sub.ExternalSubscriptionID,
		sub.ExternalPlanID,
		sub.PlanTier,
		sub.Status,
		sub.BillingPeriod,
		nilIfZeroTime(sub.CurrentPeriodStart),
		nilIfZeroTime(sub.CurrentPeriodEnd),
		sub.Amount,
		sub.Currency,
		sub.CancelAtPeriodEnd,
		nilIfZeroTime(sub.CreatedAt),
		nilIfZeroTime(sub.UpdatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}
	return nil
}

// GetByID retrieves a subscription by its internal id.
// Returns ErrCodeNotFoundSubscription when absent.
func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subColumns+`
		 FROM subscriptions s
		 WHERE s.id = $1`,
		id,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve subscription", err)
	}
	return sub, nil
}

// GetActiveByUserID returns the user's most recent non-terminal subscription,
// or ErrCodeNotFoundSubscription when the user has none.
func (r *SubscriptionRepository) GetActiveByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subColumns+`
		 FROM subscriptions s
		 WHERE s.user_id = $1
		   AND s.status NOT IN ('CANCELLED', 'EXPIRED')
		 ORDER BY s.created_at DESC
		 LIMIT 1`,
		userID,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no active subscription", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve subscription", err)
	}
	return sub, nil
}

// GetByExternalID retrieves a subscription by its provider-native id. This is
// the reconciliation engine's lookup path: webhook payloads carry only the
// external id.
func (r *SubscriptionRepository) GetByExternalID(ctx context.Context, provider types.ProviderType, externalID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subColumns+`
		 FROM subscriptions s
		 WHERE s.provider = $1 AND s.external_subscription_id = $2`,
		provider,
		externalID,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve subscription", err)
	}
	return sub, nil
}

// UpdateStatus writes a new status. CancelledAt is set when transitioning to
// CANCELLED and left untouched otherwise.
func (r *SubscriptionRepository) UpdateStatus(ctx context.Context, id string, status types.SubscriptionStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $1,
		     cancelled_at = CASE WHEN $1 = 'CANCELLED' AND cancelled_at IS NULL
		                         THEN NOW() ELSE cancelled_at END,
		     updated_at = NOW()
		 WHERE id = $2`,
		status,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// UpdatePlan records a plan change while preserving the subscription's
// identity: only the plan columns and amount change, never the external id.
func (r *SubscriptionRepository) UpdatePlan(ctx context.Context, id string, planTier types.PlanTier, externalPlanID string, billingPeriod types.BillingPeriod, amount int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET plan_tier = $1,
		     external_plan_id = $2,
		     billing_period = $3,
		     amount = $4,
		     updated_at = NOW()
		 WHERE id = $5`,
		planTier,
		externalPlanID,
		billingPeriod,
		amount,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription plan", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// SetCancelAtPeriodEnd flips the deferred-cancellation flag.
func (r *SubscriptionRepository) SetCancelAtPeriodEnd(ctx context.Context, id string, cancel bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET cancel_at_period_end = $1,
		     updated_at = NOW()
		 WHERE id = $2`,
		cancel,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update cancellation flag", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// ReplaceExternalID swaps the stored provider-native id. Checkout-session
// providers create subscriptions under a session id first; when checkout
// completes, the real subscription id replaces it.
func (r *SubscriptionRepository) ReplaceExternalID(ctx context.Context, id string, externalID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET external_subscription_id = $1,
		     updated_at = NOW()
		 WHERE id = $2`,
		externalID,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to replace external subscription id", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// ApplyPeriod advances the billing period and status from a webhook event.
//
// Optimistic guard: the update only applies when the incoming period end is
// not older than the stored one, so a delayed event for a previous cycle is
// silently ignored while a fresher one still lands.
func (r *SubscriptionRepository) ApplyPeriod(ctx context.Context, id string, status types.SubscriptionStatus, periodStart, periodEnd time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $1,
		     current_period_start = $2,
		     current_period_end = $3,
		     updated_at = NOW()
		 WHERE id = $4
		   AND (current_period_end IS NULL OR current_period_end <= $3)`,
		status,
		periodStart,
		periodEnd,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply billing period", err)
	}

	if tag.RowsAffected() == 0 {
		// Stale event for an earlier cycle. Idempotent no-op.
		r.logger.Info("stale period event ignored (optimistic guard)",
			slog.String("subscription_id", id),
			slog.Time("period_end", periodEnd),
		)
	}
	return nil
}
