// Package usage implements the quota gate consulted by the infographic
// generation pipeline: a hard monthly cap per organization plus threshold
// alerts as consumption approaches the cap.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"propcanvas/internal/telemetry"
	"propcanvas/internal/types"
)

// OrganizationStore is the subset of the organization repository the gate needs.
type OrganizationStore interface {
	GetByID(ctx context.Context, id string) (*types.Organization, error)
}

// UsageStore is the subset of the usage repository the gate needs.
type UsageStore interface {
	Record(ctx context.Context, record *types.UsageRecord) error
	CountForMonth(ctx context.Context, orgID string, ref time.Time) (int, error)
}

// AlertDispatcher enqueues usage alerts for the notification workers.
type AlertDispatcher interface {
	PublishUsageAlert(ctx context.Context, alert types.UsageAlert) error
}

// Gate enforces monthly quotas and emits at most one alert per threshold
// bucket transition.
type Gate struct {
	orgs    OrganizationStore
	records UsageStore
	alerts  AlertDispatcher
	metrics telemetry.BillingMetrics
	logger  *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewGate wires the usage gate.
func NewGate(orgs OrganizationStore, records UsageStore, alerts AlertDispatcher, metrics telemetry.BillingMetrics, logger *slog.Logger) *Gate {
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		orgs:    orgs,
		records: records,
		alerts:  alerts,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Allow is the hard quota check consulted before generation starts. Plans
// with the unlimited sentinel always pass; everything else is rejected once
// the month's consumption reaches the limit.
func (g *Gate) Allow(ctx context.Context, orgID string) error {
	org, err := g.orgs.GetByID(ctx, orgID)
	if err != nil {
		return err
	}
	if org.MonthlyLimit < 0 {
		return nil
	}

	used, err := g.records.CountForMonth(ctx, orgID, g.now())
	if err != nil {
		return err
	}
	if used >= org.MonthlyLimit {
		return types.NewAppErrorWithDetails(
			types.ErrCodeQuotaExceeded,
			"monthly infographic quota exhausted",
			nil,
			map[string]any{
				"used":  used,
				"limit": org.MonthlyLimit,
				"plan":  string(org.Plan),
			},
		)
	}
	return nil
}

// Snapshot returns the organization's consumption for the current calendar
// month. Unlimited plans report zero percent.
func (g *Gate) Snapshot(ctx context.Context, orgID string) (*types.UsageSnapshot, error) {
	org, err := g.orgs.GetByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	used, err := g.records.CountForMonth(ctx, orgID, g.now())
	if err != nil {
		return nil, err
	}

	start, end := monthBounds(g.now())
	return &types.UsageSnapshot{
		Plan:        org.Plan,
		Used:        used,
		Limit:       org.MonthlyLimit,
		Percentage:  percentage(used, org.MonthlyLimit),
		PeriodStart: start,
		PeriodEnd:   end,
	}, nil
}

// RecordAndAlert appends a consumption record after a generation completes
// and enqueues an alert when the addition crosses into a new threshold
// bucket. Re-entering the same bucket never re-alerts; crossing several
// thresholds at once emits only the alert for the bucket landed in.
func (g *Gate) RecordAndAlert(ctx context.Context, orgID, userID string, credits int) error {
	org, err := g.orgs.GetByID(ctx, orgID)
	if err != nil {
		return err
	}
	if credits <= 0 {
		credits = 1
	}

	before, err := g.records.CountForMonth(ctx, orgID, g.now())
	if err != nil {
		return err
	}

	if err := g.records.Record(ctx, &types.UsageRecord{
		ID:             "usage_" + uuid.New().String(),
		OrganizationID: orgID,
		UserID:         userID,
		Credits:        credits,
		CreatedAt:      g.now(),
	}); err != nil {
		return err
	}

	if org.MonthlyLimit < 0 {
		return nil
	}

	after := before + credits
	prev := alertLevel(percentage(before, org.MonthlyLimit))
	next := alertLevel(percentage(after, org.MonthlyLimit))
	if next == types.UsageAlertNone || next == prev {
		return nil
	}

	alert := types.UsageAlert{
		OrganizationID: orgID,
		Level:          next,
		Used:           after,
		Limit:          org.MonthlyLimit,
		Percentage:     percentage(after, org.MonthlyLimit),
		OccurredAt:     g.now(),
	}
	g.metrics.RecordUsageAlert(ctx, next)
	if g.alerts != nil {
		if err := g.alerts.PublishUsageAlert(ctx, alert); err != nil {
			g.logger.WarnContext(ctx, "usage alert enqueue failed",
				"organization_id", orgID,
				"level", string(next),
				"error", err,
			)
		}
	}

	g.logger.InfoContext(ctx, "usage alert threshold crossed",
		"organization_id", orgID,
		"level", string(next),
		"used", after,
		"limit", org.MonthlyLimit,
	)
	return nil
}

// percentage computes consumption percent. Unlimited limits report zero.
func percentage(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}

// alertLevel maps a consumption percentage to its alert bucket. Buckets are
// half-open: [80,90) warning, [90,95) urgent, [95,100) final. At or above
// 100 there is nothing left to warn about; the gate hard-blocks instead.
func alertLevel(pct float64) types.UsageAlertLevel {
	switch {
	case pct >= 100:
		return types.UsageAlertNone
	case pct >= 95:
		return types.UsageAlertFinal
	case pct >= 90:
		return types.UsageAlertUrgent
	case pct >= 80:
		return types.UsageAlertWarning
	default:
		return types.UsageAlertNone
	}
}

// monthBounds returns the UTC calendar month containing ref.
func monthBounds(ref time.Time) (time.Time, time.Time) {
	ref = ref.UTC()
	start := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
