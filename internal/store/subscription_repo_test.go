package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"propcanvas/internal/types"
)

func TestSubscriptionRepository_Create_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	sub := &types.Subscription{
		ID:                     "sub_internal001",
		UserID:                 "user_1",
		Provider:               types.ProviderRazorpay,
		ExternalSubscriptionID: "sub_rzp_abc",
		ExternalPlanID:         "plan_solo_monthly",
		PlanTier:               types.PlanSolo,
		Status:                 types.SubStatusActive,
		BillingPeriod:          types.PeriodMonthly,
		Amount:                 99900,
		Currency:               "INR",
	}

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Create(context.Background(), sub)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_GetByExternalID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByExternalID(context.Background(), types.ProviderStripe, "sub_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}

func TestSubscriptionRepository_GetActiveByUserID_ExcludesTerminal(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sql := args.Get(1).(string)
			assert.True(t, strings.Contains(sql, "NOT IN ('CANCELLED', 'EXPIRED')"))
		}).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetActiveByUserID(context.Background(), "user_1")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_UpdateStatus_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.UpdateStatus(context.Background(), "sub_missing", types.SubStatusActive)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}

func TestSubscriptionRepository_UpdatePlan_PreservesIdentity(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sql := args.Get(1).(string)
			// A plan change must never touch the provider-native id.
			assert.False(t, strings.Contains(sql, "external_subscription_id"))
		}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.UpdatePlan(context.Background(), "sub_internal001",
		types.PlanTeam, "plan_team_monthly", types.PeriodMonthly, 249900)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_ApplyPeriod_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	err := repo.ApplyPeriod(context.Background(), "sub_internal001", types.SubStatusActive, start, end)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_ApplyPeriod_StaleEventIgnored(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	// Zero rows affected: the stored period end is newer than the event's.
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	// Stale events are an idempotent no-op, not an error.
	err := repo.ApplyPeriod(context.Background(), "sub_internal001", types.SubStatusActive, start, end)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_ApplyPeriod_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("timeout"))

	err := repo.ApplyPeriod(context.Background(), "sub_internal001", types.SubStatusActive, time.Now(), time.Now())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestSubscriptionRepository_ReplaceExternalID_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			params := args.Get(2).([]any)
			assert.Equal(t, "sub_stripe_real", params[0])
			assert.Equal(t, "sub_internal001", params[1])
		}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.ReplaceExternalID(context.Background(), "sub_internal001", "sub_stripe_real")
	require.NoError(t, err)
	db.AssertExpectations(t)
}
