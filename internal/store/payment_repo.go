package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"propcanvas/internal/types"
)

// PaymentRepository manages the append-only payments ledger.
//
// Key invariant: the pair (provider, external_payment_id) is unique, and
// Create relies on that constraint for exactly-once webhook processing. A
// redelivered charge event inserts zero rows and reports inserted=false; it
// is never an error.
type PaymentRepository struct {
	db DBTX
}

// NewPaymentRepository creates a new PaymentRepository backed by the given
// database connection (pool or transaction).
func NewPaymentRepository(db DBTX) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `p.id, p.user_id, p.subscription_id, p.provider,
	p.external_payment_id, p.external_order_id, p.amount, p.currency,
	p.status, p.method, p.error_code, p.error_description, p.created_at`

func scanPayment(row pgx.Row) (*types.Payment, error) {
	var payment types.Payment
	var orderID, method, errCode, errDesc *string

	err := row.Scan(
		&payment.ID,
		&payment.UserID,
		&payment.SubscriptionID,
		&payment.Provider,
		&payment.ExternalPaymentID,
		&orderID,
		&payment.Amount,
		&payment.Currency,
		&payment.Status,
		&method,
		&errCode,
		&errDesc,
		&payment.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if orderID != nil {
		payment.ExternalOrderID = *orderID
	}
	if method != nil {
		payment.Method = *method
	}
	if errCode != nil {
		payment.ErrorCode = *errCode
	}
	if errDesc != nil {
		payment.ErrorDescription = *errDesc
	}
	return &payment, nil
}

// Create inserts a payment record. Returns inserted=false when a record with
// the same (provider, external_payment_id) already exists; the conflict is
// resolved inside the database so concurrent deliveries of the same event
// cannot both insert.
func (r *PaymentRepository) Create(ctx context.Context, payment *types.Payment) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO payments (id, user_id, subscription_id, provider,
		 external_payment_id, external_order_id, amount, currency, status,
		 method, error_code, error_description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		         COALESCE($13, NOW()))
		 ON CONFLICT (provider, external_payment_id) DO NOTHING`,
		payment.ID,
		payment.UserID,
		payment.SubscriptionID,
		payment.Provider,
		payment.ExternalPaymentID,
		nilIfEmpty(payment.ExternalOrderID),
		payment.Amount,
		payment.Currency,
		payment.Status,
		nilIfEmpty(payment.Method),
		nilIfEmpty(payment.ErrorCode),
		nilIfEmpty(payment.ErrorDescription),
		nilIfZeroTime(payment.CreatedAt),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to create payment", err)
	}

	return tag.RowsAffected() > 0, nil
}

// GetByExternalID retrieves a payment by its provider-native id.
// Returns ErrCodeNotFoundPayment when absent.
func (r *PaymentRepository) GetByExternalID(ctx context.Context, provider types.ProviderType, externalID string) (*types.Payment, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+`
		 FROM payments p
		 WHERE p.provider = $1 AND p.external_payment_id = $2`,
		provider,
		externalID,
	)

	payment, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPayment, "payment not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve payment", err)
	}
	return payment, nil
}

// ListBySubscription returns the payment history for a subscription, newest
// first.
func (r *PaymentRepository) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*types.Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+paymentColumns+`
		 FROM payments p
		 WHERE p.subscription_id = $1
		 ORDER BY p.created_at DESC
		 LIMIT $2`,
		subscriptionID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list payments", err)
	}
	defer rows.Close()

	var payments []*types.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan payment", err)
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read payment rows", err)
	}
	return payments, nil
}
