package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"propcanvas/internal/types"
)

// UserRepository provides read access to the billing projection of user
// records, plus writes to the per-provider external customer id columns.
// Everything else about a user belongs to the account service.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given
// database connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `u.id, u.email, u.name, u.phone, u.organization_id,
	u.razorpay_customer_id, u.stripe_customer_id, u.created_at, u.updated_at`

func scanUser(row pgx.Row) (*types.User, error) {
	var user types.User
	var phone, orgID, razorpayID, stripeID *string

	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&phone,
		&orgID,
		&razorpayID,
		&stripeID,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if phone != nil {
		user.Phone = *phone
	}
	if orgID != nil {
		user.OrganizationID = *orgID
	}
	if razorpayID != nil {
		user.RazorpayCustomerID = *razorpayID
	}
	if stripeID != nil {
		user.StripeCustomerID = *stripeID
	}
	return &user, nil
}

// GetByID retrieves a user by id. Returns ErrCodeNotFoundUser when absent.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+`
		 FROM users u
		 WHERE u.id = $1`,
		id,
	)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user", err)
	}
	return user, nil
}

// UpdateCustomerID caches the provider-native customer id on the user after
// lazy creation. The column written depends on the provider.
func (r *UserRepository) UpdateCustomerID(ctx context.Context, userID string, provider types.ProviderType, customerID string) error {
	var column string
	switch provider {
	case types.ProviderRazorpay:
		column = "razorpay_customer_id"
	case types.ProviderStripe:
		column = "stripe_customer_id"
	default:
		return types.NewAppError(types.ErrCodeValidationProvider, "unsupported payment provider", nil)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET `+column+` = $1,
		     updated_at = NOW()
		 WHERE id = $2`,
		customerID,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update customer id", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}
