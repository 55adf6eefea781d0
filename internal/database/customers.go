package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrCustomerConflict is returned when a user is already mapped to a
// different provider customer (or the customer to a different user).
var ErrCustomerConflict = errors.New("customer mapping conflict")

// Customer maps a local user to the billing provider's customer.
type Customer struct {
	UserID             string
	ProviderCustomerID string
	CreatedAt          time.Time
}

const customerColumns = `user_id, provider_customer_id, created_at`

func scanCustomer(row pgx.Row) (*Customer, error) {
	var c Customer
	err := row.Scan(&c.UserID, &c.ProviderCustomerID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCustomer retrieves the customer mapping for a user.
func (db *DB) GetCustomer(ctx context.Context, userID string) (*Customer, error) {
	return getCustomer(ctx, db.pool, userID)
}

// CreateCustomer inserts the mapping unless the user already has one. It
// returns the stored row, which belongs to a concurrent caller when created
// is false.
func (db *DB) CreateCustomer(ctx context.Context, userID, providerCustomerID string) (c *Customer, created bool, err error) {
	c, err = scanCustomer(db.pool.QueryRow(ctx,
		`INSERT INTO customers (user_id, provider_customer_id)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id) DO NOTHING
		 RETURNING `+customerColumns,
		userID, providerCustomerID,
	))
	if err != nil {
		return nil, false, err
	}
	if c != nil {
		return c, true, nil
	}

	c, err = db.GetCustomer(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if c == nil {
		return nil, false, ErrCustomerConflict
	}
	return c, false, nil
}

func getCustomer(ctx context.Context, q querier, userID string) (*Customer, error) {
	return scanCustomer(q.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE user_id = $1`,
		userID,
	))
}

func getCustomerByProviderID(ctx context.Context, q querier, providerCustomerID string) (*Customer, error) {
	return scanCustomer(q.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE provider_customer_id = $1`,
		providerCustomerID,
	))
}

// ensureCustomer inserts the mapping if absent and verifies that an existing
// mapping agrees with it.
func ensureCustomer(ctx context.Context, q querier, userID, providerCustomerID string) error {
	tag, err := q.Exec(ctx,
		`INSERT INTO customers (user_id, provider_customer_id)
		 VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		userID, providerCustomerID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	existing, err := getCustomer(ctx, q, userID)
	if err != nil {
		return err
	}
	if existing == nil || existing.ProviderCustomerID != providerCustomerID {
		return ErrCustomerConflict
	}
	return nil
}
