package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// Subscription status values stored locally. Provider statuses are collapsed
// onto this set before they reach the database.
const (
	StatusIncomplete = "incomplete"
	StatusActive     = "active"
	StatusPastDue    = "past_due"
	StatusCanceled   = "canceled"
)

// Subscription is the local record of a provider subscription.
type Subscription struct {
	ProviderSubscriptionID string
	UserID                 string
	ProviderCustomerID     string
	ProviderPriceID        string
	PlanTier               string
	Status                 string
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	// ProviderEventAt is the provider timestamp of the last webhook applied
	// to the row. Optimistic writes leave it untouched.
	ProviderEventAt *time.Time
	UpdatedAt       time.Time
}

const subscriptionColumns = `provider_subscription_id, user_id, provider_customer_id, provider_price_id,
	plan_tier, status, current_period_end, cancel_at_period_end, provider_event_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(
		&s.ProviderSubscriptionID, &s.UserID, &s.ProviderCustomerID, &s.ProviderPriceID,
		&s.PlanTier, &s.Status, &s.CurrentPeriodEnd, &s.CancelAtPeriodEnd, &s.ProviderEventAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSubscription retrieves a subscription by provider ID.
func (db *DB) GetSubscription(ctx context.Context, providerSubscriptionID string) (*Subscription, error) {
	return getSubscription(ctx, db.pool, providerSubscriptionID)
}

// GetActiveSubscription returns the user's most recently updated
// subscription that is not canceled.
func (db *DB) GetActiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	return scanSubscription(db.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_id = $1 AND status <> 'canceled'
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		userID,
	))
}

// GetCurrentSubscription returns the active subscription if there is one,
// otherwise the most recently updated canceled one.
func (db *DB) GetCurrentSubscription(ctx context.Context, userID string) (*Subscription, error) {
	return scanSubscription(db.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_id = $1
		 ORDER BY (status = 'canceled'), updated_at DESC
		 LIMIT 1`,
		userID,
	))
}

// ApplyOptimisticUpdate overwrites the row with the state returned by a
// provider call, but only while no webhook has been applied since the caller
// read the row (expectedEventAt). provider_event_at is not advanced, so any
// later webhook wins. Returns false when the write lost.
func (db *DB) ApplyOptimisticUpdate(ctx context.Context, sub Subscription, expectedEventAt *time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE subscriptions
		 SET provider_price_id = $2,
		     plan_tier = $3,
		     status = $4,
		     current_period_end = $5,
		     cancel_at_period_end = $6,
		     updated_at = NOW()
		 WHERE provider_subscription_id = $1
		   AND provider_event_at IS NOT DISTINCT FROM $7`,
		sub.ProviderSubscriptionID, sub.ProviderPriceID, sub.PlanTier, sub.Status,
		sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, expectedEventAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteUserBillingData removes every billing row for a user. Production code
// never deletes subscriptions; this exists for test cleanup.
func (db *DB) DeleteUserBillingData(ctx context.Context, userID string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range []string{
		`DELETE FROM invoices WHERE user_id = $1`,
		`DELETE FROM subscriptions WHERE user_id = $1`,
		`DELETE FROM customers WHERE user_id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, userID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func getSubscription(ctx context.Context, q querier, providerSubscriptionID string) (*Subscription, error) {
	return scanSubscription(q.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1`,
		providerSubscriptionID,
	))
}

// upsertSubscription writes the whole row unless the stored version is newer
// than eventAt. Returns false when the stored state won.
func upsertSubscription(ctx context.Context, q querier, sub Subscription, eventAt time.Time) (bool, error) {
	tag, err := q.Exec(ctx,
		`INSERT INTO subscriptions (
		     provider_subscription_id, user_id, provider_customer_id, provider_price_id,
		     plan_tier, status, current_period_end, cancel_at_period_end, provider_event_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		 ON CONFLICT (provider_subscription_id) DO UPDATE
		 SET provider_price_id = EXCLUDED.provider_price_id,
		     plan_tier = EXCLUDED.plan_tier,
		     status = EXCLUDED.status,
		     current_period_end = EXCLUDED.current_period_end,
		     cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		     provider_event_at = EXCLUDED.provider_event_at,
		     updated_at = NOW()
		 WHERE subscriptions.provider_event_at IS NULL
		    OR subscriptions.provider_event_at <= EXCLUDED.provider_event_at`,
		sub.ProviderSubscriptionID, sub.UserID, sub.ProviderCustomerID, sub.ProviderPriceID,
		sub.PlanTier, sub.Status, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, eventAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
