package database

import (
	"context"
	"time"
)

// Writer is the transaction-scoped view of the billing tables used by the
// webhook processor and pull reconciliation. Every write is conditional or
// idempotent, so replays cannot move state backwards.
type Writer interface {
	GetSubscription(ctx context.Context, providerSubscriptionID string) (*Subscription, error)
	GetCustomerByProviderID(ctx context.Context, providerCustomerID string) (*Customer, error)
	// EnsureCustomer inserts the user/customer mapping if absent. It returns
	// ErrCustomerConflict if either side is already mapped elsewhere.
	EnsureCustomer(ctx context.Context, userID, providerCustomerID string) error
	// UpsertSubscription overwrites the row wholesale unless the stored
	// version is newer than eventAt. It reports whether the write applied.
	UpsertSubscription(ctx context.Context, sub Subscription, eventAt time.Time) (bool, error)
	// InsertInvoice reports false when the invoice was already stored.
	InsertInvoice(ctx context.Context, inv Invoice) (bool, error)
}

type txWriter struct {
	q querier
}

func (w *txWriter) GetSubscription(ctx context.Context, providerSubscriptionID string) (*Subscription, error) {
	return getSubscription(ctx, w.q, providerSubscriptionID)
}

func (w *txWriter) GetCustomerByProviderID(ctx context.Context, providerCustomerID string) (*Customer, error) {
	return getCustomerByProviderID(ctx, w.q, providerCustomerID)
}

func (w *txWriter) EnsureCustomer(ctx context.Context, userID, providerCustomerID string) error {
	return ensureCustomer(ctx, w.q, userID, providerCustomerID)
}

func (w *txWriter) UpsertSubscription(ctx context.Context, sub Subscription, eventAt time.Time) (bool, error) {
	return upsertSubscription(ctx, w.q, sub, eventAt)
}

func (w *txWriter) InsertInvoice(ctx context.Context, inv Invoice) (bool, error) {
	return insertInvoice(ctx, w.q, inv)
}
