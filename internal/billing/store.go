package billing

import (
	"context"
	"time"

	"github.com/kamilpajak/billsync/internal/database"
)

// Store is the persistence the billing service needs. *database.DB
// implements it; tests use an in-memory implementation with the same
// conditional-write semantics.
type Store interface {
	GetUserProfile(ctx context.Context, userID string) (*database.UserProfile, error)

	GetCustomer(ctx context.Context, userID string) (*database.Customer, error)
	CreateCustomer(ctx context.Context, userID, providerCustomerID string) (*database.Customer, bool, error)

	GetSubscription(ctx context.Context, providerSubscriptionID string) (*database.Subscription, error)
	GetActiveSubscription(ctx context.Context, userID string) (*database.Subscription, error)
	GetCurrentSubscription(ctx context.Context, userID string) (*database.Subscription, error)
	ApplyOptimisticUpdate(ctx context.Context, sub database.Subscription, expectedEventAt *time.Time) (bool, error)

	ListInvoices(ctx context.Context, userID string, limit int) ([]database.Invoice, error)

	IsWebhookEventProcessed(ctx context.Context, eventID string) (bool, error)
	WithWebhookEvent(ctx context.Context, eventID, eventType string, fn func(database.Writer) (string, error)) (bool, error)
	WithinTx(ctx context.Context, fn func(database.Writer) error) error
}

var _ Store = (*database.DB)(nil)
