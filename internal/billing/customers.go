package billing

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

// GetOrCreateCustomer returns the user's Stripe customer ID, creating the
// customer on first use. Concurrent first calls converge on one stored
// mapping; a customer created by the losing caller is left orphaned in
// Stripe and logged.
func (s *Service) GetOrCreateCustomer(ctx context.Context, userID string) (string, error) {
	existing, err := s.store.GetCustomer(ctx, userID)
	if err != nil {
		return "", errors.Wrap(err, "get customer")
	}
	if existing != nil {
		return existing.ProviderCustomerID, nil
	}

	profile, err := s.store.GetUserProfile(ctx, userID)
	if err != nil {
		return "", errors.Wrap(err, "get user profile")
	}
	if profile == nil {
		return "", errors.Wrapf(ErrUnknownUser, "user %s", userID)
	}

	params := &stripe.CustomerParams{
		Email:    stripe.String(profile.Email),
		Metadata: map[string]string{metadataUserID: userID},
	}
	cus, err := callProvider(s, "customer.create", func() (*stripe.Customer, error) {
		return s.client.provider.CreateCustomer(ctx, params)
	})
	if err != nil {
		return "", err
	}

	stored, created, err := s.store.CreateCustomer(ctx, userID, cus.ID)
	if err != nil {
		return "", errors.Wrap(err, "store customer")
	}
	if !created {
		s.metrics.OrphanedCustomersTotal.Inc()
		s.logger.Warn("orphaned stripe customer after concurrent creation",
			zap.String("user_id", userID),
			zap.String("orphaned_customer_id", cus.ID),
			zap.String("customer_id", stored.ProviderCustomerID),
		)
	}
	return stored.ProviderCustomerID, nil
}
