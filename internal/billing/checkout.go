package billing

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

// CheckoutParams contains parameters for creating a checkout session.
type CheckoutParams struct {
	UserID     string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// Session is a hosted Stripe page the user is redirected to.
type Session struct {
	ID  string
	URL string
}

// CreateCheckoutSession creates a subscription-mode checkout session for a
// catalog price. The user ID is attached to the session and to the
// subscription it creates so webhooks can be attributed. No local
// subscription state is written.
func (s *Service) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*Session, error) {
	plan, err := s.catalog.ResolvePlan(params.PriceID)
	if err != nil {
		return nil, err
	}

	customerID, err := s.GetOrCreateCustomer(ctx, params.UserID)
	if err != nil {
		return nil, err
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(plan.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(params.SuccessURL),
		CancelURL:         stripe.String(params.CancelURL),
		ClientReferenceID: stripe.String(params.UserID),
		Metadata:          map[string]string{metadataUserID: params.UserID},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{metadataUserID: params.UserID},
		},
	}

	cs, err := callProvider(s, "checkout_session.create", func() (*stripe.CheckoutSession, error) {
		return s.client.provider.CreateCheckoutSession(ctx, sessionParams)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("checkout session created",
		zap.String("user_id", params.UserID),
		zap.String("tier", plan.Tier),
		zap.String("session_id", cs.ID),
	)
	return &Session{ID: cs.ID, URL: cs.URL}, nil
}

// CreatePortalSession creates a billing portal session for a user who
// already has a billing account.
func (s *Service) CreatePortalSession(ctx context.Context, userID, returnURL string) (*Session, error) {
	c, err := s.store.GetCustomer(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "get customer")
	}
	if c == nil {
		return nil, errors.Wrapf(ErrUnknownUser, "no billing account for user %s", userID)
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(c.ProviderCustomerID),
		ReturnURL: stripe.String(returnURL),
	}
	ps, err := callProvider(s, "portal_session.create", func() (*stripe.BillingPortalSession, error) {
		return s.client.provider.CreatePortalSession(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	return &Session{ID: ps.ID, URL: ps.URL}, nil
}
