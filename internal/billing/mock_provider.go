package billing

import (
	"context"

	"github.com/stripe/stripe-go/v76"
)

// MockStripeProvider is a mock implementation of StripeProvider for testing.
type MockStripeProvider struct {
	CreateCustomerFn        func(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error)
	CreateCheckoutSessionFn func(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	CreatePortalSessionFn   func(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
	GetSubscriptionFn       func(ctx context.Context, id string) (*stripe.Subscription, error)
	UpdateSubscriptionFn    func(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	ListInvoicesFn          func(ctx context.Context, customerID string, limit int) ([]*stripe.Invoice, error)
}

// CreateCustomer calls the mock function.
func (m *MockStripeProvider) CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	if m.CreateCustomerFn != nil {
		return m.CreateCustomerFn(ctx, params)
	}
	return &stripe.Customer{ID: "cus_mock123"}, nil
}

// CreateCheckoutSession calls the mock function.
func (m *MockStripeProvider) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if m.CreateCheckoutSessionFn != nil {
		return m.CreateCheckoutSessionFn(ctx, params)
	}
	return &stripe.CheckoutSession{ID: "cs_mock123", URL: "https://checkout.stripe.com/test"}, nil
}

// CreatePortalSession calls the mock function.
func (m *MockStripeProvider) CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	if m.CreatePortalSessionFn != nil {
		return m.CreatePortalSessionFn(ctx, params)
	}
	return &stripe.BillingPortalSession{ID: "bps_mock123", URL: "https://billing.stripe.com/test"}, nil
}

// GetSubscription calls the mock function.
func (m *MockStripeProvider) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	if m.GetSubscriptionFn != nil {
		return m.GetSubscriptionFn(ctx, id)
	}
	return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusActive}, nil
}

// UpdateSubscription calls the mock function.
func (m *MockStripeProvider) UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	if m.UpdateSubscriptionFn != nil {
		return m.UpdateSubscriptionFn(ctx, id, params)
	}
	return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusActive}, nil
}

// ListInvoices calls the mock function.
func (m *MockStripeProvider) ListInvoices(ctx context.Context, customerID string, limit int) ([]*stripe.Invoice, error) {
	if m.ListInvoicesFn != nil {
		return m.ListInvoicesFn(ctx, customerID, limit)
	}
	return nil, nil
}

// MockWebhookVerifier is a mock implementation of WebhookVerifier for testing.
type MockWebhookVerifier struct {
	ConstructEventFn func(payload []byte, header string, secret string) (stripe.Event, error)
}

// ConstructEvent calls the mock function.
func (m *MockWebhookVerifier) ConstructEvent(payload []byte, header string, secret string) (stripe.Event, error) {
	if m.ConstructEventFn != nil {
		return m.ConstructEventFn(payload, header, secret)
	}
	return stripe.Event{}, nil
}
