// Package billing keeps local subscription state consistent with Stripe.
package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/kamilpajak/billsync/internal/database"
)

// Metadata key carrying the local user ID on Stripe objects.
const metadataUserID = "user_id"

// Config holds Stripe configuration.
type Config struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
}

// StripeProvider defines the Stripe API operations the service needs.
// This allows mocking in tests.
type StripeProvider interface {
	CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	ListInvoices(ctx context.Context, customerID string, limit int) ([]*stripe.Invoice, error)
}

// DefaultStripeProvider implements StripeProvider with a per-instance
// Stripe API client, so no global key is set.
type DefaultStripeProvider struct {
	api *client.API
}

// NewDefaultStripeProvider creates a provider whose HTTP calls time out
// after timeout.
func NewDefaultStripeProvider(secretKey string, timeout time.Duration) *DefaultStripeProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	backends := stripe.NewBackends(&http.Client{Timeout: timeout})
	return &DefaultStripeProvider{api: client.New(secretKey, backends)}
}

// CreateCustomer creates a customer via the Stripe API.
func (p *DefaultStripeProvider) CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	params.Context = ctx
	return p.api.Customers.New(params)
}

// CreateCheckoutSession creates a checkout session via the Stripe API.
func (p *DefaultStripeProvider) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	params.Context = ctx
	return p.api.CheckoutSessions.New(params)
}

// CreatePortalSession creates a billing portal session via the Stripe API.
func (p *DefaultStripeProvider) CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	params.Context = ctx
	return p.api.BillingPortalSessions.New(params)
}

// GetSubscription retrieves a subscription via the Stripe API.
func (p *DefaultStripeProvider) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	return p.api.Subscriptions.Get(id, params)
}

// UpdateSubscription updates a subscription via the Stripe API.
func (p *DefaultStripeProvider) UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	params.Context = ctx
	return p.api.Subscriptions.Update(id, params)
}

// ListInvoices returns up to limit of the customer's most recent invoices.
func (p *DefaultStripeProvider) ListInvoices(ctx context.Context, customerID string, limit int) ([]*stripe.Invoice, error) {
	params := &stripe.InvoiceListParams{Customer: stripe.String(customerID)}
	params.Context = ctx
	params.Limit = stripe.Int64(int64(limit))

	var invoices []*stripe.Invoice
	iter := p.api.Invoices.List(params)
	for iter.Next() && len(invoices) < limit {
		invoices = append(invoices, iter.Invoice())
	}
	return invoices, iter.Err()
}

// Client wraps Stripe operations.
type Client struct {
	config   Config
	provider StripeProvider
}

// NewClient creates a new Stripe client.
func NewClient(cfg Config) *Client {
	return &Client{
		config:   cfg,
		provider: NewDefaultStripeProvider(cfg.SecretKey, cfg.Timeout),
	}
}

// NewClientWithProvider creates a new Stripe client with a custom provider (for testing).
func NewClientWithProvider(cfg Config, provider StripeProvider) *Client {
	return &Client{
		config:   cfg,
		provider: provider,
	}
}

// GetConfig returns the client configuration.
func (c *Client) GetConfig() Config {
	return c.config
}

// MapStatus collapses a Stripe subscription status onto the local set.
func MapStatus(status stripe.SubscriptionStatus) string {
	switch string(status) {
	case "active", "trialing":
		return database.StatusActive
	case "past_due", "unpaid", "paused":
		return database.StatusPastDue
	case "canceled", "incomplete_expired":
		return database.StatusCanceled
	default:
		return database.StatusIncomplete
	}
}

// subscriptionPriceID returns the price of the subscription's first item.
func subscriptionPriceID(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	return sub.Items.Data[0].Price.ID
}

func subscriptionItemID(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return ""
	}
	return sub.Items.Data[0].ID
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func unixTime(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

// subscriptionRecord converts a Stripe subscription into the local row.
func subscriptionRecord(sub *stripe.Subscription, userID string, plan Plan) database.Subscription {
	return database.Subscription{
		ProviderSubscriptionID: sub.ID,
		UserID:                 userID,
		ProviderCustomerID:     customerID(sub.Customer),
		ProviderPriceID:        plan.PriceID,
		PlanTier:               plan.Tier,
		Status:                 MapStatus(sub.Status),
		CurrentPeriodEnd:       unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
	}
}

// invoiceRecord converts a Stripe invoice into the local row.
func invoiceRecord(inv *stripe.Invoice, userID string) database.Invoice {
	rec := database.Invoice{
		ProviderInvoiceID: inv.ID,
		UserID:            userID,
		Amount:            inv.AmountPaid,
		Currency:          string(inv.Currency),
		Status:            string(inv.Status),
		IssuedAt:          time.Unix(inv.Created, 0).UTC(),
		PDFURL:            inv.InvoicePDF,
		HostedURL:         inv.HostedInvoiceURL,
	}
	if inv.Subscription != nil {
		rec.ProviderSubscriptionID = inv.Subscription.ID
	}
	return rec
}
