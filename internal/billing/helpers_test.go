package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/kamilpajak/billsync/internal/testutil"
)

const testWebhookSecret = "whsec_test_secret"

var _ Store = (*testutil.MemStore)(nil)

// fakeStripe keeps subscriptions in memory and serves them through a
// MockStripeProvider.
type fakeStripe struct {
	mu            sync.Mutex
	subscriptions map[string]*stripe.Subscription
	invoices      map[string][]*stripe.Invoice
	customerSeq   atomic.Int64
	updates       []*stripe.SubscriptionParams
	checkouts     []*stripe.CheckoutSessionParams
}

func newFakeStripe() *fakeStripe {
	return &fakeStripe{
		subscriptions: map[string]*stripe.Subscription{},
		invoices:      map[string][]*stripe.Invoice{},
	}
}

func (f *fakeStripe) put(sub *stripe.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sub
	f.subscriptions[sub.ID] = &cp
}

func (f *fakeStripe) provider() *MockStripeProvider {
	return &MockStripeProvider{
		CreateCustomerFn: func(_ context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
			return &stripe.Customer{ID: fmt.Sprintf("cus_%d", f.customerSeq.Add(1))}, nil
		},
		CreateCheckoutSessionFn: func(_ context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.checkouts = append(f.checkouts, params)
			id := fmt.Sprintf("cs_%d", len(f.checkouts))
			return &stripe.CheckoutSession{ID: id, URL: "https://checkout.stripe.com/c/" + id}, nil
		},
		GetSubscriptionFn: func(_ context.Context, id string) (*stripe.Subscription, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			sub, ok := f.subscriptions[id]
			if !ok {
				return nil, &stripe.Error{HTTPStatusCode: 404, Msg: "No such subscription"}
			}
			cp := *sub
			return &cp, nil
		},
		UpdateSubscriptionFn: func(_ context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			sub, ok := f.subscriptions[id]
			if !ok {
				return nil, &stripe.Error{HTTPStatusCode: 404, Msg: "No such subscription"}
			}
			f.updates = append(f.updates, params)
			if params.CancelAtPeriodEnd != nil {
				sub.CancelAtPeriodEnd = *params.CancelAtPeriodEnd
			}
			for _, item := range params.Items {
				sub.Items = &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
					{ID: stripe.StringValue(item.ID), Price: &stripe.Price{ID: stripe.StringValue(item.Price)}},
				}}
			}
			cp := *sub
			return &cp, nil
		},
		ListInvoicesFn: func(_ context.Context, customerID string, limit int) ([]*stripe.Invoice, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.invoices[customerID], nil
		},
	}
}

type testEnv struct {
	svc       *Service
	store     *testutil.MemStore
	stripe    *fakeStripe
	provider  *MockStripeProvider
	processor *Processor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fs := newFakeStripe()
	provider := fs.provider()
	store := testutil.NewMemStore()
	client := NewClientWithProvider(Config{WebhookSecret: testWebhookSecret}, provider)
	svc := NewService(client, store, DefaultCatalog())
	return &testEnv{
		svc:       svc,
		store:     store,
		stripe:    fs,
		provider:  provider,
		processor: NewProcessor(svc),
	}
}

var periodEnd = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

func stripeSubscription(id, customer, userID, priceID string, status stripe.SubscriptionStatus) *stripe.Subscription {
	sub := &stripe.Subscription{
		ID:               id,
		Customer:         &stripe.Customer{ID: customer},
		Status:           status,
		CurrentPeriodEnd: periodEnd.Unix(),
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
			{ID: "si_" + id, Price: &stripe.Price{ID: priceID}},
		}},
	}
	if userID != "" {
		sub.Metadata = map[string]string{metadataUserID: userID}
	}
	return sub
}

// subscriptionJSON renders a subscription the way Stripe sends it in an
// event payload.
func subscriptionJSON(sub *stripe.Subscription) map[string]any {
	return map[string]any{
		"id":                   sub.ID,
		"object":               "subscription",
		"customer":             sub.Customer.ID,
		"status":               string(sub.Status),
		"current_period_end":   sub.CurrentPeriodEnd,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"metadata":             sub.Metadata,
		"items": map[string]any{
			"object": "list",
			"data": []any{map[string]any{
				"id":     sub.Items.Data[0].ID,
				"object": "subscription_item",
				"price":  map[string]any{"id": sub.Items.Data[0].Price.ID, "object": "price"},
			}},
		},
	}
}

func invoiceJSON(id, customer, subscription string, amount int64) map[string]any {
	obj := map[string]any{
		"id":                 id,
		"object":             "invoice",
		"customer":           customer,
		"amount_paid":        amount,
		"currency":           "eur",
		"status":             "paid",
		"created":            periodEnd.Add(-30 * 24 * time.Hour).Unix(),
		"invoice_pdf":        "https://pay.stripe.com/invoice/" + id + "/pdf",
		"hosted_invoice_url": "https://invoice.stripe.com/i/" + id,
	}
	if subscription != "" {
		obj["subscription"] = subscription
	}
	return obj
}

func checkoutJSON(id, customer, subscription, userID string) map[string]any {
	return map[string]any{
		"id":                  id,
		"object":              "checkout.session",
		"customer":            customer,
		"subscription":        subscription,
		"client_reference_id": userID,
		"mode":                "subscription",
		"metadata":            map[string]string{metadataUserID: userID},
	}
}

// signedEvent builds a Stripe event body and a valid signature header.
func signedEvent(t *testing.T, id, eventType string, created int64, object map[string]any) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created,
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return body, signed.Header
}

// deliver signs and processes an event, failing the test on error.
func (e *testEnv) deliver(t *testing.T, id, eventType string, created int64, object map[string]any) Result {
	t.Helper()
	res, err := e.tryDeliver(t, id, eventType, created, object)
	require.NoError(t, err)
	return res
}

func (e *testEnv) tryDeliver(t *testing.T, id, eventType string, created int64, object map[string]any) (Result, error) {
	t.Helper()
	body, sig := signedEvent(t, id, eventType, created, object)
	return e.processor.HandleWebhook(context.Background(), body, sig)
}

// seedCustomer stores a user profile and customer mapping.
func (e *testEnv) seedCustomer(t *testing.T, userID, customerID string) {
	t.Helper()
	e.store.AddUserProfile(userID, userID+"@example.com")
	_, _, err := e.store.CreateCustomer(context.Background(), userID, customerID)
	require.NoError(t, err)
}

// seedSubscription stores a subscription through a webhook-style write at
// the given version and mirrors it in the fake Stripe.
func (e *testEnv) seedSubscription(t *testing.T, sub *stripe.Subscription, version int64) {
	t.Helper()
	e.stripe.put(sub)
	e.deliver(t, fmt.Sprintf("evt_seed_%s_%d", sub.ID, version), EventSubscriptionUpdated, version, subscriptionJSON(sub))
}
