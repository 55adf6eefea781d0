package billing

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"

	"github.com/kamilpajak/billsync/internal/database"
)

func paidInvoice(id, subID string, created int64) *stripe.Invoice {
	return &stripe.Invoice{
		ID:           id,
		Customer:     &stripe.Customer{ID: "cus_1"},
		Subscription: &stripe.Subscription{ID: subID},
		AmountPaid:   2900,
		Currency:     "eur",
		Status:       stripe.InvoiceStatusPaid,
		Created:      created,
	}
}

func TestReconcile_RecoversMissedWebhooks(t *testing.T) {
	env := newTestEnv(t)
	env.seedCustomer(t, "u1", "cus_1")
	env.svc.now = func() time.Time { return time.Unix(t0+100, 0) }

	// Checkout completed while webhooks were down.
	env.stripe.put(stripeSubscription("sub_1", "cus_1", "u1", "price_professional_monthly", "active"))
	env.stripe.invoices["cus_1"] = []*stripe.Invoice{
		paidInvoice("in_2", "sub_1", t0+50),
		paidInvoice("in_1", "sub_1", t0),
		{ID: "in_draft", Status: stripe.InvoiceStatusDraft, Customer: &stripe.Customer{ID: "cus_1"}},
	}

	res, err := env.svc.Reconcile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", res.SubscriptionID)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 3, res.InvoicesFetched)
	assert.Equal(t, 2, res.InvoicesInserted)

	sub := storedSubFor(t, env, "sub_1")
	assert.Equal(t, "professional", sub.PlanTier)
	assert.Equal(t, t0+95, sub.ProviderEventAt.Unix())

	// A second pass inserts nothing new.
	res, err = env.svc.Reconcile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.InvoicesInserted)
	assert.Equal(t, 2, env.store.InvoiceCount())
}

func TestReconcile_NewerWebhookWins(t *testing.T) {
	env := activeEnv(t)
	env.deliver(t, "evt_late", EventSubscriptionUpdated, t0+200,
		subscriptionJSON(stripeSubscription("sub_1", "cus_1", "u1", "price_starter_monthly", "past_due")))

	// Reconcile started before that event was created.
	env.svc.now = func() time.Time { return time.Unix(t0+100, 0) }
	res, err := env.svc.Reconcile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.Equal(t, database.StatusPastDue, storedSubFor(t, env, "sub_1").Status)
}

func TestReconcile_SameSecondWebhookWins(t *testing.T) {
	env := activeEnv(t)
	env.svc.now = func() time.Time { return time.Unix(t0+100, 500_000_000) }

	res, err := env.svc.Reconcile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	// Canceled right after the pull; Stripe stamps the event in whole seconds.
	changed := stripeSubscription("sub_1", "cus_1", "u1", "price_starter_monthly", "active")
	changed.CancelAtPeriodEnd = true
	out := env.deliver(t, "evt_after_pull", EventSubscriptionUpdated, t0+100, subscriptionJSON(changed))
	assert.Equal(t, OutcomeApplied, out.Outcome)
	assert.True(t, storedSubFor(t, env, "sub_1").CancelAtPeriodEnd)
}

func TestReconcile_WebhookFromSkewedClockWins(t *testing.T) {
	env := activeEnv(t)
	// Local clock runs ahead of Stripe's.
	env.svc.now = func() time.Time { return time.Unix(t0+103, 900_000_000) }

	_, err := env.svc.Reconcile(context.Background(), "u1")
	require.NoError(t, err)

	changed := stripeSubscription("sub_1", "cus_1", "u1", "price_starter_monthly", "past_due")
	out := env.deliver(t, "evt_skewed", EventSubscriptionUpdated, t0+100, subscriptionJSON(changed))
	assert.Equal(t, OutcomeApplied, out.Outcome)
	assert.Equal(t, database.StatusPastDue, storedSubFor(t, env, "sub_1").Status)
}

func TestReconcileVersion(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 10, 999_000_000, time.FixedZone("CET", 3600))
	assert.Equal(t, time.Date(2024, 1, 1, 11, 0, 5, 0, time.UTC), reconcileVersion(now))
}

func TestReconcile_NoBillingAccount(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Reconcile(context.Background(), "u1")
	assert.True(t, errors.Is(err, ErrUnknownUser))
}

func TestReconcile_NothingToPull(t *testing.T) {
	env := newTestEnv(t)
	env.seedCustomer(t, "u1", "cus_1")

	res, err := env.svc.Reconcile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Empty(t, res.SubscriptionID)
}

func TestReconcile_ProviderFailure(t *testing.T) {
	env := activeEnv(t)
	env.provider.ListInvoicesFn = func(context.Context, string, int) ([]*stripe.Invoice, error) {
		return nil, &stripe.Error{HTTPStatusCode: 503}
	}

	_, err := env.svc.Reconcile(context.Background(), "u1")
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
}
