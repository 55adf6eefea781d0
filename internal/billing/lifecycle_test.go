package billing

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"

	"github.com/kamilpajak/billsync/internal/database"
)

const t0 = int64(1_704_067_200) // 2024-01-01T00:00:00Z

func activeEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	env.seedCustomer(t, "u1", "cus_1")
	env.seedSubscription(t, stripeSubscription("sub_1", "cus_1", "u1", "price_starter_monthly", "active"), t0)
	return env
}

func storedSub(t *testing.T, env *testEnv) *database.Subscription {
	t.Helper()
	sub, err := env.store.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}

func TestCancelAtPeriodEnd(t *testing.T) {
	env := activeEnv(t)

	require.NoError(t, env.svc.CancelAtPeriodEnd(context.Background(), "u1"))

	require.Len(t, env.stripe.updates, 1)
	assert.True(t, stripe.BoolValue(env.stripe.updates[0].CancelAtPeriodEnd))
	sub := storedSub(t, env)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, database.StatusActive, sub.Status)
	assert.Equal(t, t0, sub.ProviderEventAt.Unix(), "optimistic write keeps the webhook version")
}

func TestResume(t *testing.T) {
	env := activeEnv(t)
	require.NoError(t, env.svc.CancelAtPeriodEnd(context.Background(), "u1"))

	require.NoError(t, env.svc.Resume(context.Background(), "u1"))

	require.Len(t, env.stripe.updates, 2)
	assert.False(t, stripe.BoolValue(env.stripe.updates[1].CancelAtPeriodEnd))
	assert.False(t, storedSub(t, env).CancelAtPeriodEnd)
}

func TestCancel_NoActiveSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.seedCustomer(t, "u1", "cus_1")

	err := env.svc.CancelAtPeriodEnd(context.Background(), "u1")
	assert.True(t, errors.Is(err, ErrNoActiveSubscription))

	err = env.svc.Resume(context.Background(), "u1")
	assert.True(t, errors.Is(err, ErrNoActiveSubscription))
	assert.Empty(t, env.stripe.updates)
}

func TestCancel_CanceledSubscriptionIsNotActive(t *testing.T) {
	env := activeEnv(t)
	env.deliver(t, "evt_del", EventSubscriptionDeleted, t0+10,
		subscriptionJSON(stripeSubscription("sub_1", "cus_1", "u1", "price_starter_monthly", "canceled")))

	err := env.svc.CancelAtPeriodEnd(context.Background(), "u1")
	assert.True(t, errors.Is(err, ErrNoActiveSubscription))
}

func TestCancel_ProviderFailureLeavesStateUntouched(t *testing.T) {
	env := activeEnv(t)
	env.provider.UpdateSubscriptionFn = func(context.Context, string, *stripe.SubscriptionParams) (*stripe.Subscription, error) {
		return nil, &stripe.Error{HTTPStatusCode: 500}
	}

	err := env.svc.CancelAtPeriodEnd(context.Background(), "u1")
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
	assert.False(t, storedSub(t, env).CancelAtPeriodEnd)
}

func TestConvergence_WebhookConfirmsOptimisticWrite(t *testing.T) {
	env := activeEnv(t)
	require.NoError(t, env.svc.CancelAtPeriodEnd(context.Background(), "u1"))
	before := *storedSub(t, env)

	confirmed := stripeSubscription("sub_1", "cus_1", "u1", "price_starter_monthly", "active")
	confirmed.CancelAtPeriodEnd = true
	env.deliver(t, "evt_confirm", EventSubscriptionUpdated, t0+5, subscriptionJSON(confirmed))

	after := storedSub(t, env)
	assert.Equal(t, before.CancelAtPeriodEnd, after.CancelAtPeriodEnd)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.PlanTier, after.PlanTier)
}

func TestConvergence_WebhookOverridesOptimisticWrite(t *testing.T) {
	env := activeEnv(t)
	require.NoError(t, env.svc.CancelAtPeriodEnd(context.Background(), "u1"))
	assert.True(t, storedSub(t, env).CancelAtPeriodEnd)

	// The user resumed through another channel.
	resumed := stripeSubscription("sub_1", "cus_1", "u1", "price_starter_monthly", "active")
	env.deliver(t, "evt_resumed", EventSubscriptionUpdated, t0+5, subscriptionJSON(resumed))

	assert.False(t, storedSub(t, env).CancelAtPeriodEnd)
}

func TestConvergence_OptimisticWriteLosesToInterleavedWebhook(t *testing.T) {
	env := activeEnv(t)

	// A webhook lands while the Stripe call is in flight.
	update := env.provider.UpdateSubscriptionFn
	env.provider.UpdateSubscriptionFn = func(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
		pastDue := stripeSubscription("sub_1", "cus_1", "u1", "price_starter_monthly", "past_due")
		env.deliver(t, "evt_interleaved", EventSubscriptionUpdated, t0+5, subscriptionJSON(pastDue))
		return update(ctx, id, params)
	}

	require.NoError(t, env.svc.CancelAtPeriodEnd(context.Background(), "u1"))

	sub := storedSub(t, env)
	assert.Equal(t, database.StatusPastDue, sub.Status)
	assert.False(t, sub.CancelAtPeriodEnd)
}

func TestChangePlan(t *testing.T) {
	env := activeEnv(t)

	res, err := env.svc.ChangePlan(context.Background(), ChangePlanParams{UserID: "u1", Tier: "professional"})
	require.NoError(t, err)
	assert.Nil(t, res.Checkout)

	require.Len(t, env.stripe.updates, 1)
	params := env.stripe.updates[0]
	require.Len(t, params.Items, 1)
	assert.Equal(t, "si_sub_1", stripe.StringValue(params.Items[0].ID))
	assert.Equal(t, "price_professional_monthly", stripe.StringValue(params.Items[0].Price))
	assert.Equal(t, "create_prorations", stripe.StringValue(params.ProrationBehavior))

	sub := storedSub(t, env)
	assert.Equal(t, "professional", sub.PlanTier)
	assert.Equal(t, "price_professional_monthly", sub.ProviderPriceID)
}

func TestChangePlan_SameTier(t *testing.T) {
	env := activeEnv(t)

	res, err := env.svc.ChangePlan(context.Background(), ChangePlanParams{UserID: "u1", Tier: "starter"})
	require.NoError(t, err)
	assert.Nil(t, res.Checkout)
	assert.Empty(t, env.stripe.updates)
}

func TestChangePlan_UnknownTier(t *testing.T) {
	env := activeEnv(t)

	_, err := env.svc.ChangePlan(context.Background(), ChangePlanParams{UserID: "u1", Tier: "platinum"})
	assert.True(t, errors.Is(err, ErrPlanNotFound))
	assert.Empty(t, env.stripe.updates)
}

func TestChangePlan_NoSubscriptionStartsCheckout(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddUserProfile("u1", "u1@example.com")

	res, err := env.svc.ChangePlan(context.Background(), ChangePlanParams{
		UserID:     "u1",
		Tier:       "professional",
		SuccessURL: "https://example.com/ok",
		CancelURL:  "https://example.com/cancel",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Checkout)
	assert.Equal(t, "cs_1", res.Checkout.ID)
	require.Len(t, env.stripe.checkouts, 1)
	assert.Equal(t, "price_professional_monthly", stripe.StringValue(env.stripe.checkouts[0].LineItems[0].Price))
	assert.Empty(t, env.stripe.updates)
}

func TestChangePlan_NoSubscriptionRequiresRedirectURLs(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddUserProfile("u1", "u1@example.com")

	_, err := env.svc.ChangePlan(context.Background(), ChangePlanParams{
		UserID:     "u1",
		Tier:       "professional",
		SuccessURL: "https://example.com/ok",
	})
	assert.True(t, errors.Is(err, ErrRedirectURLsRequired))
	assert.Empty(t, env.stripe.checkouts)

	customer, err := env.store.GetCustomer(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, customer, "no customer is created before the request is complete")
}

// Change plan without a subscription, complete checkout, then read back.
func TestScenario_ChangePlanThroughCheckout(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddUserProfile("U1", "u1@example.com")
	ctx := context.Background()

	res, err := env.svc.ChangePlan(ctx, ChangePlanParams{
		UserID:     "U1",
		Tier:       "professional",
		SuccessURL: "https://example.com/ok",
		CancelURL:  "https://example.com/cancel",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Checkout)

	customer, err := env.store.GetCustomer(ctx, "U1")
	require.NoError(t, err)
	require.NotNil(t, customer)

	env.stripe.put(stripeSubscription("sub_new", customer.ProviderCustomerID, "U1", "price_professional_monthly", "active"))
	out := env.deliver(t, "evt_checkout", EventCheckoutCompleted, t0,
		checkoutJSON(res.Checkout.ID, customer.ProviderCustomerID, "sub_new", "U1"))
	assert.Equal(t, OutcomeApplied, out.Outcome)

	overview, err := env.svc.GetBillingOverview(ctx, "U1", 10)
	require.NoError(t, err)
	require.NotNil(t, overview.Subscription)
	assert.Equal(t, "professional", overview.Subscription.PlanTier)
	assert.Equal(t, database.StatusActive, overview.Subscription.Status)
}
