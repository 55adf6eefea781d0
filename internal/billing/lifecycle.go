package billing

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"github.com/kamilpajak/billsync/internal/database"
)

// ChangePlanParams contains parameters for a plan change. The URLs are only
// used when the user has no active subscription and is sent to checkout.
type ChangePlanParams struct {
	UserID     string
	Tier       string
	SuccessURL string
	CancelURL  string
}

// ChangePlanResult reports how a plan change was carried out. Checkout is
// set when the user had no active subscription.
type ChangePlanResult struct {
	Checkout *Session
}

// CancelAtPeriodEnd schedules the user's active subscription to end at the
// close of the current billing period.
func (s *Service) CancelAtPeriodEnd(ctx context.Context, userID string) error {
	return s.setCancelAtPeriodEnd(ctx, userID, true)
}

// Resume clears a scheduled cancellation.
func (s *Service) Resume(ctx context.Context, userID string) error {
	return s.setCancelAtPeriodEnd(ctx, userID, false)
}

func (s *Service) setCancelAtPeriodEnd(ctx context.Context, userID string, cancel bool) error {
	current, err := s.activeSubscription(ctx, userID)
	if err != nil {
		return err
	}

	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(cancel)}
	updated, err := callProvider(s, "subscription.update", func() (*stripe.Subscription, error) {
		return s.client.provider.UpdateSubscription(ctx, current.ProviderSubscriptionID, params)
	})
	if err != nil {
		return err
	}

	s.logger.Info("subscription cancel_at_period_end updated",
		zap.String("user_id", userID),
		zap.String("subscription_id", current.ProviderSubscriptionID),
		zap.Bool("cancel_at_period_end", cancel),
	)
	return s.recordOptimistic(ctx, current, updated)
}

// ChangePlan moves the user's active subscription to the plan for
// params.Tier with prorations. Without an active subscription the user is
// sent to checkout for that plan instead.
func (s *Service) ChangePlan(ctx context.Context, params ChangePlanParams) (*ChangePlanResult, error) {
	plan, err := s.catalog.PlanForTier(params.Tier)
	if err != nil {
		return nil, err
	}

	current, err := s.store.GetActiveSubscription(ctx, params.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "get active subscription")
	}
	if current == nil {
		if params.SuccessURL == "" || params.CancelURL == "" {
			return nil, errors.Wrapf(ErrRedirectURLsRequired, "change plan for user %s", params.UserID)
		}
		session, err := s.CreateCheckoutSession(ctx, CheckoutParams{
			UserID:     params.UserID,
			PriceID:    plan.PriceID,
			SuccessURL: params.SuccessURL,
			CancelURL:  params.CancelURL,
		})
		if err != nil {
			return nil, err
		}
		return &ChangePlanResult{Checkout: session}, nil
	}

	if current.ProviderPriceID == plan.PriceID {
		return &ChangePlanResult{}, nil
	}

	remote, err := callProvider(s, "subscription.get", func() (*stripe.Subscription, error) {
		return s.client.provider.GetSubscription(ctx, current.ProviderSubscriptionID)
	})
	if err != nil {
		return nil, err
	}
	itemID := subscriptionItemID(remote)
	if itemID == "" {
		return nil, errors.Mark(
			errors.Newf("subscription %s has no items", current.ProviderSubscriptionID),
			ErrProviderRejected,
		)
	}

	update := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(itemID),
				Price: stripe.String(plan.PriceID),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	updated, err := callProvider(s, "subscription.update", func() (*stripe.Subscription, error) {
		return s.client.provider.UpdateSubscription(ctx, current.ProviderSubscriptionID, update)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("subscription plan changed",
		zap.String("user_id", params.UserID),
		zap.String("subscription_id", current.ProviderSubscriptionID),
		zap.String("from_tier", current.PlanTier),
		zap.String("to_tier", plan.Tier),
	)
	if err := s.recordOptimistic(ctx, current, updated); err != nil {
		return nil, err
	}
	return &ChangePlanResult{}, nil
}

func (s *Service) activeSubscription(ctx context.Context, userID string) (*database.Subscription, error) {
	current, err := s.store.GetActiveSubscription(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "get active subscription")
	}
	if current == nil {
		return nil, errors.Wrapf(ErrNoActiveSubscription, "user %s", userID)
	}
	return current, nil
}

// recordOptimistic writes the subscription Stripe returned over the row read
// before the call. The write is skipped if a webhook was applied in between,
// and it never advances the row's version, so the next webhook overwrites it.
func (s *Service) recordOptimistic(ctx context.Context, read *database.Subscription, updated *stripe.Subscription) error {
	plan, err := s.catalog.ResolvePlan(subscriptionPriceID(updated))
	if err != nil {
		// Keep the stored price/tier pair rather than store a tier without
		// the price that justified it.
		plan = Plan{PriceID: read.ProviderPriceID, Tier: read.PlanTier}
	}

	rec := subscriptionRecord(updated, read.UserID, plan)
	rec.ProviderSubscriptionID = read.ProviderSubscriptionID
	if rec.ProviderCustomerID == "" {
		rec.ProviderCustomerID = read.ProviderCustomerID
	}

	applied, err := s.store.ApplyOptimisticUpdate(ctx, rec, read.ProviderEventAt)
	if err != nil {
		return errors.Wrap(err, "record subscription update")
	}
	if !applied {
		s.metrics.StaleWritesTotal.WithLabelValues("optimistic").Inc()
		s.logger.Debug("optimistic write superseded by webhook",
			zap.String("subscription_id", read.ProviderSubscriptionID),
		)
	}
	return nil
}
