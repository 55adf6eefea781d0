package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kamilpajak/billsync/internal/database"
)

// Overview is the read projection of a user's billing state.
type Overview struct {
	Subscription *database.Subscription
	Invoices     []database.Invoice
}

// GetBillingOverview returns the user's current subscription (the active one
// if any, else the most recent) and most recent invoices.
func (s *Service) GetBillingOverview(ctx context.Context, userID string, invoiceLimit int) (*Overview, error) {
	sub, err := s.store.GetCurrentSubscription(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "get subscription")
	}
	invoices, err := s.store.ListInvoices(ctx, userID, invoiceLimit)
	if err != nil {
		return nil, errors.Wrap(err, "list invoices")
	}
	return &Overview{Subscription: sub, Invoices: invoices}, nil
}

// Entitlements describes what the user's subscription currently grants.
type Entitlements struct {
	UserID           string
	Tier             string
	Status           string
	Active           bool
	CurrentPeriodEnd *time.Time
	Limits           map[string]int
}

// Entitlements returns the feature limits of the user's plan. Only an active
// subscription grants limits; past_due, incomplete and canceled grant none.
func (s *Service) Entitlements(ctx context.Context, userID string) (*Entitlements, error) {
	sub, err := s.store.GetCurrentSubscription(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "get subscription")
	}

	e := &Entitlements{UserID: userID, Limits: map[string]int{}}
	if sub == nil {
		return e, nil
	}
	e.Tier = sub.PlanTier
	e.Status = sub.Status
	e.CurrentPeriodEnd = sub.CurrentPeriodEnd

	if sub.Status != database.StatusActive {
		return e, nil
	}
	plan, err := s.catalog.ResolvePlan(sub.ProviderPriceID)
	if err != nil {
		return nil, err
	}
	e.Active = true
	for feature, limit := range plan.FeatureLimits {
		e.Limits[feature] = limit
	}
	return e, nil
}

// CheckLimit returns a *LimitExceededError if used has reached the user's
// limit for feature.
func (s *Service) CheckLimit(ctx context.Context, userID, feature string, used int) error {
	e, err := s.Entitlements(ctx, userID)
	if err != nil {
		return err
	}
	limit := e.Limits[feature]
	if limit == Unlimited || used < limit {
		return nil
	}
	return &LimitExceededError{
		UserID:  userID,
		Tier:    e.Tier,
		Feature: feature,
		Limit:   limit,
		Used:    used,
	}
}

// LimitExceededError is returned when a user has used up a plan limit.
type LimitExceededError struct {
	UserID  string
	Tier    string
	Feature string
	Limit   int
	Used    int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("limit exceeded: %d/%d %s used (tier: %s)", e.Used, e.Limit, e.Feature, e.Tier)
}

// IsLimitExceeded checks if an error is a LimitExceededError.
func IsLimitExceeded(err error) bool {
	var le *LimitExceededError
	return errors.As(err, &le)
}
