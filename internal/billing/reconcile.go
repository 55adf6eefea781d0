package billing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"github.com/kamilpajak/billsync/internal/database"
)

// reconcileInvoiceLimit bounds how many recent invoices a reconcile pulls.
const reconcileInvoiceLimit = 24

// reconcileSkew is how far below the pull time reconcile writes are
// versioned. Stripe stamps events in whole seconds on its own clock, so a
// change made around the pull must still outrank the pulled state.
const reconcileSkew = 5 * time.Second

// ReconcileResult summarises a pull reconciliation.
type ReconcileResult struct {
	UserID           string
	SubscriptionID   string
	Outcome          Outcome
	InvoicesFetched  int
	InvoicesInserted int
}

// Reconcile pulls the user's subscription and recent invoices from Stripe
// and applies them through the same conditional writes as webhooks. The
// write is versioned a few seconds before the pull started, truncated to
// whole seconds, so any webhook created at or after the pull still wins.
func (s *Service) Reconcile(ctx context.Context, userID string) (*ReconcileResult, error) {
	c, err := s.store.GetCustomer(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "get customer")
	}
	if c == nil {
		return nil, errors.Wrapf(ErrUnknownUser, "no billing account for user %s", userID)
	}

	version := reconcileVersion(s.now())
	log := s.logger.With(zap.String("user_id", userID), zap.String("source", "reconcile"))

	invoices, err := callProvider(s, "invoice.list", func() ([]*stripe.Invoice, error) {
		return s.client.provider.ListInvoices(ctx, c.ProviderCustomerID, reconcileInvoiceLimit)
	})
	if err != nil {
		return nil, err
	}

	subID, err := s.reconcileTarget(ctx, userID, invoices)
	if err != nil {
		return nil, err
	}

	var sub *stripe.Subscription
	if subID != "" {
		id := subID
		sub, err = callProvider(s, "subscription.get", func() (*stripe.Subscription, error) {
			return s.client.provider.GetSubscription(ctx, id)
		})
		if err != nil {
			return nil, err
		}
	}

	res := &ReconcileResult{
		UserID:          userID,
		SubscriptionID:  subID,
		Outcome:         OutcomeNoop,
		InvoicesFetched: len(invoices),
	}
	err = s.store.WithinTx(ctx, func(w database.Writer) error {
		if sub != nil {
			target := subscriptionWrite{sub: sub, userID: userID, customerID: c.ProviderCustomerID}
			outcome, err := s.writeSubscription(ctx, w, target, version, "reconcile", log)
			if err != nil {
				return err
			}
			res.Outcome = outcome
		}

		for _, inv := range invoices {
			if inv.Status != stripe.InvoiceStatusPaid {
				continue
			}
			inserted, err := w.InsertInvoice(ctx, invoiceRecord(inv, userID))
			if err != nil {
				return errors.Wrap(err, "insert invoice")
			}
			if inserted {
				res.InvoicesInserted++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("reconciled",
		zap.String("subscription_id", subID),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("invoices_inserted", res.InvoicesInserted),
	)
	return res, nil
}

// reconcileTarget picks the subscription to pull: the locally known one, or
// failing that the subscription of the newest invoice.
func (s *Service) reconcileTarget(ctx context.Context, userID string, invoices []*stripe.Invoice) (string, error) {
	current, err := s.store.GetCurrentSubscription(ctx, userID)
	if err != nil {
		return "", errors.Wrap(err, "get subscription")
	}
	if current != nil {
		return current.ProviderSubscriptionID, nil
	}

	withSub := lo.Filter(invoices, func(inv *stripe.Invoice, _ int) bool {
		return inv.Subscription != nil && inv.Subscription.ID != ""
	})
	if len(withSub) == 0 {
		return "", nil
	}
	newest := lo.MaxBy(withSub, func(a, b *stripe.Invoice) bool { return a.Created > b.Created })
	return newest.Subscription.ID, nil
}

// reconcileVersion returns the version a pull started at now writes with.
func reconcileVersion(now time.Time) time.Time {
	return now.Add(-reconcileSkew).Truncate(time.Second).UTC()
}
