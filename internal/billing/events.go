package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"github.com/kamilpajak/billsync/internal/database"
)

// Stripe event types the processor acts on.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventInvoicePaid         = "invoice.payment_succeeded"
	EventInvoiceFailed       = "invoice.payment_failed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// RelevantEventTypes returns the Stripe event types that should be handled.
func RelevantEventTypes() []string {
	return []string{
		EventCheckoutCompleted,
		EventSubscriptionCreated,
		EventSubscriptionUpdated,
		EventSubscriptionDeleted,
		EventInvoicePaid,
		EventInvoiceFailed,
	}
}

func isRelevant(eventType string) bool {
	return lo.Contains(RelevantEventTypes(), eventType)
}

// Outcome records what processing an event did. It is stored in the event
// ledger and used as a metric label.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeStale            Outcome = "stale"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeNoop             Outcome = "noop"
	OutcomeUnknownPlan      Outcome = "unknown_plan"
	OutcomeUnattributed     Outcome = "unattributed"
	OutcomeCustomerConflict Outcome = "customer_conflict"
)

// applyFunc performs an event's writes inside the ledger transaction.
type applyFunc func(ctx context.Context, w database.Writer) (Outcome, error)

func constant(o Outcome) applyFunc {
	return func(context.Context, database.Writer) (Outcome, error) { return o, nil }
}

// prepare decodes the event and performs any provider reads it needs. Reads
// happen here, outside the database transaction.
func (p *Processor) prepare(ctx context.Context, event *stripe.Event) (applyFunc, error) {
	eventAt := time.Unix(event.Created, 0).UTC()
	log := p.svc.logger.With(zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))

	switch string(event.Type) {
	case EventCheckoutCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return nil, errors.Wrap(err, "decode checkout session")
		}
		userID := lo.Ternary(cs.Metadata[metadataUserID] != "", cs.Metadata[metadataUserID], cs.ClientReferenceID)
		if userID == "" || cs.Subscription == nil || cs.Subscription.ID == "" {
			log.Warn("checkout session cannot be attributed", zap.String("session_id", cs.ID))
			return constant(OutcomeUnattributed), nil
		}
		sub, err := p.fetchSubscription(ctx, cs.Subscription.ID)
		if err != nil {
			return nil, err
		}
		target := subscriptionWrite{sub: sub, userID: userID, customerID: customerID(cs.Customer)}
		return func(ctx context.Context, w database.Writer) (Outcome, error) {
			return p.svc.writeSubscription(ctx, w, target, eventAt, "webhook", log)
		}, nil

	case EventInvoicePaid, EventInvoiceFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, errors.Wrap(err, "decode invoice")
		}
		var sub *stripe.Subscription
		if inv.Subscription != nil && inv.Subscription.ID != "" {
			var err error
			if sub, err = p.fetchSubscription(ctx, inv.Subscription.ID); err != nil {
				return nil, err
			}
		}
		recordInvoice := string(event.Type) == EventInvoicePaid
		return func(ctx context.Context, w database.Writer) (Outcome, error) {
			return p.svc.writeInvoiceEvent(ctx, w, &inv, sub, recordInvoice, eventAt, "webhook", log)
		}, nil

	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, errors.Wrap(err, "decode subscription")
		}
		target := subscriptionWrite{
			sub:      &sub,
			canceled: string(event.Type) == EventSubscriptionDeleted,
		}
		return func(ctx context.Context, w database.Writer) (Outcome, error) {
			return p.svc.writeSubscription(ctx, w, target, eventAt, "webhook", log)
		}, nil
	}

	return constant(OutcomeIgnored), nil
}

func (p *Processor) fetchSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return callProvider(p.svc, "subscription.get", func() (*stripe.Subscription, error) {
		return p.svc.client.provider.GetSubscription(ctx, id)
	})
}

// subscriptionWrite is a subscription to store, with whatever attribution
// the event carried.
type subscriptionWrite struct {
	sub        *stripe.Subscription
	userID     string
	customerID string
	// canceled forces the stored status to canceled (deletion events).
	canceled bool
}

// resolveUser attributes a subscription to a local user: the explicit hint,
// then subscription metadata, then an existing row, then the customer
// mapping.
func resolveUser(ctx context.Context, w database.Writer, hint string, sub *stripe.Subscription, providerCustomerID string) (string, error) {
	if hint != "" {
		return hint, nil
	}
	if sub != nil {
		if id := sub.Metadata[metadataUserID]; id != "" {
			return id, nil
		}
		existing, err := w.GetSubscription(ctx, sub.ID)
		if err != nil {
			return "", err
		}
		if existing != nil {
			return existing.UserID, nil
		}
	}
	if providerCustomerID == "" {
		return "", nil
	}
	c, err := w.GetCustomerByProviderID(ctx, providerCustomerID)
	if err != nil || c == nil {
		return "", err
	}
	return c.UserID, nil
}

// writeSubscription stores a provider subscription wholesale through the
// versioned upsert. Non-retryable problems are returned as outcomes, not
// errors.
func (s *Service) writeSubscription(
	ctx context.Context,
	w database.Writer,
	target subscriptionWrite,
	version time.Time,
	source string,
	log *zap.Logger,
) (Outcome, error) {
	sub := target.sub
	log = log.With(zap.String("subscription_id", sub.ID))

	existing, err := w.GetSubscription(ctx, sub.ID)
	if err != nil {
		return "", errors.Wrap(err, "get subscription")
	}

	cusID := lo.Ternary(target.customerID != "", target.customerID, customerID(sub.Customer))
	if cusID == "" && existing != nil {
		cusID = existing.ProviderCustomerID
	}
	if cusID == "" {
		log.Warn("subscription has no customer")
		return OutcomeUnattributed, nil
	}

	userID, err := resolveUser(ctx, w, target.userID, sub, cusID)
	if err != nil {
		return "", errors.Wrap(err, "resolve user")
	}
	if userID == "" {
		log.Warn("subscription cannot be attributed to a user", zap.String("customer_id", cusID))
		return OutcomeUnattributed, nil
	}

	priceID := subscriptionPriceID(sub)
	plan, err := s.catalog.ResolvePlan(priceID)
	if err != nil {
		if !target.canceled || existing == nil {
			log.Error("subscription price not in plan catalog",
				zap.String("user_id", userID),
				zap.String("price_id", priceID),
			)
			return OutcomeUnknownPlan, nil
		}
		// A deletion only needs the status; keep the stored price/tier pair.
		plan = Plan{PriceID: existing.ProviderPriceID, Tier: existing.PlanTier}
	}

	if err := w.EnsureCustomer(ctx, userID, cusID); err != nil {
		if errors.Is(err, ErrCustomerConflict) {
			log.Error("customer mapping conflict",
				zap.String("user_id", userID),
				zap.String("customer_id", cusID),
			)
			return OutcomeCustomerConflict, nil
		}
		return "", errors.Wrap(err, "ensure customer")
	}

	rec := subscriptionRecord(sub, userID, plan)
	rec.ProviderCustomerID = cusID
	if target.canceled {
		rec.Status = database.StatusCanceled
	}

	applied, err := w.UpsertSubscription(ctx, rec, version)
	if err != nil {
		return "", errors.Wrap(err, "upsert subscription")
	}
	if !applied {
		s.metrics.StaleWritesTotal.WithLabelValues(source).Inc()
		log.Debug("stale subscription state ignored", zap.Time("version", version))
		return OutcomeStale, nil
	}

	log.Info("subscription stored",
		zap.String("user_id", userID),
		zap.String("tier", rec.PlanTier),
		zap.String("status", rec.Status),
	)
	return OutcomeApplied, nil
}

// writeInvoiceEvent stores the invoice's subscription and, for paid
// invoices, the invoice itself. An invoice whose plan is unknown is still
// recorded; only the subscription write is skipped.
func (s *Service) writeInvoiceEvent(
	ctx context.Context,
	w database.Writer,
	inv *stripe.Invoice,
	sub *stripe.Subscription,
	recordInvoice bool,
	version time.Time,
	source string,
	log *zap.Logger,
) (Outcome, error) {
	log = log.With(zap.String("invoice_id", inv.ID))
	cusID := customerID(inv.Customer)

	outcome := OutcomeNoop
	if sub != nil {
		var err error
		outcome, err = s.writeSubscription(ctx, w, subscriptionWrite{sub: sub, customerID: cusID}, version, source, log)
		if err != nil {
			return "", err
		}
		if outcome == OutcomeCustomerConflict || outcome == OutcomeUnattributed {
			return outcome, nil
		}
	}
	if !recordInvoice {
		return outcome, nil
	}

	userID, err := resolveUser(ctx, w, "", sub, cusID)
	if err != nil {
		return "", errors.Wrap(err, "resolve user")
	}
	if userID == "" {
		log.Warn("invoice cannot be attributed to a user", zap.String("customer_id", cusID))
		return OutcomeUnattributed, nil
	}

	inserted, err := w.InsertInvoice(ctx, invoiceRecord(inv, userID))
	if err != nil {
		return "", errors.Wrap(err, "insert invoice")
	}
	if inserted {
		log.Info("invoice recorded", zap.String("user_id", userID), zap.Int64("amount", inv.AmountPaid))
	}
	if outcome == OutcomeNoop {
		outcome = lo.Ternary(inserted, OutcomeApplied, OutcomeNoop)
	}
	return outcome, nil
}
