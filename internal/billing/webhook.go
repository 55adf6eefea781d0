package billing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/kamilpajak/billsync/internal/database"
)

// MaxWebhookBodyBytes caps the webhook request body.
const MaxWebhookBodyBytes = 64 << 10

// WebhookVerifier defines the interface for verifying webhook signatures.
type WebhookVerifier interface {
	ConstructEvent(payload []byte, header string, secret string) (stripe.Event, error)
}

// DefaultWebhookVerifier uses the real Stripe webhook package. Events from
// API versions other than the library's are accepted; only the fields the
// processor reads matter.
type DefaultWebhookVerifier struct{}

// ConstructEvent verifies and constructs a Stripe event from webhook payload.
func (v *DefaultWebhookVerifier) ConstructEvent(payload []byte, header string, secret string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

// Result describes how a verified webhook event was handled.
type Result struct {
	EventID   string
	EventType string
	Outcome   Outcome
}

// Processor applies verified Stripe events to the store. Every event either
// commits all of its writes together with its ledger entry or nothing.
type Processor struct {
	svc      *Service
	verifier WebhookVerifier
}

// NewProcessor creates a processor that verifies events with the webhook
// secret from the service's client config.
func NewProcessor(svc *Service) *Processor {
	return &Processor{svc: svc, verifier: &DefaultWebhookVerifier{}}
}

// NewProcessorWithVerifier creates a processor with a custom verifier (for testing).
func NewProcessorWithVerifier(svc *Service, verifier WebhookVerifier) *Processor {
	return &Processor{svc: svc, verifier: verifier}
}

// HandleWebhook verifies and applies one webhook delivery. A nil error means
// the event may be acknowledged. ErrInvalidSignature means the body was not
// sent by Stripe; any other error is transient and the delivery should be
// retried.
func (p *Processor) HandleWebhook(ctx context.Context, payload []byte, signature string) (Result, error) {
	event, err := p.verifier.ConstructEvent(payload, signature, p.svc.client.config.WebhookSecret)
	if err != nil {
		return Result{}, errors.Mark(errors.Wrap(err, "verify webhook"), ErrInvalidSignature)
	}

	start := time.Now()
	res := Result{EventID: event.ID, EventType: string(event.Type)}
	defer func() {
		if res.Outcome != "" {
			p.svc.metrics.WebhookEventsTotal.WithLabelValues(res.EventType, string(res.Outcome)).Inc()
		}
		p.svc.metrics.WebhookDuration.WithLabelValues(res.EventType).Observe(time.Since(start).Seconds())
	}()

	if !isRelevant(res.EventType) {
		res.Outcome = OutcomeIgnored
		return res, nil
	}

	seen, err := p.svc.store.IsWebhookEventProcessed(ctx, event.ID)
	if err != nil {
		return res, errors.Wrap(err, "check event ledger")
	}
	if seen {
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	apply, err := p.prepare(ctx, &event)
	if err != nil {
		return res, err
	}

	var outcome Outcome
	applied, err := p.svc.store.WithWebhookEvent(ctx, event.ID, res.EventType, func(w database.Writer) (string, error) {
		o, err := apply(ctx, w)
		outcome = o
		return string(o), err
	})
	if err != nil {
		return res, errors.Wrap(err, "apply event")
	}
	if !applied {
		outcome = OutcomeDuplicate
	}
	res.Outcome = outcome
	return res, nil
}

// WebhookHandler serves Stripe webhook deliveries over HTTP.
type WebhookHandler struct {
	processor *Processor
	logger    *zap.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(processor *Processor, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{processor: processor, logger: logger}
}

// ServeHTTP handles incoming Stripe webhooks.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	res, err := h.processor.HandleWebhook(r.Context(), body, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		h.logger.Debug("webhook handled",
			zap.String("event_id", res.EventID),
			zap.String("event_type", res.EventType),
			zap.String("outcome", string(res.Outcome)),
		)
	case errors.Is(err, ErrInvalidSignature):
		h.logger.Warn("webhook rejected", zap.Error(err))
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	default:
		h.logger.Error("webhook processing failed",
			zap.String("event_id", res.EventID),
			zap.String("event_type", res.EventType),
			zap.Error(err),
		)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"received": true})
}
