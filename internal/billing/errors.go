package billing

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/stripe/stripe-go/v76"

	"github.com/kamilpajak/billsync/internal/database"
)

// Error kinds returned by the billing service. Callers match them with
// errors.Is; provider errors are marked rather than replaced so the Stripe
// detail stays in the chain.
var (
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrUnknownUser          = errors.New("unknown user")
	ErrNoActiveSubscription = errors.New("no active subscription")
	ErrProviderUnavailable  = errors.New("billing provider unavailable")
	ErrProviderRejected     = errors.New("billing provider rejected the request")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrRedirectURLsRequired = errors.New("successUrl and cancelUrl are required for new subscriptions")
	ErrCustomerConflict     = database.ErrCustomerConflict
)

// classifyStripeError wraps err and marks it as unavailable (5xx, 429,
// transport failures) or rejected (any other 4xx).
func classifyStripeError(err error, op string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, "stripe: %s", op)

	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode >= http.StatusInternalServerError,
			se.HTTPStatusCode == http.StatusTooManyRequests:
			return errors.Mark(wrapped, ErrProviderUnavailable)
		case se.HTTPStatusCode >= http.StatusBadRequest:
			return errors.Mark(wrapped, ErrProviderRejected)
		}
	}
	return errors.Mark(wrapped, ErrProviderUnavailable)
}
