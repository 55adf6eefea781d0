package api

import (
	"net/http"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/kamilpajak/billsync/internal/auth"
	"github.com/kamilpajak/billsync/internal/billing"
	"github.com/kamilpajak/billsync/internal/logger"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeRequest reads and validates a JSON body. It writes a 400 and
// returns false on failure.
func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := readJSON(w, r, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return validateRequest(w, v)
}

func validateRequest(w http.ResponseWriter, v any) bool {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, "invalid "+verrs[0].Field())
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

// authorize checks that the caller may act on userID and is within its
// rate limit. It writes the error response and returns false otherwise.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, userID string) bool {
	if s.authVerifier != nil && !auth.CanActFor(r.Context(), userID) {
		writeError(w, http.StatusForbidden, "not allowed to act for this user")
		return false
	}
	if !s.limiter.Allow(userID) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

// statusFor maps a billing error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrUnknownUser), errors.Is(err, billing.ErrNoActiveSubscription):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrRedirectURLsRequired):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrPlanNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, billing.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, billing.ErrProviderRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var statusMessages = map[int]string{
	http.StatusBadRequest:          "successUrl and cancelUrl required for new subscriptions",
	http.StatusNotFound:            "not found",
	http.StatusUnprocessableEntity: "unknown plan",
	http.StatusServiceUnavailable:  "billing provider unavailable",
	http.StatusBadGateway:          "billing provider rejected the request",
}

// writeServiceError logs err and writes the mapped status.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	log := logger.FromContext(r.Context(), s.logger).With(zap.String("op", op), zap.Error(err))

	switch {
	case status >= http.StatusInternalServerError:
		log.Error("billing operation failed")
	default:
		log.Info("billing operation rejected")
	}

	msg, ok := statusMessages[status]
	if !ok {
		msg = "internal error"
	}
	if status == http.StatusNotFound {
		switch {
		case errors.Is(err, billing.ErrNoActiveSubscription):
			msg = "no active subscription"
		case errors.Is(err, billing.ErrUnknownUser):
			msg = "no billing account"
		}
	}
	writeError(w, status, msg)
}
