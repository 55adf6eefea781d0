package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/kamilpajak/billsync/internal/billing"
	"github.com/kamilpajak/billsync/internal/database"
)

// overviewInvoiceLimit is how many invoices GET /billing/subscription returns.
const overviewInvoiceLimit = 12

type userRequest struct {
	UserID string `json:"userId" validate:"required"`
}

type limitCheckRequest struct {
	UserID  string `json:"userId" validate:"required"`
	Feature string `json:"feature" validate:"required"`
	Used    int    `json:"used" validate:"gte=0"`
}

type checkoutRequest struct {
	UserID     string `json:"userId" validate:"required"`
	PriceID    string `json:"priceId" validate:"required"`
	SuccessURL string `json:"successUrl" validate:"required,url"`
	CancelURL  string `json:"cancelUrl" validate:"required,url"`
}

type portalRequest struct {
	UserID    string `json:"userId" validate:"required"`
	ReturnURL string `json:"returnUrl" validate:"required,url"`
}

type changePlanRequest struct {
	UserID     string `json:"userId" validate:"required"`
	Tier       string `json:"tier" validate:"required"`
	SuccessURL string `json:"successUrl" validate:"omitempty,url"`
	CancelURL  string `json:"cancelUrl" validate:"omitempty,url"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

type subscriptionResponse struct {
	ID                string     `json:"id"`
	CustomerID        string     `json:"customerId"`
	PriceID           string     `json:"priceId"`
	Tier              string     `json:"tier"`
	Status            string     `json:"status"`
	CurrentPeriodEnd  *time.Time `json:"currentPeriodEnd"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

type invoiceResponse struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	AmountMinor    int64           `json:"amountMinor"`
	Currency       string          `json:"currency"`
	Status         string          `json:"status"`
	IssuedAt       time.Time       `json:"issuedAt"`
	PDFURL         string          `json:"pdfUrl,omitempty"`
	HostedURL      string          `json:"hostedUrl,omitempty"`
}

type planResponse struct {
	Tier         string          `json:"tier"`
	Name         string          `json:"name"`
	PriceID      string          `json:"priceId"`
	MonthlyPrice decimal.Decimal `json:"monthlyPrice"`
	Currency     string          `json:"currency"`
	Limits       map[string]int  `json:"limits"`
}

// zeroDecimalCurrencies are charged in whole units.
var zeroDecimalCurrencies = []string{"bif", "clp", "djf", "gnf", "jpy", "kmf", "krw", "mga", "pyg", "rwf", "ugx", "vnd", "vuv", "xaf", "xof", "xpf"}

// majorUnits converts a minor-unit amount to a decimal in the currency's
// major unit.
func majorUnits(amount int64, currency string) decimal.Decimal {
	if lo.Contains(zeroDecimalCurrencies, strings.ToLower(currency)) {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

func toSubscriptionResponse(sub *database.Subscription) *subscriptionResponse {
	if sub == nil {
		return nil
	}
	return &subscriptionResponse{
		ID:                sub.ProviderSubscriptionID,
		CustomerID:        sub.ProviderCustomerID,
		PriceID:           sub.ProviderPriceID,
		Tier:              sub.PlanTier,
		Status:            sub.Status,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		UpdatedAt:         sub.UpdatedAt,
	}
}

func toInvoiceResponse(inv database.Invoice, _ int) invoiceResponse {
	return invoiceResponse{
		ID:             inv.ProviderInvoiceID,
		SubscriptionID: inv.ProviderSubscriptionID,
		Amount:         majorUnits(inv.Amount, inv.Currency),
		AmountMinor:    inv.Amount,
		Currency:       inv.Currency,
		Status:         inv.Status,
		IssuedAt:       inv.IssuedAt,
		PDFURL:         inv.PDFURL,
		HostedURL:      inv.HostedURL,
	}
}

func toPlanResponse(p billing.Plan, _ int) planResponse {
	return planResponse{
		Tier:         p.Tier,
		Name:         p.Name,
		PriceID:      p.PriceID,
		MonthlyPrice: p.MonthlyPrice,
		Currency:     p.Currency,
		Limits:       lo.Assign(p.FeatureLimits),
	}
}

// handleCreateCheckout creates a Stripe checkout session.
func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !decodeRequest(w, r, &req) || !s.authorize(w, r, req.UserID) {
		return
	}

	session, err := s.service.CreateCheckoutSession(r.Context(), billing.CheckoutParams{
		UserID:     req.UserID,
		PriceID:    req.PriceID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		s.writeServiceError(w, r, "checkout", err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{SessionID: session.ID, URL: session.URL})
}

// handleCreatePortal creates a Stripe billing portal session.
func (s *Server) handleCreatePortal(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if !decodeRequest(w, r, &req) || !s.authorize(w, r, req.UserID) {
		return
	}

	session, err := s.service.CreatePortalSession(r.Context(), req.UserID, req.ReturnURL)
	if err != nil {
		s.writeServiceError(w, r, "portal", err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{SessionID: session.ID, URL: session.URL})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decodeRequest(w, r, &req) || !s.authorize(w, r, req.UserID) {
		return
	}
	if err := s.service.CancelAtPeriodEnd(r.Context(), req.UserID); err != nil {
		s.writeServiceError(w, r, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decodeRequest(w, r, &req) || !s.authorize(w, r, req.UserID) {
		return
	}
	if err := s.service.Resume(r.Context(), req.UserID); err != nil {
		s.writeServiceError(w, r, "resume", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleChangePlan moves the user to another tier, or returns a checkout
// session when there is no active subscription to change.
func (s *Server) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	var req changePlanRequest
	if !decodeRequest(w, r, &req) || !s.authorize(w, r, req.UserID) {
		return
	}

	res, err := s.service.ChangePlan(r.Context(), billing.ChangePlanParams{
		UserID:     req.UserID,
		Tier:       req.Tier,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		s.writeServiceError(w, r, "change_plan", err)
		return
	}

	if res.Checkout != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":        true,
			"checkout":  true,
			"sessionId": res.Checkout.ID,
			"url":       res.Checkout.URL,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// queryUser reads and authorizes the userId query parameter.
func (s *Server) queryUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	req := userRequest{UserID: r.URL.Query().Get("userId")}
	if !validateRequest(w, req) || !s.authorize(w, r, req.UserID) {
		return "", false
	}
	return req.UserID, true
}

// handleGetSubscription returns the stored subscription and recent invoices.
func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.queryUser(w, r)
	if !ok {
		return
	}

	overview, err := s.service.GetBillingOverview(r.Context(), userID, overviewInvoiceLimit)
	if err != nil {
		s.writeServiceError(w, r, "get_subscription", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"subscription": toSubscriptionResponse(overview.Subscription),
		"invoices":     lo.Map(overview.Invoices, toInvoiceResponse),
	})
}

func (s *Server) handleGetEntitlements(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.queryUser(w, r)
	if !ok {
		return
	}

	e, err := s.service.Entitlements(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, r, "entitlements", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId":           e.UserID,
		"tier":             e.Tier,
		"status":           e.Status,
		"active":           e.Active,
		"currentPeriodEnd": e.CurrentPeriodEnd,
		"limits":           e.Limits,
	})
}

// handleCheckLimit reports whether the user may use one more unit of a
// feature given how many they have used this period.
func (s *Server) handleCheckLimit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := limitCheckRequest{UserID: q.Get("userId"), Feature: q.Get("feature")}
	if raw := q.Get("used"); raw != "" {
		used, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid used")
			return
		}
		req.Used = used
	}
	if !validateRequest(w, req) || !s.authorize(w, r, req.UserID) {
		return
	}

	resp := map[string]any{
		"userId":  req.UserID,
		"feature": req.Feature,
		"used":    req.Used,
		"allowed": true,
	}
	err := s.service.CheckLimit(r.Context(), req.UserID, req.Feature, req.Used)
	var exceeded *billing.LimitExceededError
	switch {
	case err == nil:
	case errors.As(err, &exceeded):
		resp["allowed"] = false
		resp["limit"] = exceeded.Limit
		resp["tier"] = exceeded.Tier
	default:
		s.writeServiceError(w, r, "check_limit", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"plans": lo.Map(s.service.Catalog().Plans(), toPlanResponse),
	})
}
