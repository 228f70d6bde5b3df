package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/astronote-billing/internal/backend"
	"github.com/digkill/astronote-billing/internal/models"
	"github.com/digkill/astronote-billing/internal/service"
)

type stubCheckout struct {
	nav     *service.Navigation
	err     error
	intents []models.PurchaseIntent
	portal  string
}

func (s *stubCheckout) Initiate(_ context.Context, _ backend.Credentials, intent models.PurchaseIntent) (*service.Navigation, error) {
	s.intents = append(s.intents, intent)
	return s.nav, s.err
}

func (s *stubCheckout) Portal(context.Context, backend.Credentials) (string, error) {
	return s.portal, nil
}

type stubAccount struct {
	balance        models.BalanceState
	refreshed      int
	subscription   models.SubscriptionState
	packagesErr    error
	cancelled      int
	lastCredits    int
	historyPageArg int
}

func (s *stubAccount) Balance(context.Context, backend.Credentials) (models.BalanceState, error) {
	return s.balance, nil
}

func (s *stubAccount) Subscription(context.Context, backend.Credentials) (models.SubscriptionState, error) {
	return s.subscription, nil
}

func (s *stubAccount) RefreshBalance(context.Context, backend.Credentials) (models.BalanceState, error) {
	s.refreshed++
	return s.balance, nil
}

func (s *stubAccount) RefreshSubscription(context.Context, backend.Credentials) (models.SubscriptionState, error) {
	s.refreshed++
	return s.subscription, nil
}

func (s *stubAccount) Packages(context.Context, backend.Credentials, string) (models.PackageList, error) {
	return models.PackageList{}, s.packagesErr
}

func (s *stubAccount) TopupPrice(_ context.Context, _ backend.Credentials, credits int) (models.TopupPrice, error) {
	s.lastCredits = credits
	return models.TopupPrice{Credits: credits, PriceEur: 1}, nil
}

func (s *stubAccount) History(_ context.Context, _ backend.Credentials, page, _ int) (models.HistoryPage, error) {
	s.historyPageArg = page
	return models.HistoryPage{Items: []models.Transaction{}}, nil
}

func (s *stubAccount) UpdateSubscription(context.Context, backend.Credentials, string) error {
	return nil
}

func (s *stubAccount) CancelSubscription(context.Context, backend.Credentials) error {
	s.cancelled++
	return nil
}

type stubReconciler struct {
	tracked  []*service.Navigation
	returns  []models.ReturnContext
	attempt  *models.Attempt
	err      error
	attempts map[string]models.Attempt
}

func (s *stubReconciler) Track(_ context.Context, _ string, nav *service.Navigation) (*models.Attempt, error) {
	s.tracked = append(s.tracked, nav)
	return nil, nil
}

func (s *stubReconciler) HandleReturn(_ context.Context, _ backend.Credentials, rc models.ReturnContext) (*models.Attempt, error) {
	s.returns = append(s.returns, rc)
	return s.attempt, s.err
}

func (s *stubReconciler) Attempt(_ context.Context, creds backend.Credentials, id string) (*models.Attempt, error) {
	a, ok := s.attempts[id]
	if !ok || a.Shop != creds.Shop {
		return nil, service.ErrAttemptNotFound
	}
	return &a, nil
}

type harness struct {
	srv       *Server
	checkout  *stubCheckout
	account   *stubAccount
	reconcile *stubReconciler
}

func newHarness() *harness {
	h := &harness{
		checkout:  &stubCheckout{},
		account:   &stubAccount{},
		reconcile: &stubReconciler{attempts: map[string]models.Attempt{}},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.srv = NewServer(":0", log, service.NewPlanService(), h.checkout, h.account, h.reconcile)
	return h
}

func (h *harness) do(method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("X-Shop-Domain", "demo.myshopify.com")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestMerchantHeadersRequired(t *testing.T) {
	h := newHarness()
	req := httptest.NewRequest(http.MethodGet, "/billing/balance", nil)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/billing/plans", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckoutRedirectsToProvider(t *testing.T) {
	h := newHarness()
	h.checkout.nav = &service.Navigation{URL: "https://pay.test/cs_1", SessionID: "cs_1", Kind: models.KindCreditTopup}

	form := url.Values{"type": {"credit_topup"}, "credits": {"500"}, "currency": {"usd"}}
	rec := h.do(http.MethodPost, "/billing/checkout", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "https://pay.test/cs_1", rec.Header().Get("Location"))
	require.Len(t, h.checkout.intents, 1)
	assert.Equal(t, 500, h.checkout.intents[0].Credits)
	assert.Equal(t, models.KindCreditTopup, h.checkout.intents[0].Kind)
	assert.Len(t, h.reconcile.tracked, 1)
}

func TestCheckoutErrorIsJSON(t *testing.T) {
	h := newHarness()
	h.checkout.err = service.ErrSubscriptionRequired

	rec := h.do(http.MethodPost, "/billing/checkout", strings.NewReader(`{"type":"credit_pack","packageId":"p1"}`), "application/json")

	assert.Equal(t, http.StatusConflict, rec.Code)
	var body errorResponse
	decode(t, rec, &body)
	assert.Equal(t, "SUBSCRIPTION_REQUIRED", body.Code)
	assert.Equal(t, "An active subscription is required to purchase credit packs.", body.Message)
	assert.False(t, body.Retryable)
	assert.Empty(t, h.reconcile.tracked)
}

func TestCheckoutRejectsMalformedBody(t *testing.T) {
	h := newHarness()
	rec := h.do(http.MethodPost, "/billing/checkout", strings.NewReader(`{`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.checkout.intents)
}

func TestSuccessReturnRedirectsToCleanAttemptURL(t *testing.T) {
	h := newHarness()
	h.reconcile.attempt = &models.Attempt{ID: "att_1", Shop: "demo.myshopify.com", State: models.StateConfirmed}

	rec := h.do(http.MethodGet, "/billing/success?session_id=cs_1&type=subscription", nil, "")

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/billing/attempts/att_1", rec.Header().Get("Location"))
	require.Len(t, h.reconcile.returns, 1)
	assert.Equal(t, "cs_1", h.reconcile.returns[0].SessionID)
	assert.Equal(t, models.KindSubscription, h.reconcile.returns[0].PaymentType)
}

func TestSuccessWithoutSessionShowsGenericSuccess(t *testing.T) {
	h := newHarness()

	rec := h.do(http.MethodGet, "/billing/success?type=credit_pack", nil, "")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/billing/success", rec.Header().Get("Location"))

	h.account.balance = models.BalanceState{Credits: 20}
	rec = h.do(http.MethodGet, "/billing/success", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view service.View
	decode(t, rec, &view)
	assert.Equal(t, "Payment Successful!", view.Title)
	assert.True(t, view.LowBalance)
	assert.Len(t, h.reconcile.returns, 1)
}

func TestSuccessReturnFailureRendersProcessing(t *testing.T) {
	h := newHarness()
	h.reconcile.err = service.ErrBackend

	rec := h.do(http.MethodGet, "/billing/success?session_id=cs_1&type=subscription", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view service.View
	decode(t, rec, &view)
	assert.True(t, view.Processing)
	assert.Equal(t, models.StatePending, view.State)
}

func TestCancelReturnFlow(t *testing.T) {
	h := newHarness()

	rec := h.do(http.MethodGet, "/billing/cancel?type=credit_topup", nil, "")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/billing/cancel/credit_topup", rec.Header().Get("Location"))

	rec = h.do(http.MethodGet, "/billing/cancel/credit_topup", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view service.View
	decode(t, rec, &view)
	assert.Equal(t, "Top-up Cancelled", view.Title)
	assert.Empty(t, h.reconcile.returns, "cancel never reconciles")
	assert.Zero(t, h.account.refreshed)
}

func TestCancelReturnWithSessionClosesAttempt(t *testing.T) {
	h := newHarness()

	rec := h.do(http.MethodGet, "/billing/cancel?type=subscription&session_id=cs_1", nil, "")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/billing/cancel/subscription", rec.Header().Get("Location"))
	require.Len(t, h.reconcile.returns, 1)
	assert.Equal(t, models.OutcomeCancelled, h.reconcile.returns[0].Outcome)
	assert.Equal(t, "cs_1", h.reconcile.returns[0].SessionID)
	assert.Zero(t, h.account.refreshed)

	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/billing/cancel?type=subscription&session_id=cs_2", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Len(t, h.reconcile.returns, 1, "anonymous cancel only redirects")
}

func TestAttemptView(t *testing.T) {
	h := newHarness()
	h.account.balance = models.BalanceState{Credits: 900, Currency: "EUR"}
	h.reconcile.attempts["att_1"] = models.Attempt{ID: "att_1", Shop: "demo.myshopify.com", Kind: models.KindSubscription, State: models.StatePending}
	h.reconcile.attempts["att_2"] = models.Attempt{ID: "att_2", Shop: "other.myshopify.com", State: models.StateConfirmed}

	rec := h.do(http.MethodGet, "/billing/attempts/att_1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view service.View
	decode(t, rec, &view)
	assert.Equal(t, "Verification Pending", view.Title)
	assert.True(t, view.Processing)
	require.NotNil(t, view.Balance, "open attempts show the account too")
	assert.Equal(t, 900, view.Balance.Credits)

	rec = h.do(http.MethodGet, "/billing/attempts/att_2", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBalanceRefreshAndLowBalanceFlag(t *testing.T) {
	h := newHarness()
	h.account.balance = models.BalanceState{Credits: 42, Currency: "EUR"}

	rec := h.do(http.MethodGet, "/billing/balance", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, 42.0, body["credits"])
	assert.Equal(t, true, body["lowBalance"])
	assert.Zero(t, h.account.refreshed)

	rec = h.do(http.MethodGet, "/billing/balance?refresh=true", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.account.refreshed)
}

func TestTopupPriceRequiresNumericCredits(t *testing.T) {
	h := newHarness()
	rec := h.do(http.MethodGet, "/billing/topup/price?credits=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/billing/topup/price?credits=250", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 250, h.account.lastCredits)
}

func TestPackagesErrorMapping(t *testing.T) {
	h := newHarness()
	h.account.packagesErr = service.ErrInvalidCurrency
	rec := h.do(http.MethodGet, "/billing/packages?currency=jpy", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorResponse
	decode(t, rec, &body)
	assert.Equal(t, "INVALID_CURRENCY", body.Code)
}

func TestPortalAndSubscriptionCancel(t *testing.T) {
	h := newHarness()
	h.checkout.portal = "https://portal.test"

	rec := h.do(http.MethodPost, "/billing/portal", nil, "")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "https://portal.test", rec.Header().Get("Location"))

	rec = h.do(http.MethodPost, "/billing/subscription/cancel", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.account.cancelled)
}

func TestHistoryPassesPaging(t *testing.T) {
	h := newHarness()
	rec := h.do(http.MethodGet, "/billing/history?page=3&pageSize=10", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, h.account.historyPageArg)
}
