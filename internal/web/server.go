package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/astronote-billing/internal/backend"
	"github.com/digkill/astronote-billing/internal/models"
	"github.com/digkill/astronote-billing/internal/service"
)

type Checkout interface {
	Initiate(ctx context.Context, creds backend.Credentials, intent models.PurchaseIntent) (*service.Navigation, error)
	Portal(ctx context.Context, creds backend.Credentials) (string, error)
}

type Account interface {
	Balance(ctx context.Context, creds backend.Credentials) (models.BalanceState, error)
	Subscription(ctx context.Context, creds backend.Credentials) (models.SubscriptionState, error)
	RefreshBalance(ctx context.Context, creds backend.Credentials) (models.BalanceState, error)
	RefreshSubscription(ctx context.Context, creds backend.Credentials) (models.SubscriptionState, error)
	Packages(ctx context.Context, creds backend.Credentials, currency string) (models.PackageList, error)
	TopupPrice(ctx context.Context, creds backend.Credentials, credits int) (models.TopupPrice, error)
	History(ctx context.Context, creds backend.Credentials, page, pageSize int) (models.HistoryPage, error)
	UpdateSubscription(ctx context.Context, creds backend.Credentials, planType string) error
	CancelSubscription(ctx context.Context, creds backend.Credentials) error
}

type Reconciler interface {
	Track(ctx context.Context, shop string, nav *service.Navigation) (*models.Attempt, error)
	HandleReturn(ctx context.Context, creds backend.Credentials, rc models.ReturnContext) (*models.Attempt, error)
	Attempt(ctx context.Context, creds backend.Credentials, id string) (*models.Attempt, error)
}

type Server struct {
	addr      string
	log       *slog.Logger
	plans     *service.PlanService
	checkout  Checkout
	account   Account
	reconcile Reconciler
	router    *chi.Mux
}

func NewServer(addr string, log *slog.Logger, plans *service.PlanService, checkout Checkout, account Account, reconcile Reconciler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:      addr,
		log:       log,
		plans:     plans,
		checkout:  checkout,
		account:   account,
		reconcile: reconcile,
		router:    r,
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/billing/plans", s.handlePlans)
	r.Get("/billing/cancel", s.handleCancelReturn)
	r.Get("/billing/cancel/{type}", s.handleCancelView)
	r.Group(func(merchant chi.Router) {
		merchant.Use(s.merchantMiddleware())
		merchant.Get("/billing/balance", s.handleBalance)
		merchant.Get("/billing/subscription", s.handleSubscription)
		merchant.Get("/billing/packages", s.handlePackages)
		merchant.Get("/billing/topup/price", s.handleTopupPrice)
		merchant.Get("/billing/history", s.handleHistory)
		merchant.Post("/billing/checkout", s.handleCheckout)
		merchant.Post("/billing/portal", s.handlePortal)
		merchant.Post("/billing/subscription/update", s.handleUpdateSubscription)
		merchant.Post("/billing/subscription/cancel", s.handleCancelSubscription)
		merchant.Get("/billing/success", s.handleSuccess)
		merchant.Get("/billing/attempts/{id}", s.handleAttempt)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown error", "err", err)
		}
	}()

	s.log.Info("billing service listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

type credentialsKey struct{}

// merchantMiddleware reads the merchant identity from the request headers.
func (s *Server) merchantMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds, ok := headerCredentials(r)
			if !ok {
				s.writeJSON(w, http.StatusUnauthorized, errorResponse{
					Code:    "UNAUTHORIZED",
					Message: "Please sign in again.",
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), credentialsKey{}, creds)))
		})
	}
}

func headerCredentials(r *http.Request) (backend.Credentials, bool) {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	creds := backend.Credentials{
		Token: strings.TrimSpace(token),
		Shop:  strings.TrimSpace(r.Header.Get("X-Shop-Domain")),
	}
	return creds, creds.Token != "" && creds.Shop != ""
}

func credentials(r *http.Request) backend.Credentials {
	creds, _ := r.Context().Value(credentialsKey{}).(backend.Credentials)
	return creds
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePlans(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"plans": s.plans.List()})
}

type balanceResponse struct {
	models.BalanceState
	LowBalance bool `json:"lowBalance"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	creds := credentials(r)
	fetch := s.account.Balance
	if refresh(r) {
		fetch = s.account.RefreshBalance
	}
	balance, err := fetch(r.Context(), creds)
	if err != nil {
		s.writeError(w, err, "Failed to load balance.")
		return
	}
	s.writeJSON(w, http.StatusOK, balanceResponse{
		BalanceState: balance,
		LowBalance:   balance.Credits < service.LowBalanceThreshold,
	})
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	creds := credentials(r)
	fetch := s.account.Subscription
	if refresh(r) {
		fetch = s.account.RefreshSubscription
	}
	sub, err := fetch(r.Context(), creds)
	if err != nil {
		s.writeError(w, err, "Failed to load subscription.")
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	list, err := s.account.Packages(r.Context(), credentials(r), r.URL.Query().Get("currency"))
	if err != nil {
		s.writeError(w, err, "Failed to load credit packages.")
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleTopupPrice(w http.ResponseWriter, r *http.Request) {
	credits, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("credits")))
	if err != nil {
		s.writeError(w, service.ErrInvalidCredits, "")
		return
	}
	price, err := s.account.TopupPrice(r.Context(), credentials(r), credits)
	if err != nil {
		s.writeError(w, err, "Failed to calculate price.")
		return
	}
	s.writeJSON(w, http.StatusOK, price)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))
	history, err := s.account.History(r.Context(), credentials(r), page, pageSize)
	if err != nil {
		s.writeError(w, err, "Failed to load transaction history.")
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

type checkoutRequest struct {
	Type      string `json:"type"`
	PlanType  string `json:"planType"`
	PackageID string `json:"packageId"`
	Credits   int    `json:"credits"`
	Currency  string `json:"currency"`
}

func (req checkoutRequest) intent() models.PurchaseIntent {
	return models.PurchaseIntent{
		Kind:      models.PurchaseKind(strings.TrimSpace(req.Type)),
		PlanType:  req.PlanType,
		PackageID: req.PackageID,
		Credits:   req.Credits,
		Currency:  req.Currency,
	}
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCheckout(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "Invalid request."})
		return
	}

	creds := credentials(r)
	nav, err := s.checkout.Initiate(r.Context(), creds, req.intent())
	if err != nil {
		s.writeError(w, err, "Failed to start checkout. Please try again.")
		return
	}
	if _, err := s.reconcile.Track(r.Context(), creds.Shop, nav); err != nil {
		s.log.Warn("track attempt failed", "shop", creds.Shop, "session_id", nav.SessionID, "err", err)
	}
	http.Redirect(w, r, nav.URL, http.StatusSeeOther)
}

func decodeCheckout(r *http.Request) (checkoutRequest, error) {
	var req checkoutRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		err := json.NewDecoder(r.Body).Decode(&req)
		return req, err
	}
	if err := r.ParseForm(); err != nil {
		return req, err
	}
	req.Type = r.PostForm.Get("type")
	req.PlanType = r.PostForm.Get("planType")
	req.PackageID = r.PostForm.Get("packageId")
	req.Currency = r.PostForm.Get("currency")
	if raw := strings.TrimSpace(r.PostForm.Get("credits")); raw != "" {
		credits, err := strconv.Atoi(raw)
		if err != nil {
			return req, err
		}
		req.Credits = credits
	}
	return req, nil
}

func (s *Server) handlePortal(w http.ResponseWriter, r *http.Request) {
	portalURL, err := s.checkout.Portal(r.Context(), credentials(r))
	if err != nil {
		s.writeError(w, err, "Failed to open the billing portal.")
		return
	}
	http.Redirect(w, r, portalURL, http.StatusSeeOther)
}

type planChangeRequest struct {
	PlanType string `json:"planType"`
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var req planChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "Invalid request."})
		return
	}
	if err := s.account.UpdateSubscription(r.Context(), credentials(r), req.PlanType); err != nil {
		s.writeError(w, err, "Failed to update subscription.")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.account.CancelSubscription(r.Context(), credentials(r)); err != nil {
		s.writeError(w, err, "Failed to cancel subscription.")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// handleSuccess consumes the provider return parameters once and redirects
// to a parameter-free URL so a reload never repeats the work.
func (s *Server) handleSuccess(w http.ResponseWriter, r *http.Request) {
	creds := credentials(r)
	query := r.URL.Query()
	if !service.HasReturnParams(query) {
		s.writeJSON(w, http.StatusOK, s.withAccount(r.Context(), creds, service.PresentDirect()))
		return
	}

	rc := service.ParseReturn(models.OutcomeSuccess, query)
	attempt, err := s.reconcile.HandleReturn(r.Context(), creds, rc)
	if err != nil {
		s.log.Error("handle return", "shop", creds.Shop, "session_id", rc.SessionID, "err", err)
		s.writeJSON(w, http.StatusOK, service.PresentUnresolved(rc.PaymentType))
		return
	}
	if attempt == nil {
		http.Redirect(w, r, "/billing/success", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, "/billing/attempts/"+url.PathEscape(attempt.ID), http.StatusSeeOther)
}

// handleCancelReturn needs no merchant identity. When the provider passes the
// session back and the merchant is known, the tracked attempt is closed.
func (s *Server) handleCancelReturn(w http.ResponseWriter, r *http.Request) {
	rc := service.ParseReturn(models.OutcomeCancelled, r.URL.Query())
	if creds, ok := headerCredentials(r); ok && rc.SessionID != "" {
		if _, err := s.reconcile.HandleReturn(r.Context(), creds, rc); err != nil {
			s.log.Warn("close cancelled attempt", "shop", creds.Shop, "session_id", rc.SessionID, "err", err)
		}
	} else {
		s.log.Info("checkout cancelled", "type", rc.PaymentType)
	}
	http.Redirect(w, r, "/billing/cancel/"+url.PathEscape(string(rc.PaymentType)), http.StatusSeeOther)
}

func (s *Server) handleCancelView(w http.ResponseWriter, r *http.Request) {
	kind := models.ParsePurchaseKind(chi.URLParam(r, "type"))
	s.writeJSON(w, http.StatusOK, service.PresentCancel(kind))
}

func (s *Server) handleAttempt(w http.ResponseWriter, r *http.Request) {
	creds := credentials(r)
	attempt, err := s.reconcile.Attempt(r.Context(), creds, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to load payment status.")
		return
	}
	view := s.withAccount(r.Context(), creds, service.PresentAttempt(*attempt))
	s.writeJSON(w, http.StatusOK, view)
}

// withAccount adds the cached account snapshot; lookup failures leave it out.
func (s *Server) withAccount(ctx context.Context, creds backend.Credentials, view service.View) service.View {
	var (
		balance *models.BalanceState
		sub     *models.SubscriptionState
	)
	if b, err := s.account.Balance(ctx, creds); err == nil {
		balance = &b
	} else {
		s.log.Warn("balance lookup failed", "shop", creds.Shop, "err", err)
	}
	if st, err := s.account.Subscription(ctx, creds); err == nil {
		sub = &st
	} else {
		s.log.Warn("subscription lookup failed", "shop", creds.Shop, "err", err)
	}
	return view.WithAccount(balance, sub)
}

type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (s *Server) writeError(w http.ResponseWriter, err error, fallback string) {
	status := service.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("billing request failed", "err", err)
	}
	s.writeJSON(w, status, errorResponse{
		Code:      service.ErrorCode(err),
		Message:   service.UserMessage(err, fallback),
		Retryable: service.Classify(err) == service.ClassHard && !errors.Is(err, service.ErrAttemptNotFound),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func refresh(r *http.Request) bool {
	ok, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	return ok
}
