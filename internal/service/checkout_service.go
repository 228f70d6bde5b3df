package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/digkill/astronote-billing/internal/backend"
	"github.com/digkill/astronote-billing/internal/config"
	"github.com/digkill/astronote-billing/internal/models"
)

// SessionIDPlaceholder is substituted by the checkout provider with the real session id.
const SessionIDPlaceholder = "{CHECKOUT_SESSION_ID}"

var supportedCurrencies = map[string]bool{
	"EUR": true,
	"USD": true,
}

type CheckoutBackend interface {
	CreateCheckout(ctx context.Context, creds backend.Credentials, intent models.PurchaseIntent) (models.CheckoutSession, error)
	PortalURL(ctx context.Context, creds backend.Credentials) (string, error)
}

// Navigation is a full browser navigation away from the dashboard to the provider.
type Navigation struct {
	URL       string
	SessionID string
	Kind      models.PurchaseKind
	State     models.AttemptState
}

type CheckoutService struct {
	frontendURL     string
	defaultCurrency string
	maxTopupCredits int
	backend         CheckoutBackend
	plans           *PlanService
	log             *slog.Logger
}

func NewCheckoutService(cfg config.Config, backend CheckoutBackend, plans *PlanService, log *slog.Logger) *CheckoutService {
	maxCredits := cfg.MaxTopupCredits
	if maxCredits <= 0 {
		maxCredits = 1000000
	}
	currency := strings.ToUpper(cfg.DefaultCurrency)
	if currency == "" {
		currency = "EUR"
	}
	return &CheckoutService{
		frontendURL:     strings.TrimRight(cfg.FrontendURL, "/"),
		defaultCurrency: currency,
		maxTopupCredits: maxCredits,
		backend:         backend,
		plans:           plans,
		log:             log,
	}
}

// Initiate validates the intent, requests a checkout session and returns
// exactly one of a navigation or an error.
func (s *CheckoutService) Initiate(ctx context.Context, creds backend.Credentials, intent models.PurchaseIntent) (*Navigation, error) {
	intent, err := s.prepare(intent)
	if err != nil {
		return nil, err
	}

	state, err := models.Next(models.StateIdle, models.EventInitiate)
	if err != nil {
		return nil, err
	}

	session, err := s.backend.CreateCheckout(ctx, creds, intent)
	if err != nil {
		s.log.Error("create checkout session", "shop", creds.Shop, "type", intent.Kind, "err", err)
		return nil, translateBackendError(err)
	}
	if session.CheckoutURL == "" {
		s.log.Error("checkout session without url", "shop", creds.Shop, "type", intent.Kind, "session_id", session.SessionID)
		return nil, ErrMissingCheckoutURL
	}

	s.log.Info("redirecting to checkout", "shop", creds.Shop, "type", intent.Kind, "session_id", session.SessionID)
	return &Navigation{
		URL:       session.CheckoutURL,
		SessionID: session.SessionID,
		Kind:      intent.Kind,
		State:     state,
	}, nil
}

// Portal returns the provider's customer portal URL for the shop.
func (s *CheckoutService) Portal(ctx context.Context, creds backend.Credentials) (string, error) {
	portalURL, err := s.backend.PortalURL(ctx, creds)
	if err != nil {
		s.log.Error("get portal url", "shop", creds.Shop, "err", err)
		return "", translateBackendError(err)
	}
	if portalURL == "" {
		return "", ErrMissingPortalURL
	}
	return portalURL, nil
}

func (s *CheckoutService) prepare(intent models.PurchaseIntent) (models.PurchaseIntent, error) {
	switch intent.Kind {
	case models.KindSubscription:
		plan, ok := s.plans.Get(intent.PlanType)
		if !ok {
			return intent, ErrInvalidPlan
		}
		intent.PlanType = plan.ID
	case models.KindCreditPack:
		intent.PackageID = strings.TrimSpace(intent.PackageID)
		if intent.PackageID == "" {
			return intent, ErrInvalidPackage
		}
	case models.KindCreditTopup:
		if intent.Credits <= 0 {
			return intent, ErrInvalidCredits
		}
		if intent.Credits > s.maxTopupCredits {
			return intent, &CreditsLimitError{Max: s.maxTopupCredits}
		}
	default:
		return intent, ErrInvalidKind
	}

	currency, err := s.currency(intent.Currency)
	if err != nil {
		return intent, err
	}
	intent.Currency = currency
	intent.SuccessURL, intent.CancelURL = s.ReturnURLs(intent.Kind)
	return intent, nil
}

func (s *CheckoutService) currency(raw string) (string, error) {
	currency := strings.ToUpper(strings.TrimSpace(raw))
	if currency == "" {
		return s.defaultCurrency, nil
	}
	if !supportedCurrencies[currency] {
		return "", ErrInvalidCurrency
	}
	return currency, nil
}

// ReturnURLs builds the provider return URLs for kind. The session placeholder
// stays unescaped so the provider can substitute it.
func (s *CheckoutService) ReturnURLs(kind models.PurchaseKind) (success, cancel string) {
	typeParam := url.QueryEscape(string(kind))
	success = fmt.Sprintf("%s/billing/success?session_id=%s&type=%s", s.frontendURL, SessionIDPlaceholder, typeParam)
	cancel = fmt.Sprintf("%s/billing/cancel?type=%s", s.frontendURL, typeParam)
	return success, cancel
}
