package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/digkill/astronote-billing/internal/backend"
	"github.com/digkill/astronote-billing/internal/cache"
	"github.com/digkill/astronote-billing/internal/models"
)

const (
	LowBalanceThreshold = 100
	maxHistoryPageSize  = 100
)

type AccountBackend interface {
	Balance(ctx context.Context, creds backend.Credentials) (models.BalanceState, error)
	Subscription(ctx context.Context, creds backend.Credentials) (models.SubscriptionState, error)
	Packages(ctx context.Context, creds backend.Credentials, currency string) (models.PackageList, error)
	TopupPrice(ctx context.Context, creds backend.Credentials, credits int) (models.TopupPrice, error)
	History(ctx context.Context, creds backend.Credentials, page, pageSize int) (models.HistoryPage, error)
	UpdateSubscription(ctx context.Context, creds backend.Credentials, planType string) error
	CancelSubscription(ctx context.Context, creds backend.Credentials) error
}

// AccountService is a read-through view of server-owned balance and
// subscription state. It never edits those values; it only drops cached
// copies and fetches again.
type AccountService struct {
	backend         AccountBackend
	cache           cache.Store
	ttl             time.Duration
	plans           *PlanService
	maxTopupCredits int
	log             *slog.Logger
}

func NewAccountService(backend AccountBackend, store cache.Store, ttl time.Duration, plans *PlanService, maxTopupCredits int, log *slog.Logger) *AccountService {
	if maxTopupCredits <= 0 {
		maxTopupCredits = 1000000
	}
	return &AccountService{
		backend:         backend,
		cache:           store,
		ttl:             ttl,
		plans:           plans,
		maxTopupCredits: maxTopupCredits,
		log:             log,
	}
}

func balanceKey(shop string) string      { return "balance:" + shop }
func subscriptionKey(shop string) string { return "subscription:" + shop }

func (s *AccountService) Balance(ctx context.Context, creds backend.Credentials) (models.BalanceState, error) {
	var state models.BalanceState
	if s.cached(ctx, creds.Shop, balanceKey, &state) {
		return state, nil
	}
	return s.fetchBalance(ctx, creds)
}

func (s *AccountService) Subscription(ctx context.Context, creds backend.Credentials) (models.SubscriptionState, error) {
	var state models.SubscriptionState
	if s.cached(ctx, creds.Shop, subscriptionKey, &state) {
		return state, nil
	}
	return s.fetchSubscription(ctx, creds)
}

// RefreshBalance drops the cached balance and fetches it again.
func (s *AccountService) RefreshBalance(ctx context.Context, creds backend.Credentials) (models.BalanceState, error) {
	s.invalidate(ctx, creds.Shop, balanceKey)
	return s.fetchBalance(ctx, creds)
}

// RefreshSubscription drops the cached subscription and fetches it again.
func (s *AccountService) RefreshSubscription(ctx context.Context, creds backend.Credentials) (models.SubscriptionState, error) {
	s.invalidate(ctx, creds.Shop, subscriptionKey)
	return s.fetchSubscription(ctx, creds)
}

// Invalidate drops both cached views for the shop.
func (s *AccountService) Invalidate(ctx context.Context, shop string) {
	s.invalidate(ctx, shop, balanceKey, subscriptionKey)
}

func (s *AccountService) Packages(ctx context.Context, creds backend.Credentials, currency string) (models.PackageList, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency != "" && !supportedCurrencies[currency] {
		return models.PackageList{}, ErrInvalidCurrency
	}
	list, err := s.backend.Packages(ctx, creds, currency)
	if err != nil {
		return models.PackageList{}, translateBackendError(err)
	}
	return list, nil
}

func (s *AccountService) TopupPrice(ctx context.Context, creds backend.Credentials, credits int) (models.TopupPrice, error) {
	if credits <= 0 {
		return models.TopupPrice{}, ErrInvalidCredits
	}
	if credits > s.maxTopupCredits {
		return models.TopupPrice{}, &CreditsLimitError{Max: s.maxTopupCredits}
	}
	price, err := s.backend.TopupPrice(ctx, creds, credits)
	if err != nil {
		return models.TopupPrice{}, translateBackendError(err)
	}
	return price, nil
}

func (s *AccountService) History(ctx context.Context, creds backend.Credentials, page, pageSize int) (models.HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > maxHistoryPageSize {
		pageSize = maxHistoryPageSize
	}
	history, err := s.backend.History(ctx, creds, page, pageSize)
	if err != nil {
		return models.HistoryPage{}, translateBackendError(err)
	}
	return history, nil
}

func (s *AccountService) UpdateSubscription(ctx context.Context, creds backend.Credentials, planType string) error {
	plan, ok := s.plans.Get(planType)
	if !ok {
		return ErrInvalidPlan
	}
	if err := s.backend.UpdateSubscription(ctx, creds, plan.ID); err != nil {
		return translateBackendError(err)
	}
	s.Invalidate(ctx, creds.Shop)
	s.log.Info("subscription updated", "shop", creds.Shop, "plan", plan.ID)
	return nil
}

func (s *AccountService) CancelSubscription(ctx context.Context, creds backend.Credentials) error {
	if err := s.backend.CancelSubscription(ctx, creds); err != nil {
		return translateBackendError(err)
	}
	s.Invalidate(ctx, creds.Shop)
	s.log.Info("subscription cancelled", "shop", creds.Shop)
	return nil
}

func (s *AccountService) fetchBalance(ctx context.Context, creds backend.Credentials) (models.BalanceState, error) {
	state, err := s.backend.Balance(ctx, creds)
	if err != nil {
		return models.BalanceState{}, translateBackendError(err)
	}
	s.store(ctx, creds.Shop, balanceKey, state)
	return state, nil
}

func (s *AccountService) fetchSubscription(ctx context.Context, creds backend.Credentials) (models.SubscriptionState, error) {
	state, err := s.backend.Subscription(ctx, creds)
	if err != nil {
		return models.SubscriptionState{}, translateBackendError(err)
	}
	s.store(ctx, creds.Shop, subscriptionKey, state)
	return state, nil
}

// cached decodes the shop's cached value into out. Calls without a shop are
// never cached so merchants cannot see each other's state.
func (s *AccountService) cached(ctx context.Context, shop string, key func(string) string, out any) bool {
	if shop == "" || s.cache == nil {
		return false
	}
	raw, err := s.cache.Get(ctx, key(shop))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.log.Warn("cache read failed", "key", key(shop), "err", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.log.Warn("cache decode failed", "key", key(shop), "err", err)
		return false
	}
	return true
}

func (s *AccountService) store(ctx context.Context, shop string, key func(string) string, value any) {
	if shop == "" || s.cache == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key(shop), raw, s.ttl); err != nil {
		s.log.Warn("cache write failed", "key", key(shop), "err", err)
	}
}

func (s *AccountService) invalidate(ctx context.Context, shop string, keys ...func(string) string) {
	if shop == "" || s.cache == nil {
		return
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, key(shop))
	}
	if err := s.cache.Delete(ctx, names...); err != nil {
		s.log.Warn("cache invalidate failed", "keys", names, "err", err)
	}
}
