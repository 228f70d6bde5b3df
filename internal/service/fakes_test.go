package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/digkill/astronote-billing/internal/backend"
	"github.com/digkill/astronote-billing/internal/models"
)

var testCreds = backend.Credentials{Token: "tok", Shop: "demo.myshopify.com"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend records calls and answers from its fields.
type fakeBackend struct {
	mu sync.Mutex

	session     models.CheckoutSession
	checkoutErr error
	intents     []models.PurchaseIntent

	portalURL string
	portalErr error

	verifyResult models.VerificationResult
	verifyErr    error
	verifyCalls  int

	balance      models.BalanceState
	balanceErr   error
	balanceCalls int

	subscription      models.SubscriptionState
	subscriptionErr   error
	subscriptionCalls int

	packages    models.PackageList
	topup       models.TopupPrice
	history     models.HistoryPage
	historyArgs [2]int

	updatedPlan   string
	cancelCalls   int
	mutationError error
}

func (f *fakeBackend) CreateCheckout(_ context.Context, _ backend.Credentials, intent models.PurchaseIntent) (models.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, intent)
	return f.session, f.checkoutErr
}

func (f *fakeBackend) PortalURL(context.Context, backend.Credentials) (string, error) {
	return f.portalURL, f.portalErr
}

func (f *fakeBackend) VerifySession(context.Context, backend.Credentials, string) (models.VerificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	return f.verifyResult, f.verifyErr
}

func (f *fakeBackend) Balance(context.Context, backend.Credentials) (models.BalanceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	return f.balance, f.balanceErr
}

func (f *fakeBackend) Subscription(context.Context, backend.Credentials) (models.SubscriptionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptionCalls++
	return f.subscription, f.subscriptionErr
}

func (f *fakeBackend) Packages(_ context.Context, _ backend.Credentials, _ string) (models.PackageList, error) {
	return f.packages, nil
}

func (f *fakeBackend) TopupPrice(_ context.Context, _ backend.Credentials, credits int) (models.TopupPrice, error) {
	price := f.topup
	price.Credits = credits
	return price, nil
}

func (f *fakeBackend) History(_ context.Context, _ backend.Credentials, page, pageSize int) (models.HistoryPage, error) {
	f.historyArgs = [2]int{page, pageSize}
	return f.history, nil
}

func (f *fakeBackend) UpdateSubscription(_ context.Context, _ backend.Credentials, planType string) error {
	f.updatedPlan = planType
	return f.mutationError
}

func (f *fakeBackend) CancelSubscription(context.Context, backend.Credentials) error {
	f.cancelCalls++
	return f.mutationError
}

func (f *fakeBackend) setSubscription(s models.SubscriptionState) {
	f.mu.Lock()
	f.subscription = s
	f.mu.Unlock()
}

func (f *fakeBackend) counts() (verify, balance, subscription int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls, f.balanceCalls, f.subscriptionCalls
}

// manualClock hands out timer channels that fire only when released.
type manualClock struct {
	mu      sync.Mutex
	waiting []chan time.Time
	delays  []time.Duration
	armed   chan struct{}
}

func newManualClock() *manualClock {
	return &manualClock{armed: make(chan struct{}, 16)}
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.waiting = append(c.waiting, ch)
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	c.armed <- struct{}{}
	return ch
}

// fire releases the next timer once it has been armed.
func (c *manualClock) fire() {
	<-c.armed
	c.mu.Lock()
	ch := c.waiting[0]
	c.waiting = c.waiting[1:]
	c.mu.Unlock()
	ch <- time.Now()
}

func (c *manualClock) scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

type recordingEscalator struct {
	mu       sync.Mutex
	attempts []models.Attempt
}

func (r *recordingEscalator) Escalate(_ context.Context, a models.Attempt) error {
	r.mu.Lock()
	r.attempts = append(r.attempts, a)
	r.mu.Unlock()
	return nil
}

func (r *recordingEscalator) all() []models.Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Attempt(nil), r.attempts...)
}

type recordingArchiver struct {
	mu       sync.Mutex
	attempts []models.Attempt
}

func (r *recordingArchiver) Archive(_ context.Context, a models.Attempt) error {
	r.mu.Lock()
	r.attempts = append(r.attempts, a)
	r.mu.Unlock()
	return nil
}

func (r *recordingArchiver) all() []models.Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Attempt(nil), r.attempts...)
}
