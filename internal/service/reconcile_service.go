package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/astronote-billing/internal/backend"
	"github.com/digkill/astronote-billing/internal/models"
	"github.com/digkill/astronote-billing/internal/repository"
)

type AttemptStore interface {
	Create(ctx context.Context, attempt *models.Attempt) error
	GetByID(ctx context.Context, id string) (*models.Attempt, error)
	FindBySession(ctx context.Context, sessionID string) (*models.Attempt, error)
	CompareAndSwap(ctx context.Context, attempt *models.Attempt, from models.AttemptState) (bool, error)
}

type Verifier interface {
	VerifySession(ctx context.Context, creds backend.Credentials, sessionID string) (models.VerificationResult, error)
}

type Refresher interface {
	RefreshBalance(ctx context.Context, creds backend.Credentials) (models.BalanceState, error)
	RefreshSubscription(ctx context.Context, creds backend.Credentials) (models.SubscriptionState, error)
}

// Escalator is told about attempts that stayed unconfirmed after every recheck.
type Escalator interface {
	Escalate(ctx context.Context, attempt models.Attempt) error
}

// Archiver keeps a receipt of every confirmed attempt.
type Archiver interface {
	Archive(ctx context.Context, attempt models.Attempt) error
}

type ReconcileOptions struct {
	WebhookGrace time.Duration
	RecheckDelay time.Duration
	MaxRechecks  int
	// StaleAfter is how long an attempt may sit in verifying before a read
	// assumes the verification call was lost.
	StaleAfter time.Duration
}

// ReconcileService drives a checkout attempt from the provider return to a
// terminal state. Every state change is a compare-and-swap on the stored
// attempt, so a second landing on the same session never verifies twice.
type ReconcileService struct {
	opts      ReconcileOptions
	store     AttemptStore
	verifier  Verifier
	refresher Refresher
	escalator Escalator
	archiver  Archiver
	log       *slog.Logger

	after func(time.Duration) <-chan time.Time
	now   func() time.Time
	newID func() string

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewReconcileService(opts ReconcileOptions, store AttemptStore, verifier Verifier, refresher Refresher, escalator Escalator, archiver Archiver, log *slog.Logger) *ReconcileService {
	if opts.WebhookGrace <= 0 {
		opts.WebhookGrace = 2 * time.Second
	}
	if opts.RecheckDelay <= 0 {
		opts.RecheckDelay = 2 * time.Second
	}
	if opts.MaxRechecks < 0 {
		opts.MaxRechecks = 0
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ReconcileService{
		opts:      opts,
		store:     store,
		verifier:  verifier,
		refresher: refresher,
		escalator: escalator,
		archiver:  archiver,
		log:       log,
		after:     time.After,
		now:       time.Now,
		newID:     uuid.NewString,
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Track records an attempt the merchant was just redirected for.
func (s *ReconcileService) Track(ctx context.Context, shop string, nav *Navigation) (*models.Attempt, error) {
	if nav == nil || nav.SessionID == "" {
		return nil, nil
	}
	attempt := &models.Attempt{
		ID:        s.newID(),
		Shop:      shop,
		SessionID: nav.SessionID,
		Kind:      nav.Kind,
		State:     models.StateRedirecting,
	}
	if err := s.store.Create(context.WithoutCancel(ctx), attempt); err != nil {
		if errors.Is(err, repository.ErrDuplicateSession) {
			return s.store.FindBySession(ctx, nav.SessionID)
		}
		return nil, fmt.Errorf("track attempt: %w", err)
	}
	return attempt, nil
}

// HandleReturn processes one landing on the return URL. It returns nil for
// landings without a session id and for cancelled checkouts that were never
// tracked.
func (s *ReconcileService) HandleReturn(ctx context.Context, creds backend.Credentials, rc models.ReturnContext) (*models.Attempt, error) {
	if rc.Outcome == models.OutcomeCancelled {
		return s.cancelReturn(ctx, creds, rc)
	}
	if rc.SessionID == "" {
		s.log.Info("success page without session", "shop", creds.Shop, "type", rc.PaymentType)
		return nil, nil
	}

	// Store writes outlive the request so a closed tab cannot strand an attempt mid-transition.
	storeCtx := context.WithoutCancel(ctx)

	attempt, err := s.findOrCreate(storeCtx, creds.Shop, rc)
	if err != nil {
		return nil, err
	}

	if attempt.State == models.StateRedirecting {
		ok, err := s.transition(storeCtx, attempt, models.EventReturn, nil)
		if err != nil {
			return nil, err
		}
		if !ok {
			return s.reload(storeCtx, attempt.ID)
		}
	}
	if attempt.State != models.StateReturned {
		s.log.Info("return already handled", "attempt_id", attempt.ID, "state", attempt.State)
		return s.resume(storeCtx, creds, attempt), nil
	}

	if attempt.Kind == models.KindSubscription {
		return s.verify(storeCtx, creds, attempt)
	}
	return s.awaitWebhook(storeCtx, creds, attempt)
}

// Attempt loads an attempt owned by the merchant and advances it if its
// background job is overdue.
func (s *ReconcileService) Attempt(ctx context.Context, creds backend.Credentials, id string) (*models.Attempt, error) {
	attempt, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if attempt == nil || attempt.Shop != creds.Shop {
		return nil, ErrAttemptNotFound
	}
	return s.resume(context.WithoutCancel(ctx), creds, attempt), nil
}

// Wait blocks until every scheduled recheck and settle has run.
func (s *ReconcileService) Wait() {
	s.wg.Wait()
}

// Close abandons scheduled work and waits for running jobs to return.
func (s *ReconcileService) Close() {
	s.cancel()
	s.wg.Wait()
}

// cancelReturn closes a tracked attempt the merchant backed out of. Unknown
// sessions are not recorded.
func (s *ReconcileService) cancelReturn(ctx context.Context, creds backend.Credentials, rc models.ReturnContext) (*models.Attempt, error) {
	s.log.Info("checkout cancelled", "shop", creds.Shop, "type", rc.PaymentType, "session_id", rc.SessionID)
	if rc.SessionID == "" {
		return nil, nil
	}
	storeCtx := context.WithoutCancel(ctx)
	attempt, err := s.store.FindBySession(storeCtx, rc.SessionID)
	if err != nil {
		return nil, fmt.Errorf("find attempt: %w", err)
	}
	if attempt == nil || attempt.Shop != creds.Shop {
		return nil, nil
	}
	if attempt.State == models.StateRedirecting {
		ok, err := s.transition(storeCtx, attempt, models.EventReturn, nil)
		if err != nil {
			return nil, err
		}
		if !ok {
			return s.reload(storeCtx, attempt.ID)
		}
	}
	if attempt.State != models.StateReturned {
		return attempt, nil
	}
	ok, err := s.transition(storeCtx, attempt, models.EventCancel, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.reload(storeCtx, attempt.ID)
	}
	return attempt, nil
}

func (s *ReconcileService) findOrCreate(ctx context.Context, shop string, rc models.ReturnContext) (*models.Attempt, error) {
	attempt, err := s.store.FindBySession(ctx, rc.SessionID)
	if err != nil {
		return nil, fmt.Errorf("find attempt: %w", err)
	}
	if attempt == nil {
		attempt = &models.Attempt{
			ID:        s.newID(),
			Shop:      shop,
			SessionID: rc.SessionID,
			Kind:      rc.PaymentType,
			State:     models.StateReturned,
		}
		err = s.store.Create(ctx, attempt)
		if errors.Is(err, repository.ErrDuplicateSession) {
			attempt, err = s.store.FindBySession(ctx, rc.SessionID)
		}
		if err != nil {
			return nil, fmt.Errorf("create attempt: %w", err)
		}
		if attempt == nil {
			return nil, ErrAttemptNotFound
		}
	}
	if attempt.Shop != shop {
		s.log.Warn("session belongs to another shop", "session_id", rc.SessionID, "shop", shop)
		return nil, ErrAttemptNotFound
	}
	return attempt, nil
}

func (s *ReconcileService) verify(ctx context.Context, creds backend.Credentials, attempt *models.Attempt) (*models.Attempt, error) {
	ok, err := s.transition(ctx, attempt, models.EventVerify, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.reload(ctx, attempt.ID)
	}

	result, verr := s.verifier.VerifySession(ctx, creds, attempt.SessionID)
	if verr == nil && result.Verified {
		ok, err := s.transition(ctx, attempt, models.EventVerifyOK, nil)
		if err != nil {
			return nil, err
		}
		if !ok {
			return s.reload(ctx, attempt.ID)
		}
		s.log.Info("subscription verified", "attempt_id", attempt.ID, "shop", attempt.Shop)
		s.refreshAll(ctx, creds, attempt)
		s.archive(ctx, attempt)
		return attempt, nil
	}

	reason := "session not verified"
	if verr != nil {
		reason = verr.Error()
	}
	s.log.Warn("subscription verification failed, webhook may still confirm", "attempt_id", attempt.ID, "shop", attempt.Shop, "reason", reason)
	ok, err = s.transition(ctx, attempt, models.EventVerifyFailed, func(a *models.Attempt) {
		a.LastError = reason
	})
	if err != nil {
		return nil, err
	}
	if ok {
		snapshot := *attempt
		s.schedule(s.opts.RecheckDelay, func(jobCtx context.Context) {
			s.recheck(jobCtx, creds, snapshot)
		})
	}
	return attempt, nil
}

func (s *ReconcileService) recheck(ctx context.Context, creds backend.Credentials, attempt models.Attempt) {
	sub, err := s.refresher.RefreshSubscription(ctx, creds)
	if _, berr := s.refresher.RefreshBalance(ctx, creds); berr != nil {
		s.log.Warn("balance refresh failed", "attempt_id", attempt.ID, "err", berr)
	}

	if err == nil && sub.Active {
		if _, terr := s.transition(ctx, &attempt, models.EventRecheckOK, nil); terr != nil {
			s.log.Error("confirm attempt", "attempt_id", attempt.ID, "err", terr)
			return
		}
		s.log.Info("subscription active after recheck", "attempt_id", attempt.ID, "shop", attempt.Shop)
		s.archive(ctx, &attempt)
		return
	}

	ok, terr := s.transition(ctx, &attempt, models.EventRecheckPending, func(a *models.Attempt) {
		a.Rechecks++
		if err != nil {
			a.LastError = err.Error()
		} else {
			a.LastError = "subscription not active"
		}
	})
	if terr != nil {
		s.log.Error("record recheck", "attempt_id", attempt.ID, "err", terr)
		return
	}
	if !ok {
		return
	}
	if attempt.Rechecks < s.opts.MaxRechecks {
		s.schedule(s.opts.RecheckDelay, func(jobCtx context.Context) {
			s.recheck(jobCtx, creds, attempt)
		})
		return
	}
	s.escalate(ctx, attempt)
}

func (s *ReconcileService) awaitWebhook(ctx context.Context, creds backend.Credentials, attempt *models.Attempt) (*models.Attempt, error) {
	ok, err := s.transition(ctx, attempt, models.EventAwaitWebhook, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.reload(ctx, attempt.ID)
	}
	s.log.Info("awaiting webhook", "attempt_id", attempt.ID, "type", attempt.Kind, "grace", s.opts.WebhookGrace)
	snapshot := *attempt
	s.schedule(s.opts.WebhookGrace, func(jobCtx context.Context) {
		s.settle(jobCtx, creds, snapshot)
	})
	return attempt, nil
}

func (s *ReconcileService) settle(ctx context.Context, creds backend.Credentials, attempt models.Attempt) {
	if _, err := s.refresher.RefreshBalance(ctx, creds); err != nil {
		s.log.Warn("balance refresh failed", "attempt_id", attempt.ID, "err", err)
	}
	ok, err := s.transition(ctx, &attempt, models.EventWebhookDeadline, nil)
	if err != nil {
		s.log.Error("settle attempt", "attempt_id", attempt.ID, "err", err)
		return
	}
	if ok {
		s.archive(ctx, &attempt)
	}
}

// resume advances an attempt whose scheduled job is overdue, either because
// the process restarted or because every recheck already ran. Failures leave
// the attempt as it was.
func (s *ReconcileService) resume(ctx context.Context, creds backend.Credentials, attempt *models.Attempt) *models.Attempt {
	idle := s.now().Sub(attempt.UpdatedAt)
	switch attempt.State {
	case models.StatePending:
		if idle < s.opts.RecheckDelay {
			return attempt
		}
		return s.confirmIfActive(ctx, creds, attempt, models.EventRecheckOK)
	case models.StateVerifying:
		if idle < s.opts.StaleAfter {
			return attempt
		}
		return s.confirmIfActive(ctx, creds, attempt, models.EventVerifyOK)
	case models.StateAwaitingWebhook:
		if idle < s.opts.WebhookGrace {
			return attempt
		}
		s.settle(ctx, creds, *attempt)
		if reloaded, err := s.reload(ctx, attempt.ID); err == nil {
			return reloaded
		}
	}
	return attempt
}

func (s *ReconcileService) confirmIfActive(ctx context.Context, creds backend.Credentials, attempt *models.Attempt, e models.AttemptEvent) *models.Attempt {
	sub, err := s.refresher.RefreshSubscription(ctx, creds)
	if err != nil {
		s.log.Warn("subscription refresh failed", "attempt_id", attempt.ID, "err", err)
		return attempt
	}
	if !sub.Active {
		if attempt.State != models.StateVerifying {
			return attempt
		}
		e = models.EventVerifyFailed
	}
	ok, err := s.transition(ctx, attempt, e, func(a *models.Attempt) {
		if e == models.EventVerifyFailed {
			a.LastError = "verification interrupted"
		}
	})
	if err != nil {
		s.log.Error("resume attempt", "attempt_id", attempt.ID, "err", err)
		return attempt
	}
	if !ok {
		if reloaded, err := s.reload(ctx, attempt.ID); err == nil {
			return reloaded
		}
		return attempt
	}
	if attempt.State == models.StateConfirmed {
		s.log.Info("subscription active on resume", "attempt_id", attempt.ID, "shop", attempt.Shop)
		if _, err := s.refresher.RefreshBalance(ctx, creds); err != nil {
			s.log.Warn("balance refresh failed", "attempt_id", attempt.ID, "err", err)
		}
		s.archive(ctx, attempt)
	}
	return attempt
}

func (s *ReconcileService) refreshAll(ctx context.Context, creds backend.Credentials, attempt *models.Attempt) {
	if _, err := s.refresher.RefreshSubscription(ctx, creds); err != nil {
		s.log.Warn("subscription refresh failed", "attempt_id", attempt.ID, "err", err)
	}
	if _, err := s.refresher.RefreshBalance(ctx, creds); err != nil {
		s.log.Warn("balance refresh failed", "attempt_id", attempt.ID, "err", err)
	}
}

func (s *ReconcileService) archive(ctx context.Context, attempt *models.Attempt) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.Archive(ctx, *attempt); err != nil {
		s.log.Warn("archive receipt failed", "attempt_id", attempt.ID, "err", err)
	}
}

func (s *ReconcileService) escalate(ctx context.Context, attempt models.Attempt) {
	s.log.Warn("attempt still pending after rechecks", "attempt_id", attempt.ID, "shop", attempt.Shop, "session_id", attempt.SessionID, "rechecks", attempt.Rechecks)
	if s.escalator == nil {
		return
	}
	if err := s.escalator.Escalate(ctx, attempt); err != nil {
		s.log.Error("escalate attempt", "attempt_id", attempt.ID, "err", err)
	}
}

// transition applies event e to attempt and persists it only if nobody else
// moved the attempt first. On a lost race attempt is left untouched.
func (s *ReconcileService) transition(ctx context.Context, attempt *models.Attempt, e models.AttemptEvent, mutate func(*models.Attempt)) (bool, error) {
	next, err := models.Next(attempt.State, e)
	if err != nil {
		return false, err
	}
	updated := *attempt
	updated.State = next
	if mutate != nil {
		mutate(&updated)
	}
	ok, err := s.store.CompareAndSwap(ctx, &updated, attempt.State)
	if err != nil {
		return false, fmt.Errorf("update attempt: %w", err)
	}
	if !ok {
		s.log.Info("attempt moved concurrently", "attempt_id", attempt.ID, "from", attempt.State, "event", e)
		return false, nil
	}
	*attempt = updated
	return true, nil
}

func (s *ReconcileService) reload(ctx context.Context, id string) (*models.Attempt, error) {
	attempt, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if attempt == nil {
		return nil, ErrAttemptNotFound
	}
	return attempt, nil
}

func (s *ReconcileService) schedule(delay time.Duration, job func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.baseCtx.Done():
			return
		case <-s.after(delay):
		}
		job(s.baseCtx)
	}()
}
