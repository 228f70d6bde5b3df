package models

import (
	"fmt"
	"time"
)

// AttemptState is the lifecycle position of a single checkout attempt.
type AttemptState string

const (
	StateIdle            AttemptState = "idle"
	StateRedirecting     AttemptState = "redirecting"
	StateReturned        AttemptState = "returned"
	StateCancelled       AttemptState = "cancelled"
	StateVerifying       AttemptState = "verifying"
	StatePending         AttemptState = "pending"
	StateAwaitingWebhook AttemptState = "awaiting_webhook"
	StateConfirmed       AttemptState = "confirmed"
)

type AttemptEvent string

const (
	EventInitiate        AttemptEvent = "initiate"
	EventReturn          AttemptEvent = "return"
	EventCancel          AttemptEvent = "cancel"
	EventVerify          AttemptEvent = "verify"
	EventVerifyOK        AttemptEvent = "verify_ok"
	EventVerifyFailed    AttemptEvent = "verify_failed"
	EventRecheckOK       AttemptEvent = "recheck_ok"
	EventRecheckPending  AttemptEvent = "recheck_pending"
	EventAwaitWebhook    AttemptEvent = "await_webhook"
	EventWebhookDeadline AttemptEvent = "webhook_deadline"
)

var transitions = map[AttemptState]map[AttemptEvent]AttemptState{
	StateIdle: {
		EventInitiate: StateRedirecting,
	},
	StateRedirecting: {
		EventReturn: StateReturned,
	},
	StateReturned: {
		EventCancel:       StateCancelled,
		EventVerify:       StateVerifying,
		EventAwaitWebhook: StateAwaitingWebhook,
	},
	StateVerifying: {
		EventVerifyOK:     StateConfirmed,
		EventVerifyFailed: StatePending,
	},
	StatePending: {
		EventRecheckOK:      StateConfirmed,
		EventRecheckPending: StatePending,
	},
	StateAwaitingWebhook: {
		EventWebhookDeadline: StateConfirmed,
	},
}

// Next returns the state reached from s on event e.
func Next(s AttemptState, e AttemptEvent) (AttemptState, error) {
	if to, ok := transitions[s][e]; ok {
		return to, nil
	}
	return s, fmt.Errorf("illegal transition %s --(%s)-->", s, e)
}

// Terminal reports whether no further transition can leave s.
func (s AttemptState) Terminal() bool {
	return s == StateCancelled || s == StateConfirmed
}

type Attempt struct {
	ID        string
	Shop      string
	SessionID string
	Kind      PurchaseKind
	State     AttemptState
	Rechecks  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}
