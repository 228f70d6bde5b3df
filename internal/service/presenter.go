package service

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/digkill/astronote-billing/internal/backend"
	"github.com/digkill/astronote-billing/internal/models"
)

// View is what the dashboard renders for a checkout return.
type View struct {
	AttemptID    string                    `json:"attemptId,omitempty"`
	Kind         models.PurchaseKind       `json:"type"`
	State        models.AttemptState       `json:"state"`
	Title        string                    `json:"title"`
	Message      string                    `json:"message"`
	Terminal     bool                      `json:"terminal"`
	Processing   bool                      `json:"processing"`
	Subscription *models.SubscriptionState `json:"subscription,omitempty"`
	Balance      *models.BalanceState      `json:"balance,omitempty"`
	LowBalance   bool                      `json:"lowBalance,omitempty"`
}

type copyText struct {
	title   string
	message string
}

var successCopy = map[models.PurchaseKind]copyText{
	models.KindSubscription: {"Subscription Activated!", "Your subscription has been activated successfully. Free credits have been allocated to your account."},
	models.KindCreditTopup:  {"Credits Added!", "Your credit top-up has been processed successfully. Credits have been added to your account."},
	models.KindCreditPack:   {"Purchase Complete!", "Your credit pack purchase has been completed successfully. Credits have been added to your account."},
	models.KindUnknown:      {"Payment Successful!", "Your payment has been processed successfully. Credits have been added to your account."},
}

var cancelCopy = map[models.PurchaseKind]copyText{
	models.KindSubscription: {"Subscription Cancelled", "Your subscription checkout was cancelled and no charges were made. You can subscribe anytime."},
	models.KindCreditTopup:  {"Top-up Cancelled", "Your credit top-up was cancelled and no charges were made. You can try again anytime."},
	models.KindCreditPack:   {"Purchase Cancelled", "Your credit pack purchase was cancelled and no charges were made. You can try again anytime."},
	models.KindUnknown:      {"Payment Cancelled", "Your payment was cancelled and no charges were made. You can try again anytime."},
}

var (
	verifyingCopy = copyText{"Verifying Payment", "We are confirming your payment with our payment provider."}
	pendingCopy   = copyText{"Verification Pending", "Your payment was received and is still being processed. Your subscription will activate automatically within a few moments. You can safely leave this page."}
)

func lookup(table map[models.PurchaseKind]copyText, kind models.PurchaseKind) copyText {
	if c, ok := table[kind]; ok {
		return c
	}
	return table[models.KindUnknown]
}

// PresentAttempt renders an attempt. Nothing here ever reports a failed
// payment: unresolved attempts are shown as processing.
func PresentAttempt(a models.Attempt) View {
	v := View{
		AttemptID: a.ID,
		Kind:      a.Kind,
		State:     a.State,
		Terminal:  a.State.Terminal(),
	}
	var c copyText
	switch a.State {
	case models.StateRedirecting, models.StateReturned, models.StateVerifying:
		c = verifyingCopy
		v.Processing = true
	case models.StatePending:
		c = pendingCopy
		v.Processing = true
	case models.StateAwaitingWebhook:
		c = lookup(successCopy, a.Kind)
		v.Processing = true
	case models.StateCancelled:
		c = lookup(cancelCopy, a.Kind)
	default:
		c = lookup(successCopy, a.Kind)
	}
	v.Title, v.Message = c.title, c.message
	return v
}

// PresentCancel renders a cancelled checkout of the given kind.
func PresentCancel(kind models.PurchaseKind) View {
	c := lookup(cancelCopy, kind)
	return View{
		Kind:     kind,
		State:    models.StateCancelled,
		Title:    c.title,
		Message:  c.message,
		Terminal: true,
	}
}

// PresentDirect renders the success page visited without a session id.
func PresentDirect() View {
	c := successCopy[models.KindUnknown]
	return View{
		Kind:     models.KindUnknown,
		State:    models.StateConfirmed,
		Title:    c.title,
		Message:  c.message,
		Terminal: true,
	}
}

// PresentUnresolved is shown when a return could not be processed at all;
// the webhook may still complete the purchase, so it stays non-terminal.
func PresentUnresolved(kind models.PurchaseKind) View {
	return View{
		Kind:       kind,
		State:      models.StatePending,
		Title:      pendingCopy.title,
		Message:    pendingCopy.message,
		Processing: true,
	}
}

// WithAccount attaches the current balance and subscription snapshot.
func (v View) WithAccount(balance *models.BalanceState, subscription *models.SubscriptionState) View {
	v.Balance = balance
	v.Subscription = subscription
	if balance != nil {
		v.LowBalance = balance.Credits < LowBalanceThreshold
	}
	return v
}

// UserMessage maps a billing error to the text shown to the merchant.
// fallback is used for hard failures without a usable backend message.
func UserMessage(err error, fallback string) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidKind):
		return "Please choose what you want to purchase."
	case errors.Is(err, ErrInvalidPlan):
		return "Invalid subscription plan selected."
	case errors.Is(err, ErrInvalidPackage):
		return "Please choose a credit package."
	case errors.Is(err, ErrInvalidCredits):
		return "Please enter a valid number of credits."
	case errors.Is(err, ErrCreditsLimit):
		var limit *CreditsLimitError
		if errors.As(err, &limit) {
			return fmt.Sprintf("Maximum %s credits per purchase.", humanize.Comma(int64(limit.Max)))
		}
		return "Too many credits for a single purchase."
	case errors.Is(err, ErrInvalidCurrency):
		return "Please choose a supported currency."
	case errors.Is(err, ErrSubscriptionRequired):
		return "An active subscription is required to purchase credit packs."
	case errors.Is(err, ErrAlreadySubscribed):
		return "You already have an active subscription. Please cancel your current subscription first."
	case errors.Is(err, ErrMissingPrice):
		return "Payment configuration error. Please contact support."
	case errors.Is(err, ErrMissingCustomer):
		return "No payment account found. Please subscribe to a plan first."
	case errors.Is(err, ErrMissingCheckoutURL):
		return "Failed to get checkout URL. Please try again."
	case errors.Is(err, ErrMissingPortalURL):
		return "Failed to get portal URL. Please try again."
	case errors.Is(err, ErrAttemptNotFound):
		return "We could not find this payment. Please check your billing page."
	}

	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && apiErr.Status >= http.StatusBadRequest && apiErr.Status < http.StatusInternalServerError && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}
