package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/digkill/astronote-billing/internal/models"
)

type checkoutRequest struct {
	PlanType   string `json:"planType,omitempty"`
	PackageID  string `json:"packageId,omitempty"`
	Credits    int    `json:"credits,omitempty"`
	Currency   string `json:"currency,omitempty"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

// checkoutResponse accepts every URL field name the backend has used.
type checkoutResponse struct {
	SessionID   string `json:"sessionId"`
	ID          string `json:"id"`
	SessionURL  string `json:"sessionUrl"`
	CheckoutURL string `json:"checkoutUrl"`
	URL         string `json:"url"`
}

func (r checkoutResponse) session() models.CheckoutSession {
	s := models.CheckoutSession{SessionID: r.SessionID}
	if s.SessionID == "" {
		s.SessionID = r.ID
	}
	switch {
	case r.SessionURL != "":
		s.CheckoutURL = r.SessionURL
	case r.CheckoutURL != "":
		s.CheckoutURL = r.CheckoutURL
	default:
		s.CheckoutURL = r.URL
	}
	return s
}

// CreateCheckout asks the backend for a hosted checkout session matching the intent kind.
func (c *Client) CreateCheckout(ctx context.Context, creds Credentials, intent models.PurchaseIntent) (models.CheckoutSession, error) {
	req := checkoutRequest{
		Currency:   intent.Currency,
		SuccessURL: intent.SuccessURL,
		CancelURL:  intent.CancelURL,
	}
	var path string
	switch intent.Kind {
	case models.KindSubscription:
		path = "/subscriptions/subscribe"
		req.PlanType = intent.PlanType
	case models.KindCreditTopup:
		path = "/billing/topup"
		req.Credits = intent.Credits
	case models.KindCreditPack:
		path = "/billing/purchase"
		req.PackageID = intent.PackageID
	default:
		return models.CheckoutSession{}, fmt.Errorf("unsupported purchase kind: %s", intent.Kind)
	}

	var resp checkoutResponse
	if err := c.do(ctx, creds, http.MethodPost, path, nil, req, &resp); err != nil {
		return models.CheckoutSession{}, err
	}
	return resp.session(), nil
}

type subscriptionPayload struct {
	Active   *bool  `json:"active"`
	PlanType string `json:"planType"`
	Status   string `json:"status"`
}

func (p subscriptionPayload) state() models.SubscriptionState {
	s := models.SubscriptionState{PlanType: p.PlanType, Status: p.Status}
	if p.Active != nil {
		s.Active = *p.Active
	} else {
		s.Active = p.Status == "active"
	}
	return s
}

// VerifySession asks whether a subscription checkout session has been confirmed.
func (c *Client) VerifySession(ctx context.Context, creds Credentials, sessionID string) (models.VerificationResult, error) {
	var resp struct {
		subscriptionPayload
		Verified     *bool                `json:"verified"`
		Subscription *subscriptionPayload `json:"subscription"`
	}
	body := map[string]string{"sessionId": sessionID}
	if err := c.do(ctx, creds, http.MethodPost, "/subscriptions/verify-session", nil, body, &resp); err != nil {
		return models.VerificationResult{}, err
	}

	result := models.VerificationResult{Subscription: resp.subscriptionPayload.state()}
	if resp.Subscription != nil {
		result.Subscription = resp.Subscription.state()
	}
	if resp.Verified != nil {
		result.Verified = *resp.Verified
	} else {
		result.Verified = result.Subscription.Active
	}
	return result, nil
}

func (c *Client) Subscription(ctx context.Context, creds Credentials) (models.SubscriptionState, error) {
	var resp subscriptionPayload
	if err := c.do(ctx, creds, http.MethodGet, "/subscriptions/status", nil, nil, &resp); err != nil {
		return models.SubscriptionState{}, err
	}
	return resp.state(), nil
}

func (c *Client) Balance(ctx context.Context, creds Credentials) (models.BalanceState, error) {
	var resp struct {
		Credits  *int   `json:"credits"`
		Balance  *int   `json:"balance"`
		Currency string `json:"currency"`
	}
	if err := c.do(ctx, creds, http.MethodGet, "/billing/balance", nil, nil, &resp); err != nil {
		return models.BalanceState{}, err
	}
	state := models.BalanceState{Currency: resp.Currency}
	switch {
	case resp.Credits != nil:
		state.Credits = *resp.Credits
	case resp.Balance != nil:
		state.Credits = *resp.Balance
	}
	return state, nil
}

func (c *Client) Packages(ctx context.Context, creds Credentials, currency string) (models.PackageList, error) {
	query := url.Values{}
	if currency != "" {
		query.Set("currency", currency)
	}
	var raw json.RawMessage
	if err := c.do(ctx, creds, http.MethodGet, "/billing/packages", query, nil, &raw); err != nil {
		return models.PackageList{}, err
	}

	var list models.PackageList
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		if err := json.Unmarshal(raw, &list.Packages); err != nil {
			return models.PackageList{}, fmt.Errorf("decode packages: %w", err)
		}
	} else if err := json.Unmarshal(raw, &list); err != nil {
		return models.PackageList{}, fmt.Errorf("decode packages: %w", err)
	}
	for i := range list.Packages {
		if list.Packages[i].Currency == "" {
			list.Packages[i].Currency = currency
		}
	}
	return list, nil
}

func (c *Client) TopupPrice(ctx context.Context, creds Credentials, credits int) (models.TopupPrice, error) {
	query := url.Values{}
	query.Set("credits", strconv.Itoa(credits))
	var price models.TopupPrice
	if err := c.do(ctx, creds, http.MethodGet, "/billing/topup/calculate", query, nil, &price); err != nil {
		return models.TopupPrice{}, err
	}
	if price.Credits == 0 {
		price.Credits = credits
	}
	return price, nil
}

func (c *Client) History(ctx context.Context, creds Credentials, page, pageSize int) (models.HistoryPage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("pageSize", strconv.Itoa(pageSize))
	var raw json.RawMessage
	if err := c.do(ctx, creds, http.MethodGet, "/billing/history", query, nil, &raw); err != nil {
		return models.HistoryPage{}, err
	}
	return normalizeHistory(raw)
}

func (c *Client) PortalURL(ctx context.Context, creds Credentials) (string, error) {
	var resp struct {
		PortalURL string `json:"portalUrl"`
		URL       string `json:"url"`
	}
	if err := c.do(ctx, creds, http.MethodGet, "/subscriptions/portal", nil, nil, &resp); err != nil {
		return "", err
	}
	if resp.PortalURL != "" {
		return resp.PortalURL, nil
	}
	return resp.URL, nil
}

func (c *Client) UpdateSubscription(ctx context.Context, creds Credentials, planType string) error {
	body := map[string]string{"planType": planType}
	return c.do(ctx, creds, http.MethodPost, "/subscriptions/update", nil, body, nil)
}

func (c *Client) CancelSubscription(ctx context.Context, creds Credentials) error {
	return c.do(ctx, creds, http.MethodPost, "/subscriptions/cancel", nil, nil, nil)
}
