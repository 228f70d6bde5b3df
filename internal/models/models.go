package models

import "time"

type PurchaseKind string

const (
	KindSubscription PurchaseKind = "subscription"
	KindCreditTopup  PurchaseKind = "credit_topup"
	KindCreditPack   PurchaseKind = "credit_pack"
	KindUnknown      PurchaseKind = "unknown"
)

// ParsePurchaseKind maps the `type` query parameter to a known kind.
func ParsePurchaseKind(raw string) PurchaseKind {
	switch PurchaseKind(raw) {
	case KindSubscription, KindCreditTopup, KindCreditPack:
		return PurchaseKind(raw)
	default:
		return KindUnknown
	}
}

type ReturnOutcome string

const (
	OutcomeSuccess   ReturnOutcome = "success"
	OutcomeCancelled ReturnOutcome = "cancelled"
)

type PurchaseIntent struct {
	Kind       PurchaseKind
	PlanType   string
	PackageID  string
	Credits    int
	Currency   string
	SuccessURL string
	CancelURL  string
}

type CheckoutSession struct {
	SessionID   string
	CheckoutURL string
}

type ReturnContext struct {
	SessionID   string
	PaymentType PurchaseKind
	Outcome     ReturnOutcome
}

type SubscriptionState struct {
	Active   bool   `json:"active"`
	PlanType string `json:"planType,omitempty"`
	Status   string `json:"status,omitempty"`
}

type BalanceState struct {
	Credits  int    `json:"credits"`
	Currency string `json:"currency"`
}

type VerificationResult struct {
	Verified     bool
	Subscription SubscriptionState
}

type Plan struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Price             float64  `json:"price"`
	Currency          string   `json:"currency"`
	BillingPeriod     string   `json:"billingPeriod"`
	FreeCredits       int      `json:"freeCredits"`
	FreeCreditsPeriod string   `json:"freeCreditsPeriod"`
	Description       string   `json:"description"`
	Popular           bool     `json:"popular"`
	Features          []string `json:"features,omitempty"`
}

type CreditPackage struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Credits       int      `json:"credits"`
	Price         float64  `json:"price"`
	OriginalPrice float64  `json:"originalPrice,omitempty"`
	Currency      string   `json:"currency"`
	Description   string   `json:"description,omitempty"`
	Popular       bool     `json:"popular"`
	Features      []string `json:"features,omitempty"`
}

type PackageList struct {
	Packages             []CreditPackage `json:"packages"`
	SubscriptionRequired bool            `json:"subscriptionRequired"`
}

type TopupPrice struct {
	Credits      int     `json:"credits"`
	PriceEur     float64 `json:"priceEur"`
	VatAmount    float64 `json:"vatAmount"`
	PriceWithVat float64 `json:"priceEurWithVat"`
}

type Transaction struct {
	ID          string    `json:"id"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Credits     int       `json:"credits"`
	PackageName string    `json:"packageName"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Pagination struct {
	Page        int  `json:"page"`
	PageSize    int  `json:"pageSize"`
	Total       int  `json:"total"`
	TotalPages  int  `json:"totalPages"`
	HasNextPage bool `json:"hasNextPage"`
	HasPrevPage bool `json:"hasPrevPage"`
}

type HistoryPage struct {
	Items      []Transaction `json:"items"`
	Pagination Pagination    `json:"pagination"`
}
