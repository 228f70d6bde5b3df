package service

import (
	"net/url"
	"strings"

	"github.com/digkill/astronote-billing/internal/models"
)

// ParseReturn reads the provider return parameters. The query is read once;
// the caller redirects to a parameter-free URL afterwards.
func ParseReturn(outcome models.ReturnOutcome, query url.Values) models.ReturnContext {
	sessionID := strings.TrimSpace(query.Get("session_id"))
	if sessionID == SessionIDPlaceholder {
		sessionID = ""
	}
	return models.ReturnContext{
		SessionID:   sessionID,
		PaymentType: models.ParsePurchaseKind(strings.TrimSpace(query.Get("type"))),
		Outcome:     outcome,
	}
}

// HasReturnParams reports whether the query still carries return parameters.
func HasReturnParams(query url.Values) bool {
	return query.Has("session_id") || query.Has("type")
}
