package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/astronote-billing/internal/models"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier posts billing escalations to an operations chat.
type Notifier struct {
	api    sender
	chatID int64
	log    *slog.Logger
}

func NewNotifier(token string, chatID int64, log *slog.Logger) (*Notifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return newNotifier(api, chatID, log), nil
}

func newNotifier(api sender, chatID int64, log *slog.Logger) *Notifier {
	return &Notifier{api: api, chatID: chatID, log: log}
}

// Escalate reports an attempt that is still unconfirmed after all rechecks.
func (n *Notifier) Escalate(_ context.Context, attempt models.Attempt) error {
	msg := tgbotapi.NewMessage(n.chatID, escalationText(attempt))
	msg.DisableWebPagePreview = true
	if _, err := n.api.Send(msg); err != nil {
		return fmt.Errorf("send escalation: %w", err)
	}
	n.log.Info("escalation sent", "attempt_id", attempt.ID, "chat_id", n.chatID)
	return nil
}

func escalationText(attempt models.Attempt) string {
	var b strings.Builder
	b.WriteString("Checkout still unconfirmed\n")
	fmt.Fprintf(&b, "Shop: %s\n", attempt.Shop)
	fmt.Fprintf(&b, "Type: %s\n", attempt.Kind)
	fmt.Fprintf(&b, "Session: %s\n", attempt.SessionID)
	fmt.Fprintf(&b, "Attempt: %s\n", attempt.ID)
	fmt.Fprintf(&b, "Rechecks: %d", attempt.Rechecks)
	if attempt.LastError != "" {
		fmt.Fprintf(&b, "\nLast error: %s", attempt.LastError)
	}
	return b.String()
}
