// Package notify tells account holders about billing problems through the
// linked bot chat, falling back to email.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcourtman/postforge/internal/backoffice/accounts"
	"github.com/rcourtman/postforge/internal/backoffice/billing"
	"github.com/rcourtman/postforge/internal/backoffice/bometrics"
	"github.com/rcourtman/postforge/internal/backoffice/email"
	"github.com/rs/zerolog/log"
)

const (
	channelBot   = "bot"
	channelEmail = "email"
	channelLog   = "log"
)

// ChatSender sends a bot chat message.
type ChatSender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// Notifier delivers at most one message per call.
type Notifier struct {
	chat   ChatSender
	mailer email.Sender
	from   string
}

// New creates a Notifier. chat and mailer may be nil.
func New(chat ChatSender, mailer email.Sender, from string) *Notifier {
	return &Notifier{chat: chat, mailer: mailer, from: from}
}

// PaymentFailed notifies the account holder of a failed invoice payment.
func (n *Notifier) PaymentFailed(ctx context.Context, acct *accounts.Account, inv billing.Invoice) error {
	if acct == nil {
		return fmt.Errorf("account is required")
	}
	amount := email.FormatAmount(inv.AmountDue, inv.Currency)

	switch {
	case n.chat != nil && acct.BotLinked && acct.BotNotifications && acct.BotChatID != nil:
		text := fmt.Sprintf("Your payment of %s for the %s plan didn't go through. Your plan stays active while we retry.", amount, acct.Plan)
		if inv.HostedInvoiceURL != "" {
			text += "\nUpdate your payment method: " + inv.HostedInvoiceURL
		}
		return n.record(channelBot, n.chat.SendMessage(ctx, *acct.BotChatID, text))

	case n.mailer != nil && strings.TrimSpace(acct.Email) != "":
		name := ""
		if acct.DisplayName != nil {
			name = *acct.DisplayName
		}
		html, text, err := email.RenderPaymentFailedEmail(email.PaymentFailedData{
			Name:       name,
			Plan:       string(acct.Plan),
			Amount:     amount,
			InvoiceURL: inv.HostedInvoiceURL,
		})
		if err != nil {
			return n.record(channelEmail, err)
		}
		return n.record(channelEmail, n.mailer.Send(ctx, email.Message{
			From:    n.from,
			To:      acct.Email,
			Subject: "Your payment didn't go through",
			HTML:    html,
			Text:    text,
			Tag:     "payment-failed",
		}))

	default:
		log.Warn().
			Str("external_identity_id", acct.ExternalIdentityID).
			Str("invoice_id", inv.ID).
			Msg("No notification channel for payment failure")
		return n.record(channelLog, nil)
	}
}

func (n *Notifier) record(channel string, err error) error {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	bometrics.NotificationsTotal.WithLabelValues(channel, result).Inc()
	if err != nil {
		return fmt.Errorf("notify via %s: %w", channel, err)
	}
	return nil
}
