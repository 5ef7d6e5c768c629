// Package botlink drives the link/unlink conversation between a messaging-bot
// chat and an account.
//
// A chat is Linked when an account has bot_linked set for that chat id and
// Unlinked otherwise. Only /start <token> and /disconnect change state.
package botlink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rcourtman/postforge/internal/backoffice/accounts"
	"github.com/rcourtman/postforge/internal/backoffice/linktoken"
	"github.com/rcourtman/postforge/internal/logging"
)

const (
	CommandStart         = "/start"
	CommandStatus        = "/status"
	CommandDisconnect    = "/disconnect"
	CommandNotifications = "/notifications"
	CommandHelp          = "/help"
)

// Reply texts.
const (
	replyLinked         = "Connected to %s. You'll get account notifications here."
	replyExpired        = "This link has expired. Generate a new one from your dashboard."
	replyInvalid        = "That link code isn't valid. Generate a new one from your dashboard."
	replyWelcome        = "Hi! To connect this chat, use the Connect Telegram button in your dashboard."
	replyWelcomeLinked  = "Hi! This chat is connected to %s. Send /status for details."
	replyStatusLinked   = "Connected to %s.\nNotifications: %s"
	replyStatusUnlinked = "This chat isn't connected to an account."
	replyDisconnected   = "Disconnected. You won't receive notifications here anymore."
	replyNotLinked      = "This chat isn't connected to an account, so there is nothing to change."
	replyNotifications  = "Notifications turned %s."
	replyNotifyUsage    = "Usage: /notifications on|off"
	replyHelp           = "Commands:\n/status - show the connected account\n/notifications on|off - toggle notifications\n/disconnect - disconnect this chat\n/help - show this message"
)

// Store is the subset of the Account Store used by the bot.
type Store interface {
	FindByIdentity(ctx context.Context, id string) (*accounts.Account, error)
	FindByBotChatID(ctx context.Context, chatID string) (*accounts.Account, error)
	SetBotLink(ctx context.Context, id string, chatID *string, linked bool) error
	SetBotNotifications(ctx context.Context, id string, on bool) error
}

// TokenDecoder verifies link tokens.
type TokenDecoder interface {
	Decode(token string) (linktoken.Claims, error)
}

// Reply is the outcome of one command. Result labels metrics and logs.
type Reply struct {
	Command string
	Result  string
	Text    string
}

// Machine applies bot commands to the Account Store.
type Machine struct {
	store  Store
	tokens TokenDecoder
}

// NewMachine creates a Machine.
func NewMachine(store Store, tokens TokenDecoder) *Machine {
	return &Machine{store: store, tokens: tokens}
}

// Handle applies one chat message and returns the reply to send.
func (m *Machine) Handle(ctx context.Context, chatID, text string) (Reply, error) {
	cmd, args := parseCommand(text)
	current, err := m.store.FindByBotChatID(ctx, chatID)
	if err != nil {
		return Reply{Command: cmd}, fmt.Errorf("lookup chat %s: %w", chatID, err)
	}

	switch cmd {
	case CommandStart:
		if len(args) == 0 {
			if current != nil {
				return reply(cmd, "info", fmt.Sprintf(replyWelcomeLinked, current.Email)), nil
			}
			return reply(cmd, "info", replyWelcome), nil
		}
		return m.start(ctx, chatID, args[0])

	case CommandStatus:
		if current == nil {
			return reply(cmd, "unlinked", replyStatusUnlinked), nil
		}
		return reply(cmd, "linked", fmt.Sprintf(replyStatusLinked, current.Email, onOff(current.BotNotifications))), nil

	case CommandDisconnect:
		if current == nil {
			return reply(cmd, "noop", replyNotLinked), nil
		}
		if err := m.store.SetBotLink(ctx, current.ExternalIdentityID, nil, false); err != nil {
			return Reply{Command: cmd}, fmt.Errorf("unlink chat: %w", err)
		}
		logger := logging.FromContext(ctx)
		logger.Info().
			Str("chat_id", chatID).
			Str("external_identity_id", current.ExternalIdentityID).
			Msg("Bot chat disconnected")
		return reply(cmd, "unlinked", replyDisconnected), nil

	case CommandNotifications:
		if current == nil {
			return reply(cmd, "noop", replyNotLinked), nil
		}
		on, ok := parseToggle(args)
		if !ok {
			return reply(cmd, "usage", replyNotifyUsage), nil
		}
		if err := m.store.SetBotNotifications(ctx, current.ExternalIdentityID, on); err != nil {
			return Reply{Command: cmd}, fmt.Errorf("set notifications: %w", err)
		}
		return reply(cmd, onOff(on), fmt.Sprintf(replyNotifications, onOff(on))), nil

	default:
		if cmd != CommandHelp {
			cmd = "other"
		}
		return reply(cmd, "help", replyHelp), nil
	}
}

func (m *Machine) start(ctx context.Context, chatID, token string) (Reply, error) {
	claims, err := m.tokens.Decode(token)
	switch {
	case errors.Is(err, linktoken.ErrTokenExpired):
		return reply(CommandStart, "expired", replyExpired), nil
	case err != nil:
		return reply(CommandStart, "invalid", replyInvalid), nil
	}

	acct, err := m.store.FindByIdentity(ctx, claims.ExternalIdentityID)
	if err != nil {
		return Reply{Command: CommandStart}, fmt.Errorf("lookup account: %w", err)
	}
	if acct == nil || acct.Deleted() {
		logger := logging.FromContext(ctx)
		logger.Warn().
			Str("chat_id", chatID).
			Str("external_identity_id", claims.ExternalIdentityID).
			Msg("Link token for unknown account")
		return reply(CommandStart, "invalid", replyInvalid), nil
	}

	// Re-linking the same chat is a no-op re-assertion of the same state.
	if err := m.store.SetBotLink(ctx, acct.ExternalIdentityID, &chatID, true); err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return reply(CommandStart, "invalid", replyInvalid), nil
		}
		return Reply{Command: CommandStart}, fmt.Errorf("link chat: %w", err)
	}
	logger := logging.FromContext(ctx)
	logger.Info().
		Str("chat_id", chatID).
		Str("external_identity_id", acct.ExternalIdentityID).
		Msg("Bot chat linked")
	return reply(CommandStart, "linked", fmt.Sprintf(replyLinked, acct.Email)), nil
}

// parseCommand splits "/cmd@botname arg1 arg2" into "/cmd" and its args.
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil
	}
	cmd := strings.ToLower(fields[0])
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:]
}

func parseToggle(args []string) (bool, bool) {
	if len(args) != 1 {
		return false, false
	}
	switch strings.ToLower(args[0]) {
	case "on", "enable", "yes":
		return true, true
	case "off", "disable", "no":
		return false, true
	}
	return false, false
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func reply(cmd, result, text string) Reply {
	return Reply{Command: cmd, Result: result, Text: text}
}
