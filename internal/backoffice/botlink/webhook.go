package botlink

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/postforge/internal/backoffice/bometrics"
	"github.com/rcourtman/postforge/internal/backoffice/reqmeta"
	"github.com/rcourtman/postforge/internal/logging"
)

const (
	// Provider labels bot webhook metrics.
	Provider = "bot"

	secretTokenHeader     = "X-Telegram-Bot-Api-Secret-Token"
	webhookBodyLimit      = 256 * 1024
	defaultHandlerTimeout = 5 * time.Second
	replyInternalError    = "Something went wrong. Please try again in a moment."
)

// Update is the subset of a bot platform update the handler reads.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is an incoming chat message.
type Message struct {
	MessageID int64 `json:"message_id"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text string `json:"text"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// WebhookHandler receives bot updates. It always acknowledges with 200: the
// bot platform has no retry semantics worth triggering.
type WebhookHandler struct {
	secretToken string
	machine     *Machine
	messenger   Messenger
	timeout     time.Duration
}

// NewWebhookHandler creates the bot webhook handler. secretToken may be empty
// to skip the platform's secret header check; messenger may be nil to drop
// replies.
func NewWebhookHandler(secretToken string, machine *Machine, messenger Messenger, timeout time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	return &WebhookHandler{
		secretToken: strings.TrimSpace(secretToken),
		machine:     machine,
		messenger:   messenger,
		timeout:     timeout,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "update"
	status := http.StatusOK
	defer func() {
		bometrics.WebhookRequestsTotal.WithLabelValues(Provider, eventType, strconv.Itoa(status)).Inc()
		bometrics.WebhookDuration.WithLabelValues(Provider).Observe(time.Since(start).Seconds())
	}()

	if h.secretToken != "" {
		got := r.Header.Get(secretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secretToken)) != 1 {
			status = http.StatusUnauthorized
			reqmeta.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger := logging.FromContext(r.Context())
		logger.Warn().Err(err).Msg("Failed to read bot update")
		reqmeta.WriteJSON(w, http.StatusOK, okResponse{OK: true})
		return
	}

	var update Update
	if err := json.Unmarshal(payload, &update); err != nil {
		logger := logging.FromContext(r.Context())
		logger.Warn().Err(err).Msg("Ignoring unparseable bot update")
		reqmeta.WriteJSON(w, http.StatusOK, okResponse{OK: true})
		return
	}
	if update.Message == nil || strings.TrimSpace(update.Message.Text) == "" || update.Message.Chat.ID == 0 {
		eventType = "ignored"
		reqmeta.WriteJSON(w, http.StatusOK, okResponse{OK: true})
		return
	}
	eventType = "message"

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
	logger := logging.FromContext(ctx).With().Str("chat_id", chatID).Logger()
	result, err := h.machine.Handle(ctx, chatID, update.Message.Text)
	if err != nil {
		logger.Error().Err(err).
			Str("command", result.Command).
			Msg("Bot command failed")
		result.Result = "error"
		result.Text = replyInternalError
	}
	bometrics.BotCommandsTotal.WithLabelValues(commandLabel(result.Command), result.Result).Inc()

	if h.messenger != nil && result.Text != "" {
		if err := h.messenger.SendMessage(ctx, chatID, result.Text); err != nil {
			logger.Warn().Err(err).Msg("Failed to send bot reply")
		}
	}
	reqmeta.WriteJSON(w, http.StatusOK, okResponse{OK: true})
}

// commandLabel keeps the metric label set bounded.
func commandLabel(cmd string) string {
	switch cmd {
	case CommandStart, CommandStatus, CommandDisconnect, CommandNotifications, CommandHelp:
		return strings.TrimPrefix(cmd, "/")
	}
	return "other"
}
