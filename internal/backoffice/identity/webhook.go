package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/postforge/internal/backoffice/accounts"
	"github.com/rcourtman/postforge/internal/backoffice/bometrics"
	"github.com/rcourtman/postforge/internal/backoffice/reqmeta"
	"github.com/rcourtman/postforge/internal/logging"
	svix "github.com/svix/svix-webhooks/go"
)

const (
	// Provider is the delivery ledger key for identity webhooks.
	Provider = "identity"

	webhookBodyLimit      = 1024 * 1024 // 1 MiB
	defaultHandlerTimeout = 5 * time.Second
)

var signatureHeaders = []string{"svix-id", "svix-timestamp", "svix-signature"}

// Ledger records terminal webhook outcomes so redeliveries are acknowledged
// without being re-applied.
type Ledger interface {
	DeliveryOutcomeFor(ctx context.Context, provider, eventID string) (accounts.DeliveryOutcome, error)
	RecordDelivery(ctx context.Context, provider, eventID, eventType string, outcome accounts.DeliveryOutcome) error
}

// WebhookHandler verifies and applies identity-provider webhooks.
type WebhookHandler struct {
	verifier *svix.Webhook
	syncer   *Syncer
	ledger   Ledger
	timeout  time.Duration
}

// NewWebhookHandler creates the identity webhook handler. An empty secret
// leaves the endpoint unconfigured: every delivery is answered with 500.
func NewWebhookHandler(secret string, syncer *Syncer, ledger Ledger, timeout time.Duration) (*WebhookHandler, error) {
	h := &WebhookHandler{syncer: syncer, ledger: ledger, timeout: timeout}
	if h.timeout <= 0 {
		h.timeout = defaultHandlerTimeout
	}
	if secret = strings.TrimSpace(secret); secret != "" {
		wh, err := svix.NewWebhook(secret)
		if err != nil {
			return nil, fmt.Errorf("parse identity webhook secret: %w", err)
		}
		h.verifier = wh
	}
	return h, nil
}

// ServeHTTP verifies the delivery signature and applies the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		bometrics.WebhookRequestsTotal.WithLabelValues(Provider, eventType, strconv.Itoa(status)).Inc()
		bometrics.WebhookDuration.WithLabelValues(Provider).Observe(time.Since(start).Seconds())
	}()

	fail := func(code int, msg string) {
		status = code
		reqmeta.WriteError(w, code, msg)
	}

	if h.verifier == nil {
		fail(http.StatusInternalServerError, "webhook secret not configured")
		return
	}
	for _, name := range signatureHeaders {
		if strings.TrimSpace(r.Header.Get(name)) == "" {
			fail(http.StatusBadRequest, "missing signature headers")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		fail(http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := h.verifier.Verify(payload, r.Header); err != nil {
		fail(http.StatusBadRequest, "invalid signature")
		return
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		fail(http.StatusBadRequest, "invalid payload")
		return
	}
	eventType = ev.Type
	eventID := strings.TrimSpace(r.Header.Get("svix-id"))
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	logger := logging.FromContext(ctx).With().Str("event_id", eventID).Str("type", ev.Type).Logger()

	if prior, err := h.ledger.DeliveryOutcomeFor(ctx, Provider, eventID); err != nil {
		logger.Warn().Err(err).Msg("Delivery ledger lookup failed; processing anyway")
	} else if prior != "" {
		logger.Info().Str("outcome", string(prior)).Msg("Duplicate identity delivery acknowledged")
		reqmeta.WriteJSON(w, http.StatusOK, reqmeta.ReceivedResponse{Received: true})
		return
	}

	outcome, err := h.syncer.Apply(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			logger.Warn().Err(err).Msg("Identity event rejected")
			bometrics.WebhookOutcomes.WithLabelValues(Provider, string(accounts.OutcomeRejected)).Inc()
			fail(http.StatusBadRequest, "invalid event")
			return
		}
		logger.Error().Err(err).Msg("Identity webhook processing failed")
		fail(http.StatusInternalServerError, "processing failed")
		return
	}
	bometrics.WebhookOutcomes.WithLabelValues(Provider, string(outcome)).Inc()

	if err := h.ledger.RecordDelivery(ctx, Provider, eventID, ev.Type, outcome); err != nil {
		logger.Warn().Err(err).Msg("Failed to record identity delivery")
	}
	reqmeta.WriteJSON(w, http.StatusOK, reqmeta.ReceivedResponse{Received: true})
}
