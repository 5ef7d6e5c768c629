package billing

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
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	// Provider is the delivery ledger key for billing webhooks.
	Provider = "billing"

	webhookBodyLimit      = 1024 * 1024 // 1 MiB
	defaultHandlerTimeout = 5 * time.Second
)

// Ledger records terminal webhook outcomes so redeliveries are acknowledged
// without being re-applied.
type Ledger interface {
	DeliveryOutcomeFor(ctx context.Context, provider, eventID string) (accounts.DeliveryOutcome, error)
	RecordDelivery(ctx context.Context, provider, eventID, eventType string, outcome accounts.DeliveryOutcome) error
}

// WebhookHandler handles incoming billing webhook events.
type WebhookHandler struct {
	secret  string
	syncer  *Syncer
	ledger  Ledger
	timeout time.Duration
}

// NewWebhookHandler creates a billing webhook HTTP handler.
func NewWebhookHandler(secret string, syncer *Syncer, ledger Ledger, timeout time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	return &WebhookHandler{
		secret:  strings.TrimSpace(secret),
		syncer:  syncer,
		ledger:  ledger,
		timeout: timeout,
	}
}

// ServeHTTP verifies the signature and dispatches the event.
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

	if h.secret == "" {
		fail(http.StatusNotImplemented, "webhook secret not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		fail(http.StatusBadRequest, "failed to read request body")
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		fail(http.StatusBadRequest, "missing signature")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		fail(http.StatusBadRequest, "invalid signature")
		return
	}
	eventType = string(event.Type)
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	logger := logging.FromContext(ctx).With().Str("event_id", event.ID).Str("type", eventType).Logger()

	if prior, err := h.ledger.DeliveryOutcomeFor(ctx, Provider, event.ID); err != nil {
		logger.Warn().Err(err).Msg("Delivery ledger lookup failed; processing anyway")
	} else if prior != "" {
		logger.Info().Str("outcome", string(prior)).Msg("Duplicate billing delivery acknowledged")
		reqmeta.WriteJSON(w, http.StatusOK, reqmeta.ReceivedResponse{Received: true})
		return
	}

	outcome, err := h.handleEvent(ctx, &event)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			logger.Warn().Err(err).Msg("Billing event rejected")
			bometrics.WebhookOutcomes.WithLabelValues(Provider, string(accounts.OutcomeRejected)).Inc()
			fail(http.StatusBadRequest, "invalid event")
			return
		}
		logger.Error().Err(err).Msg("Billing webhook processing failed")
		fail(http.StatusInternalServerError, "processing failed")
		return
	}
	bometrics.WebhookOutcomes.WithLabelValues(Provider, string(outcome)).Inc()

	if err := h.ledger.RecordDelivery(ctx, Provider, event.ID, eventType, outcome); err != nil {
		logger.Warn().Err(err).Msg("Failed to record billing delivery")
	}
	reqmeta.WriteJSON(w, http.StatusOK, reqmeta.ReceivedResponse{Received: true})
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripelib.Event) (accounts.DeliveryOutcome, error) {
	eventAt := time.Unix(event.Created, 0).UTC()
	if event.Created <= 0 {
		eventAt = time.Now().UTC()
	}

	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := decodeObject(event, &session); err != nil {
			return "", err
		}
		return h.syncer.HandleCheckout(ctx, session, eventAt)

	case "customer.subscription.updated":
		var sub Subscription
		if err := decodeObject(event, &sub); err != nil {
			return "", err
		}
		return h.syncer.HandleSubscriptionUpdated(ctx, sub, eventAt)

	case "customer.subscription.deleted":
		var sub Subscription
		if err := decodeObject(event, &sub); err != nil {
			return "", err
		}
		return h.syncer.HandleSubscriptionDeleted(ctx, sub, eventAt)

	case "invoice.payment_failed":
		var inv Invoice
		if err := decodeObject(event, &inv); err != nil {
			return "", err
		}
		return h.syncer.HandlePaymentFailed(ctx, inv)

	default:
		logger := logging.FromContext(ctx)
		logger.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Billing webhook ignored (unhandled type)")
		return accounts.OutcomeIgnored, nil
	}
}

func decodeObject(event *stripelib.Event, dst any) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("%w: %s has no data object", ErrValidation, event.Type)
	}
	if err := json.Unmarshal(event.Data.Raw, dst); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrValidation, event.Type, err)
	}
	return nil
}
