// Package billing folds billing-provider subscription events into account
// plans.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/postforge/internal/backoffice/accounts"
	"github.com/rcourtman/postforge/internal/logging"
)

// ErrValidation marks events whose payload cannot be decoded or lacks a
// required field.
var ErrValidation = errors.New("billing event validation failed")

const (
	metadataPriceID    = "price_id"
	metadataIdentityID = "external_identity_id"
)

// Store is the subset of the Account Store used by billing sync.
type Store interface {
	FindByIdentity(ctx context.Context, id string) (*accounts.Account, error)
	FindByEmail(ctx context.Context, email string) (*accounts.Account, error)
	FindByBillingCustomerID(ctx context.Context, customerID string) (*accounts.Account, error)
	SetPlan(ctx context.Context, id string, plan accounts.Plan, eventAt time.Time) (bool, error)
	ApplyCheckout(ctx context.Context, id, customerID string, plan accounts.Plan, eventAt time.Time) (bool, error)
}

// Notifier receives payment failures. Delivery is best effort.
type Notifier interface {
	PaymentFailed(ctx context.Context, acct *accounts.Account, inv Invoice) error
}

// CheckoutSession is a minimal representation of a checkout.session object.
type CheckoutSession struct {
	ID              string `json:"id"`
	Mode            string `json:"mode"`
	Customer        string `json:"customer"`
	Subscription    string `json:"subscription"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// Email returns the customer email supplied at checkout.
func (s *CheckoutSession) Email() string {
	if email := strings.TrimSpace(s.CustomerEmail); email != "" {
		return email
	}
	return strings.TrimSpace(s.CustomerDetails.Email)
}

// Subscription is a minimal representation of a subscription object.
type Subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *Subscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// Invoice is a minimal representation of an invoice object.
type Invoice struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	CustomerEmail    string `json:"customer_email"`
	AmountDue        int64  `json:"amount_due"`
	Currency         string `json:"currency"`
	AttemptCount     int    `json:"attempt_count"`
	HostedInvoiceURL string `json:"hosted_invoice_url"`
}

// Syncer resolves plans and correlation keys for billing events.
type Syncer struct {
	store    Store
	prices   *PriceTable
	notifier Notifier
}

// NewSyncer creates a Syncer. notifier may be nil.
func NewSyncer(store Store, prices *PriceTable, notifier Notifier) *Syncer {
	return &Syncer{store: store, prices: prices, notifier: notifier}
}

// ResolvePlan maps a price identifier to a plan; unknown ids are FREE.
func (s *Syncer) ResolvePlan(priceID string) accounts.Plan {
	return s.prices.Resolve(priceID)
}

// HandleCheckout binds the billing customer and sets the plan for a completed
// subscription checkout. The explicit identity in metadata wins over the
// checkout email.
func (s *Syncer) HandleCheckout(ctx context.Context, session CheckoutSession, eventAt time.Time) (accounts.DeliveryOutcome, error) {
	logger := logging.FromContext(ctx).With().Str("session_id", session.ID).Str("customer_id", session.Customer).Logger()

	if session.Mode != "subscription" {
		logger.Info().Str("mode", session.Mode).Msg("Checkout ignored (not a subscription)")
		return accounts.OutcomeIgnored, nil
	}
	customerID := strings.TrimSpace(session.Customer)
	if customerID == "" {
		return accounts.OutcomeRejected, fmt.Errorf("%w: checkout %q has no customer", ErrValidation, session.ID)
	}

	acct, err := s.resolveCheckoutAccount(ctx, session)
	if err != nil {
		return "", err
	}
	if acct == nil {
		logger.Warn().
			Str("external_identity_id", session.Metadata[metadataIdentityID]).
			Str("email", session.Email()).
			Msg("Checkout lookup miss; no account to upgrade")
		return accounts.OutcomeLookupMiss, nil
	}

	plan := s.ResolvePlan(session.Metadata[metadataPriceID])
	applied, err := s.store.ApplyCheckout(ctx, acct.ExternalIdentityID, customerID, plan, eventAt)
	switch {
	case errors.Is(err, accounts.ErrBillingCustomerConflict):
		logger.Error().Err(err).
			Str("external_identity_id", acct.ExternalIdentityID).
			Msg("Checkout conflicts with an existing billing customer binding; manual follow-up required")
		return accounts.OutcomeRejected, nil
	case errors.Is(err, accounts.ErrNotFound):
		logger.Warn().Str("external_identity_id", acct.ExternalIdentityID).Msg("Checkout account vanished before apply")
		return accounts.OutcomeLookupMiss, nil
	case err != nil:
		return "", fmt.Errorf("apply checkout: %w", err)
	}
	if !applied {
		logger.Info().Str("external_identity_id", acct.ExternalIdentityID).Msg("Stale checkout ignored")
		return accounts.OutcomeStale, nil
	}

	logger.Info().
		Str("external_identity_id", acct.ExternalIdentityID).
		Str("plan", string(plan)).
		Msg("Checkout applied")
	return accounts.OutcomeApplied, nil
}

func (s *Syncer) resolveCheckoutAccount(ctx context.Context, session CheckoutSession) (*accounts.Account, error) {
	if id := strings.TrimSpace(session.Metadata[metadataIdentityID]); id != "" {
		acct, err := s.store.FindByIdentity(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lookup account by identity: %w", err)
		}
		if acct.Deleted() {
			return nil, nil
		}
		return acct, nil
	}
	acct, err := s.store.FindByEmail(ctx, session.Email())
	if err != nil {
		return nil, fmt.Errorf("lookup account by email: %w", err)
	}
	return acct, nil
}

// HandleSubscriptionUpdated sets the plan from the subscription's current
// price. Subscriptions that no longer grant access resolve to FREE.
func (s *Syncer) HandleSubscriptionUpdated(ctx context.Context, sub Subscription, eventAt time.Time) (accounts.DeliveryOutcome, error) {
	plan := accounts.PlanFree
	if grantsAccess(sub.Status) {
		plan = s.ResolvePlan(sub.FirstPriceID())
	}
	return s.setPlanByCustomer(ctx, sub, plan, eventAt)
}

// HandleSubscriptionDeleted forces FREE.
func (s *Syncer) HandleSubscriptionDeleted(ctx context.Context, sub Subscription, eventAt time.Time) (accounts.DeliveryOutcome, error) {
	return s.setPlanByCustomer(ctx, sub, accounts.PlanFree, eventAt)
}

func (s *Syncer) setPlanByCustomer(ctx context.Context, sub Subscription, plan accounts.Plan, eventAt time.Time) (accounts.DeliveryOutcome, error) {
	logger := logging.FromContext(ctx).With().Str("subscription_id", sub.ID).Str("customer_id", sub.Customer).Logger()

	acct, err := s.store.FindByBillingCustomerID(ctx, strings.TrimSpace(sub.Customer))
	if err != nil {
		return "", fmt.Errorf("lookup account by customer: %w", err)
	}
	if acct == nil {
		logger.Warn().Msg("Subscription lookup miss; no account bound to customer")
		return accounts.OutcomeLookupMiss, nil
	}

	applied, err := s.store.SetPlan(ctx, acct.ExternalIdentityID, plan, eventAt)
	if errors.Is(err, accounts.ErrNotFound) {
		return accounts.OutcomeLookupMiss, nil
	}
	if err != nil {
		return "", fmt.Errorf("set plan: %w", err)
	}
	if !applied {
		logger.Info().
			Str("external_identity_id", acct.ExternalIdentityID).
			Time("event_at", eventAt).
			Time("plan_event_at", acct.PlanEventAt).
			Msg("Stale subscription event ignored")
		return accounts.OutcomeStale, nil
	}

	logger.Info().
		Str("external_identity_id", acct.ExternalIdentityID).
		Str("plan", string(plan)).
		Msg("Plan updated")
	return accounts.OutcomeApplied, nil
}

// HandlePaymentFailed never mutates the account; it only notifies.
func (s *Syncer) HandlePaymentFailed(ctx context.Context, inv Invoice) (accounts.DeliveryOutcome, error) {
	logger := logging.FromContext(ctx).With().Str("invoice_id", inv.ID).Str("customer_id", inv.Customer).Logger()

	acct, err := s.store.FindByBillingCustomerID(ctx, strings.TrimSpace(inv.Customer))
	if err != nil {
		return "", fmt.Errorf("lookup account by customer: %w", err)
	}
	if acct == nil {
		logger.Warn().Msg("Payment failure lookup miss")
		return accounts.OutcomeLookupMiss, nil
	}

	logger.Warn().
		Str("external_identity_id", acct.ExternalIdentityID).
		Int("attempt", inv.AttemptCount).
		Msg("Invoice payment failed")

	if s.notifier != nil {
		if err := s.notifier.PaymentFailed(ctx, acct, inv); err != nil {
			logger.Warn().Err(err).Msg("Payment failure notification failed")
		}
	}
	return accounts.OutcomeApplied, nil
}

// grantsAccess reports whether a subscription status keeps paid access.
func grantsAccess(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing", "past_due":
		return true
	}
	return false
}
