// Package identity folds identity-provider user lifecycle events into the
// Account Store.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rcourtman/postforge/internal/backoffice/accounts"
	"github.com/rcourtman/postforge/internal/logging"
)

// ErrValidation marks events that can never be applied. Retrying them does
// not help.
var ErrValidation = errors.New("identity event validation failed")

const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
)

// Store is the subset of the Account Store used by identity sync.
type Store interface {
	UpsertByIdentity(ctx context.Context, id string, fields accounts.IdentityFields) error
	MarkDeleted(ctx context.Context, id string, at time.Time) error
}

// Event is a user lifecycle event as delivered by the identity provider.
type Event struct {
	Type string   `json:"type"`
	Data UserData `json:"data"`
	// Timestamp is the provider's event time in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// UserData is the user object carried by an Event.
type UserData struct {
	ID             string         `json:"id" validate:"required"`
	EmailAddresses []EmailAddress `json:"email_addresses"`
	FirstName      *string        `json:"first_name"`
	LastName       *string        `json:"last_name"`
	ImageURL       *string        `json:"image_url"`
}

// EmailAddress is one entry of UserData.EmailAddresses.
type EmailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

// Known reports whether the event type is handled.
func (e Event) Known() bool {
	switch e.Type {
	case EventUserCreated, EventUserUpdated, EventUserDeleted:
		return true
	}
	return false
}

// Syncer applies identity events to the Account Store.
type Syncer struct {
	store    Store
	validate *validator.Validate
	now      func() time.Time
}

// NewSyncer creates a Syncer.
func NewSyncer(store Store) *Syncer {
	return &Syncer{
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// Apply maps one event to at most one store mutation. Unknown event types are
// acknowledged without mutation.
func (s *Syncer) Apply(ctx context.Context, ev Event) (accounts.DeliveryOutcome, error) {
	logger := logging.FromContext(ctx)
	if !ev.Known() {
		logger.Info().Str("type", ev.Type).Msg("Identity event ignored (unhandled type)")
		return accounts.OutcomeIgnored, nil
	}
	if err := s.validate.Struct(ev.Data); err != nil {
		return accounts.OutcomeRejected, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	id := strings.TrimSpace(ev.Data.ID)
	if id == "" {
		return accounts.OutcomeRejected, fmt.Errorf("%w: blank user id", ErrValidation)
	}
	switch ev.Type {
	case EventUserDeleted:
		if err := s.store.MarkDeleted(ctx, id, s.eventTime(ev)); err != nil {
			return "", fmt.Errorf("mark account deleted: %w", err)
		}
		logger.Info().Str("external_identity_id", id).Msg("Account marked deleted")
		return accounts.OutcomeApplied, nil

	default:
		fields, err := profileFields(ev)
		if err != nil {
			return accounts.OutcomeRejected, err
		}
		if err := s.store.UpsertByIdentity(ctx, id, fields); err != nil {
			return "", fmt.Errorf("upsert account: %w", err)
		}
		logger.Info().
			Str("external_identity_id", id).
			Str("type", ev.Type).
			Msg("Account profile synced")
		return accounts.OutcomeApplied, nil
	}
}

// profileFields derives the profile mutation. The first listed email is
// authoritative; it is required on created and optional on updated.
func profileFields(ev Event) (accounts.IdentityFields, error) {
	var fields accounts.IdentityFields

	if email := firstEmail(ev.Data.EmailAddresses); email != "" {
		fields.Email = &email
	} else if ev.Type == EventUserCreated {
		return fields, fmt.Errorf("%w: user %q created without an email address", ErrValidation, ev.Data.ID)
	}

	if name := DisplayName(ev.Data.FirstName, ev.Data.LastName); name != "" {
		fields.DisplayName = &name
	}
	if ev.Data.ImageURL != nil {
		if avatar := strings.TrimSpace(*ev.Data.ImageURL); avatar != "" {
			fields.AvatarURL = &avatar
		}
	}
	return fields, nil
}

func firstEmail(addrs []EmailAddress) string {
	if len(addrs) == 0 {
		return ""
	}
	return strings.TrimSpace(addrs[0].EmailAddress)
}

// DisplayName joins given and family name.
func DisplayName(first, last *string) string {
	var parts []string
	for _, p := range []*string{first, last} {
		if p == nil {
			continue
		}
		if v := strings.TrimSpace(*p); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

func (s *Syncer) eventTime(ev Event) time.Time {
	if ev.Timestamp > 0 {
		return time.UnixMilli(ev.Timestamp).UTC()
	}
	return s.now().UTC()
}
