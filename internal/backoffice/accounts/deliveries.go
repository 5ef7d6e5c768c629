package accounts

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// RecordDelivery stores the terminal outcome of a webhook delivery. Only the
// first outcome for a (provider, eventID) pair is kept.
func (s *Store) RecordDelivery(ctx context.Context, provider, eventID, eventType string, outcome DeliveryOutcome) error {
	provider = strings.TrimSpace(provider)
	eventID = strings.TrimSpace(eventID)
	if provider == "" || eventID == "" {
		return nil
	}
	now := time.Now().UTC()
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate delivery id: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO webhook_events (id, provider, event_id, event_type, outcome, received_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), provider, eventID, eventType, string(outcome), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record webhook delivery: %w", err)
	}
	return nil
}

// DeliveryOutcomeFor returns the recorded outcome for an event, or "" when
// the event has not completed before.
func (s *Store) DeliveryOutcomeFor(ctx context.Context, provider, eventID string) (DeliveryOutcome, error) {
	if strings.TrimSpace(eventID) == "" {
		return "", nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT outcome FROM webhook_events WHERE provider = ? AND event_id = ?`, provider, eventID)
	if err != nil {
		return "", fmt.Errorf("lookup webhook delivery: %w", err)
	}
	defer rows.Close()

	var outcome string
	if rows.Next() {
		if err := rows.Scan(&outcome); err != nil {
			return "", fmt.Errorf("scan webhook delivery: %w", err)
		}
	}
	return DeliveryOutcome(outcome), rows.Err()
}
