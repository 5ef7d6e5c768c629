package accounts

import (
	"strings"
	"time"
)

// Plan is the subscription tier of an account.
type Plan string

const (
	PlanFree     Plan = "FREE"
	PlanPro      Plan = "PRO"
	PlanBusiness Plan = "BUSINESS"
)

// ParsePlan normalizes a plan name. Unknown names report ok=false.
func ParsePlan(s string) (Plan, bool) {
	switch Plan(strings.ToUpper(strings.TrimSpace(s))) {
	case PlanFree:
		return PlanFree, true
	case PlanPro:
		return PlanPro, true
	case PlanBusiness:
		return PlanBusiness, true
	default:
		return "", false
	}
}

// Account is the canonical record for one end user, keyed by the identity
// provider's user ID.
type Account struct {
	ExternalIdentityID string     `json:"external_identity_id"`
	Email              string     `json:"email"`
	DisplayName        *string    `json:"display_name,omitempty"`
	AvatarURL          *string    `json:"avatar_url,omitempty"`
	BillingCustomerID  *string    `json:"billing_customer_id,omitempty"`
	Plan               Plan       `json:"plan"`
	PlanEventAt        time.Time  `json:"plan_event_at"`
	BotChatID          *string    `json:"bot_chat_id,omitempty"`
	BotLinked          bool       `json:"bot_linked"`
	BotNotifications   bool       `json:"bot_notifications"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the account has been soft-deleted.
func (a *Account) Deleted() bool {
	return a != nil && a.DeletedAt != nil
}

// IdentityFields carries the profile fields owned by identity sync. A nil
// field leaves the stored value untouched.
type IdentityFields struct {
	Email       *string
	DisplayName *string
	AvatarURL   *string
}

// DeliveryOutcome is the terminal result recorded for a webhook delivery.
type DeliveryOutcome string

const (
	OutcomeApplied    DeliveryOutcome = "applied"
	OutcomeIgnored    DeliveryOutcome = "ignored"
	OutcomeLookupMiss DeliveryOutcome = "lookup_miss"
	OutcomeStale      DeliveryOutcome = "stale"
	OutcomeRejected   DeliveryOutcome = "rejected"
)
