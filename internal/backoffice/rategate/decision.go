package rategate

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Decision is the result of a gate check. A denied decision is a domain
// result, not an error: callers present Message to the end user.
type Decision struct {
	Allowed         bool      `json:"allowed"`
	Limit           int       `json:"limit"`
	Remaining       int       `json:"remaining"`
	ResetETAMinutes int       `json:"reset_eta_minutes,omitempty"`
	ResetAt         time.Time `json:"reset_at,omitzero"`
}

// Message renders a human-readable wait for a denied decision.
func (d Decision) Message() string {
	if d.Allowed {
		return fmt.Sprintf("%d of %d requests remaining", d.Remaining, d.Limit)
	}
	return "Usage limit reached. Try again in " + formatWait(d.ResetETAMinutes) + "."
}

func formatWait(minutes int) string {
	if minutes < 1 {
		minutes = 1
	}
	hours, mins := minutes/60, minutes%60

	var parts []string
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if mins > 0 {
		parts = append(parts, plural(mins, "minute"))
	}
	return strings.Join(parts, " ")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// etaMinutes rounds the remaining window up to whole minutes, at least one.
func etaMinutes(d time.Duration) int {
	m := int(math.Ceil(d.Minutes()))
	if m < 1 {
		return 1
	}
	return m
}
