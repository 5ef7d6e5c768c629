package billing

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rcourtman/postforge/internal/backoffice/accounts"
)

// PriceTable maps billing price identifiers to paid plans. Any identifier
// absent from the table resolves to FREE: unknown prices never upgrade.
type PriceTable struct {
	mu     sync.RWMutex
	prices map[string]accounts.Plan
}

// NewPriceTable builds a table from price id -> plan.
func NewPriceTable(prices map[string]accounts.Plan) (*PriceTable, error) {
	t := &PriceTable{}
	if err := t.Replace(prices); err != nil {
		return nil, err
	}
	return t, nil
}

// PriceTableFromLists builds a table from comma-separated price id lists,
// as read from BILLING_PRO_PRICE_IDS and BILLING_BUSINESS_PRICE_IDS.
func PriceTableFromLists(proIDs, businessIDs string) (*PriceTable, error) {
	prices := make(map[string]accounts.Plan)
	for _, id := range splitIDs(proIDs) {
		prices[id] = accounts.PlanPro
	}
	for _, id := range splitIDs(businessIDs) {
		if existing, ok := prices[id]; ok && existing != accounts.PlanBusiness {
			return nil, fmt.Errorf("price %q is listed for both PRO and BUSINESS", id)
		}
		prices[id] = accounts.PlanBusiness
	}
	return NewPriceTable(prices)
}

// Resolve returns the plan for a price identifier.
func (t *PriceTable) Resolve(priceID string) accounts.Plan {
	if t == nil {
		return accounts.PlanFree
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if plan, ok := t.prices[strings.TrimSpace(priceID)]; ok {
		return plan
	}
	return accounts.PlanFree
}

// Replace swaps the whole table. Entries must map to PRO or BUSINESS.
func (t *PriceTable) Replace(prices map[string]accounts.Plan) error {
	next := make(map[string]accounts.Plan, len(prices))
	for id, plan := range prices {
		id = strings.TrimSpace(id)
		if id == "" {
			return fmt.Errorf("price table has an empty price id")
		}
		parsed, ok := accounts.ParsePlan(string(plan))
		if !ok || parsed == accounts.PlanFree {
			return fmt.Errorf("price %q maps to %q; only PRO and BUSINESS are allowed", id, plan)
		}
		next[id] = parsed
	}

	t.mu.Lock()
	t.prices = next
	t.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current entries.
func (t *PriceTable) Snapshot() map[string]accounts.Plan {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]accounts.Plan, len(t.prices))
	for id, plan := range t.prices {
		out[id] = plan
	}
	return out
}

// Len returns the number of priced entries.
func (t *PriceTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.prices)
}

func splitIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
