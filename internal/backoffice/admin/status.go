package admin

import (
	"context"
	"net/http"

	"github.com/rcourtman/postforge/internal/backoffice/accounts"
	"github.com/rcourtman/postforge/internal/backoffice/bometrics"
	"github.com/rcourtman/postforge/internal/backoffice/reqmeta"
)

// PlanCounter reports account counts per plan.
type PlanCounter interface {
	CountByPlan(ctx context.Context) (map[accounts.Plan]int, error)
}

type statusResponse struct {
	Version       string                `json:"version"`
	TotalAccounts int                   `json:"total_accounts"`
	ByPlan        map[accounts.Plan]int `json:"by_plan"`
}

// HandleStatus returns a handler that reports aggregate account status.
func HandleStatus(counter PlanCounter, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := counter.CountByPlan(r.Context())
		if err != nil {
			reqmeta.WriteError(w, http.StatusInternalServerError, "internal error")
			return
		}

		// Opportunistically sync gauges on status calls (in addition to the background updater).
		total := 0
		for plan, c := range counts {
			bometrics.AccountsByPlan.WithLabelValues(string(plan)).Set(float64(c))
			total += c
		}

		reqmeta.WriteJSON(w, http.StatusOK, statusResponse{
			Version:       version,
			TotalAccounts: total,
			ByPlan:        counts,
		})
	}
}
