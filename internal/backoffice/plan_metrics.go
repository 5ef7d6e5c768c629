package backoffice

import (
	"context"
	"time"

	"github.com/rcourtman/postforge/internal/backoffice/accounts"
	"github.com/rcourtman/postforge/internal/backoffice/bometrics"
	"github.com/rs/zerolog/log"
)

const planMetricsInterval = 30 * time.Second

type planCounter interface {
	CountByPlan(ctx context.Context) (map[accounts.Plan]int, error)
}

func runPlanMetrics(ctx context.Context, store planCounter, interval time.Duration) {
	if interval <= 0 {
		interval = planMetricsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updatePlanGauges(ctx, store)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updatePlanGauges(ctx, store)
		}
	}
}

func updatePlanGauges(ctx context.Context, store planCounter) {
	counts, err := store.CountByPlan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Failed to update plan metrics")
		}
		return
	}

	known := []accounts.Plan{accounts.PlanFree, accounts.PlanPro, accounts.PlanBusiness}
	seen := make(map[accounts.Plan]struct{}, len(known))

	// Stable label set for known plans.
	for _, plan := range known {
		seen[plan] = struct{}{}
		bometrics.AccountsByPlan.WithLabelValues(string(plan)).Set(float64(counts[plan]))
	}

	for plan, c := range counts {
		if _, ok := seen[plan]; ok {
			continue
		}
		bometrics.AccountsByPlan.WithLabelValues(string(plan)).Set(float64(c))
	}
}
