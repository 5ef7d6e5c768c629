package backoffice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rcourtman/postforge/internal/backoffice/accounts"
	"github.com/rcourtman/postforge/internal/backoffice/bometrics"
)

type staticCounter struct {
	counts map[accounts.Plan]int
	err    error
}

func (s staticCounter) CountByPlan(context.Context) (map[accounts.Plan]int, error) {
	return s.counts, s.err
}

func planGauge(plan accounts.Plan) float64 {
	return testutil.ToFloat64(bometrics.AccountsByPlan.WithLabelValues(string(plan)))
}

func TestUpdatePlanGauges_KnownAndUnexpectedPlans(t *testing.T) {
	// Seed a stale value to verify known labels are overwritten.
	bometrics.AccountsByPlan.WithLabelValues(string(accounts.PlanBusiness)).Set(99)

	updatePlanGauges(context.Background(), staticCounter{counts: map[accounts.Plan]int{
		accounts.PlanFree: 4,
		accounts.PlanPro:  2,
		"LEGACY":          1,
	}})

	want := map[accounts.Plan]float64{
		accounts.PlanFree:     4,
		accounts.PlanPro:      2,
		accounts.PlanBusiness: 0,
		"LEGACY":              1,
	}
	for plan, w := range want {
		if got := planGauge(plan); got != w {
			t.Fatalf("plan %q gauge = %v, want %v", plan, got, w)
		}
	}
}

func TestUpdatePlanGauges_ErrorDoesNotMutateGauges(t *testing.T) {
	bometrics.AccountsByPlan.WithLabelValues(string(accounts.PlanPro)).Set(7)

	updatePlanGauges(context.Background(), staticCounter{err: errors.New("database is locked")})

	if got := planGauge(accounts.PlanPro); got != 7 {
		t.Fatalf("PRO gauge = %v, want 7", got)
	}
}

func TestRunPlanMetricsPrimesAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runPlanMetrics(ctx, staticCounter{counts: map[accounts.Plan]int{accounts.PlanFree: 11}}, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for planGauge(accounts.PlanFree) != 11 {
		if time.Now().After(deadline) {
			t.Fatal("gauge was not primed at startup")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runPlanMetrics did not stop on cancel")
	}
}
