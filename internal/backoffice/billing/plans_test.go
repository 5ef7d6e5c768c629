package billing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rcourtman/postforge/internal/backoffice/accounts"
)

func TestResolvePlan(t *testing.T) {
	table, err := PriceTableFromLists(" price_pro_monthly , price_pro_yearly,", "price_business")
	if err != nil {
		t.Fatalf("PriceTableFromLists: %v", err)
	}
	s := NewSyncer(nil, table, nil)

	tests := []struct {
		priceID string
		want    accounts.Plan
	}{
		{"price_pro_monthly", accounts.PlanPro},
		{"price_pro_yearly", accounts.PlanPro},
		{"price_business", accounts.PlanBusiness},
		{" price_business ", accounts.PlanBusiness},
		{"price_unknown", accounts.PlanFree},
		{"", accounts.PlanFree},
		{"PRICE_PRO_MONTHLY", accounts.PlanFree},
	}
	for _, tt := range tests {
		if got := s.ResolvePlan(tt.priceID); got != tt.want {
			t.Errorf("ResolvePlan(%q) = %s, want %s", tt.priceID, got, tt.want)
		}
	}

	var nilTable *PriceTable
	if got := nilTable.Resolve("price_pro_monthly"); got != accounts.PlanFree {
		t.Fatalf("nil table resolved to %s", got)
	}
}

func TestPriceTableRejectsBadEntries(t *testing.T) {
	if _, err := PriceTableFromLists("price_1", "price_1"); err == nil {
		t.Fatal("expected error for price listed under two plans")
	}
	if _, err := NewPriceTable(map[string]accounts.Plan{"price_1": accounts.PlanFree}); err == nil {
		t.Fatal("expected error for price mapped to FREE")
	}
	if _, err := NewPriceTable(map[string]accounts.Plan{" ": accounts.PlanPro}); err == nil {
		t.Fatal("expected error for blank price id")
	}
}

func writePriceFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write price file: %v", err)
	}
}

func TestPriceWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.yaml")
	writePriceFile(t, path, "prices:\n  price_file_pro: pro\n  price_env: BUSINESS\n")

	table, err := PriceTableFromLists("price_env", "")
	if err != nil {
		t.Fatalf("PriceTableFromLists: %v", err)
	}
	w := NewPriceWatcher(path, table)
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := table.Resolve("price_file_pro"); got != accounts.PlanPro {
		t.Fatalf("file price = %s, want PRO", got)
	}
	if got := table.Resolve("price_env"); got != accounts.PlanBusiness {
		t.Fatalf("file should override env entry, got %s", got)
	}

	writePriceFile(t, path, "prices:\n  price_file_pro: GOLD\n")
	if err := w.Reload(); err == nil {
		t.Fatal("expected error for unknown plan")
	}
	if got := table.Resolve("price_file_pro"); got != accounts.PlanPro {
		t.Fatalf("failed reload must keep previous table, got %s", got)
	}

	writePriceFile(t, path, "prices:\n  price_new: BUSINESS\n")
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := table.Resolve("price_file_pro"); got != accounts.PlanFree {
		t.Fatalf("removed file entry should resolve to FREE, got %s", got)
	}
	if got := table.Resolve("price_env"); got != accounts.PlanPro {
		t.Fatalf("env entry should survive, got %s", got)
	}
}

func TestPriceWatcherRunPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.yaml")
	writePriceFile(t, path, "prices: {}\n")

	table, err := NewPriceTable(nil)
	if err != nil {
		t.Fatalf("NewPriceTable: %v", err)
	}
	w := NewPriceWatcher(path, table)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		writePriceFile(t, path, "prices:\n  price_live: PRO\n")
		if table.Resolve("price_live") == accounts.PlanPro {
			return
		}
		time.Sleep(150 * time.Millisecond)
	}
	t.Fatal("watcher did not reload the price table")
}
