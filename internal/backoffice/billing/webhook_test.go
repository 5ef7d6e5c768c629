package billing

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/postforge/internal/backoffice/accounts"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) PaymentFailed(_ context.Context, acct *accounts.Account, inv Invoice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, acct.ExternalIdentityID+"/"+inv.ID)
	return nil
}

type fixture struct {
	store    *accounts.Store
	handler  *WebhookHandler
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := accounts.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	prices, err := PriceTableFromLists("price_pro_monthly,price_pro_yearly", "price_business")
	if err != nil {
		t.Fatalf("PriceTableFromLists: %v", err)
	}
	notifier := &recordingNotifier{}
	syncer := NewSyncer(store, prices, notifier)
	return &fixture{
		store:    store,
		handler:  NewWebhookHandler(testSecret, syncer, store, time.Second),
		notifier: notifier,
	}
}

func (f *fixture) createAccount(t *testing.T, id, email string) {
	t.Helper()
	if err := f.store.UpsertByIdentity(context.Background(), id, accounts.IdentityFields{Email: &email}); err != nil {
		t.Fatalf("UpsertByIdentity(%s): %v", id, err)
	}
}

func (f *fixture) account(t *testing.T, id string) *accounts.Account {
	t.Helper()
	acct, err := f.store.FindByIdentity(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByIdentity(%s): %v", id, err)
	}
	if acct == nil {
		t.Fatalf("account %s not found", id)
	}
	return acct
}

func (f *fixture) deliver(t *testing.T, eventID, eventType string, created int64, object string) *httptest.ResponseRecorder {
	t.Helper()
	payload := fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"data":{"object":%s}}`, eventID, eventType, created, object)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, signedWebhookRequest(t, testSecret, payload))
	return rec
}

func signedWebhookRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func checkoutObject(customer, email, priceID, identityID string) string {
	metadata := fmt.Sprintf(`{"price_id":%q}`, priceID)
	if identityID != "" {
		metadata = fmt.Sprintf(`{"price_id":%q,"external_identity_id":%q}`, priceID, identityID)
	}
	return fmt.Sprintf(`{"id":"cs_1","mode":"subscription","customer":%q,"customer_email":%q,"metadata":%s}`, customer, email, metadata)
}

func subscriptionObject(customer, status, priceID string) string {
	return fmt.Sprintf(`{"id":"sub_1","customer":%q,"status":%q,"items":{"data":[{"price":{"id":%q}}]}}`, customer, status, priceID)
}

func TestCheckoutPrefersIdentityOverEmail(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "user_a", "a@example.com")
	f.createAccount(t, "user_b", "b@example.com")

	rec := f.deliver(t, "evt_1", "checkout.session.completed", 1000,
		checkoutObject("cus_1", "b@example.com", "price_pro_monthly", "user_a"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	a := f.account(t, "user_a")
	if a.Plan != accounts.PlanPro {
		t.Fatalf("user_a plan = %s, want PRO", a.Plan)
	}
	if a.BillingCustomerID == nil || *a.BillingCustomerID != "cus_1" {
		t.Fatalf("user_a customer = %v, want cus_1", a.BillingCustomerID)
	}
	if b := f.account(t, "user_b"); b.Plan != accounts.PlanFree || b.BillingCustomerID != nil {
		t.Fatalf("user_b should be untouched, got plan=%s customer=%v", b.Plan, b.BillingCustomerID)
	}
}

func TestCheckoutFallsBackToEmail(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "user_a", "a@example.com")

	rec := f.deliver(t, "evt_1", "checkout.session.completed", 1000,
		checkoutObject("cus_1", "A@Example.com", "price_business", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if got := f.account(t, "user_a").Plan; got != accounts.PlanBusiness {
		t.Fatalf("plan = %s, want BUSINESS", got)
	}
}

func TestCheckoutUnknownPriceIsFree(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "user_a", "a@example.com")

	f.deliver(t, "evt_1", "checkout.session.completed", 1000,
		checkoutObject("cus_1", "", "price_mystery", "user_a"))

	a := f.account(t, "user_a")
	if a.Plan != accounts.PlanFree {
		t.Fatalf("plan = %s, want FREE", a.Plan)
	}
	if a.BillingCustomerID == nil {
		t.Fatal("customer id should still be bound")
	}
}

func TestCheckoutNonSubscriptionIgnored(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "user_a", "a@example.com")

	object := `{"id":"cs_1","mode":"payment","customer":"cus_1","metadata":{"price_id":"price_pro_monthly","external_identity_id":"user_a"}}`
	if rec := f.deliver(t, "evt_1", "checkout.session.completed", 1000, object); rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if a := f.account(t, "user_a"); a.Plan != accounts.PlanFree || a.BillingCustomerID != nil {
		t.Fatalf("payment-mode checkout must not mutate, got plan=%s", a.Plan)
	}
}

func TestCheckoutCustomerConflictAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "user_a", "a@example.com")
	f.createAccount(t, "user_b", "b@example.com")

	f.deliver(t, "evt_1", "checkout.session.completed", 1000, checkoutObject("cus_1", "", "price_pro_monthly", "user_a"))
	rec := f.deliver(t, "evt_2", "checkout.session.completed", 1001, checkoutObject("cus_1", "", "price_business", "user_b"))
	if rec.Code != http.StatusOK {
		t.Fatalf("conflict status=%d, want 200", rec.Code)
	}

	b := f.account(t, "user_b")
	if b.Plan != accounts.PlanFree || b.BillingCustomerID != nil {
		t.Fatalf("conflicting checkout must apply nothing, got plan=%s customer=%v", b.Plan, b.BillingCustomerID)
	}
}

func TestLookupMissAcknowledged(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		eventType string
		object    string
	}{
		{"checkout.session.completed", checkoutObject("cus_x", "nobody@example.com", "price_pro_monthly", "")},
		{"checkout.session.completed", checkoutObject("cus_x", "", "price_pro_monthly", "user_missing")},
		{"customer.subscription.updated", subscriptionObject("cus_x", "active", "price_pro_monthly")},
		{"customer.subscription.deleted", subscriptionObject("cus_x", "canceled", "price_pro_monthly")},
		{"invoice.payment_failed", `{"id":"in_1","customer":"cus_x"}`},
	}
	for i, tc := range cases {
		rec := f.deliver(t, fmt.Sprintf("evt_miss_%d", i), tc.eventType, 1000, tc.object)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status=%d, want 200", tc.eventType, rec.Code)
		}
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "user_a", "a@example.com")
	f.deliver(t, "evt_1", "checkout.session.completed", 1000, checkoutObject("cus_1", "", "price_pro_monthly", "user_a"))

	f.deliver(t, "evt_2", "customer.subscription.updated", 1100, subscriptionObject("cus_1", "active", "price_business"))
	if got := f.account(t, "user_a").Plan; got != accounts.PlanBusiness {
		t.Fatalf("after upgrade plan = %s, want BUSINESS", got)
	}

	f.deliver(t, "evt_3", "customer.subscription.updated", 1200, subscriptionObject("cus_1", "unpaid", "price_business"))
	if got := f.account(t, "user_a").Plan; got != accounts.PlanFree {
		t.Fatalf("unpaid subscription plan = %s, want FREE", got)
	}

	f.deliver(t, "evt_4", "customer.subscription.updated", 1300, subscriptionObject("cus_1", "past_due", "price_pro_yearly"))
	if got := f.account(t, "user_a").Plan; got != accounts.PlanPro {
		t.Fatalf("past_due plan = %s, want PRO", got)
	}

	f.deliver(t, "evt_5", "customer.subscription.deleted", 1400, subscriptionObject("cus_1", "canceled", "price_pro_yearly"))
	if got := f.account(t, "user_a").Plan; got != accounts.PlanFree {
		t.Fatalf("deleted plan = %s, want FREE", got)
	}
}

// A subscription.updated that occurred before subscription.deleted but is
// delivered after it must not resurrect the paid plan.
func TestStaleUpdateAfterDeleteRejected(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "user_a", "a@example.com")
	f.deliver(t, "evt_1", "checkout.session.completed", 1000, checkoutObject("cus_1", "", "price_pro_monthly", "user_a"))

	f.deliver(t, "evt_del", "customer.subscription.deleted", 2000, subscriptionObject("cus_1", "canceled", "price_pro_monthly"))
	rec := f.deliver(t, "evt_upd", "customer.subscription.updated", 1500, subscriptionObject("cus_1", "active", "price_pro_monthly"))
	if rec.Code != http.StatusOK {
		t.Fatalf("stale update status=%d, want 200", rec.Code)
	}

	a := f.account(t, "user_a")
	if a.Plan != accounts.PlanFree {
		t.Fatalf("plan = %s, want FREE", a.Plan)
	}
	if a.PlanEventAt.Unix() != 2000 {
		t.Fatalf("plan_event_at = %d, want 2000", a.PlanEventAt.Unix())
	}
}

func TestPaymentFailedDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "user_a", "a@example.com")
	f.deliver(t, "evt_1", "checkout.session.completed", 1000, checkoutObject("cus_1", "", "price_pro_monthly", "user_a"))
	before := f.account(t, "user_a")

	rec := f.deliver(t, "evt_2", "invoice.payment_failed", 1100, `{"id":"in_1","customer":"cus_1","attempt_count":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}

	after := f.account(t, "user_a")
	if after.Plan != before.Plan || !after.PlanEventAt.Equal(before.PlanEventAt) {
		t.Fatalf("payment failure mutated plan: %s -> %s", before.Plan, after.Plan)
	}
	if len(f.notifier.calls) != 1 || f.notifier.calls[0] != "user_a/in_1" {
		t.Fatalf("notifier calls = %v", f.notifier.calls)
	}
}

func TestDuplicateDeliveryAcknowledgedWithoutReapply(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "user_a", "a@example.com")

	f.deliver(t, "evt_1", "checkout.session.completed", 1000, checkoutObject("cus_1", "", "price_pro_monthly", "user_a"))
	f.deliver(t, "evt_pf", "invoice.payment_failed", 1100, `{"id":"in_1","customer":"cus_1"}`)
	rec := f.deliver(t, "evt_pf", "invoice.payment_failed", 1100, `{"id":"in_1","customer":"cus_1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate status=%d", rec.Code)
	}
	if len(f.notifier.calls) != 1 {
		t.Fatalf("duplicate delivery re-notified: %v", f.notifier.calls)
	}
}

func TestUnknownEventTypeAcknowledged(t *testing.T) {
	f := newFixture(t)
	rec := f.deliver(t, "evt_1", "customer.created", 1000, `{"id":"cus_1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestWebhookRequestErrors(t *testing.T) {
	f := newFixture(t)

	t.Run("secret not configured", func(t *testing.T) {
		h := NewWebhookHandler("", f.handler.syncer, f.store, time.Second)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedWebhookRequest(t, testSecret, `{}`))
		if rec.Code != http.StatusNotImplemented {
			t.Fatalf("status=%d, want 501", rec.Code)
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader([]byte(`{}`)))
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status=%d, want 400", rec.Code)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, signedWebhookRequest(t, "whsec_other", `{"id":"evt_1","object":"event","type":"customer.created"}`))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status=%d, want 400", rec.Code)
		}
	})

	t.Run("unparseable body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, signedWebhookRequest(t, testSecret, `{not json`))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status=%d, want 400", rec.Code)
		}
	})

	t.Run("malformed data object", func(t *testing.T) {
		rec := f.deliver(t, "evt_bad", "customer.subscription.updated", 1000, `"not an object"`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status=%d, want 400", rec.Code)
		}
	})
}

func TestStoreFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "user_a", "a@example.com")
	if err := f.store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rec := f.deliver(t, "evt_1", "customer.subscription.updated", 1000, subscriptionObject("cus_1", "active", "price_pro_monthly"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
}
