package identity

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rcourtman/postforge/internal/backoffice/accounts"
	"github.com/rcourtman/postforge/internal/logging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	svix "github.com/svix/svix-webhooks/go"
)

var testSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("identity-webhook-test-secret"))

func newTestStore(t *testing.T) *accounts.Store {
	t.Helper()
	store, err := accounts.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestHandler(t *testing.T, store *accounts.Store) *WebhookHandler {
	t.Helper()
	h, err := NewWebhookHandler(testSecret, NewSyncer(store), store, time.Second)
	require.NoError(t, err)
	return h
}

func signedRequest(t *testing.T, msgID, payload string) *http.Request {
	t.Helper()
	wh, err := svix.NewWebhook(testSecret)
	require.NoError(t, err)

	now := time.Now()
	sig, err := wh.Sign(msgID, now, []byte(payload))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/identity", bytes.NewReader([]byte(payload)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("svix-id", msgID)
	req.Header.Set("svix-timestamp", strconv.FormatInt(now.Unix(), 10))
	req.Header.Set("svix-signature", sig)
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const createdEvent = `{"type":"user.created","data":{"id":"user_1","email_addresses":[{"email_address":"ada@example.com"},{"email_address":"alt@example.com"}],"first_name":"Ada","last_name":"Lovelace","image_url":"https://img.example.com/ada.png"}}`

func TestIdentityWebhookCreatesAccount(t *testing.T) {
	store := newTestStore(t)
	h := newTestHandler(t, store)

	rec := serve(h, signedRequest(t, "msg_1", createdEvent))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body["received"])

	acct, err := store.FindByIdentity(context.Background(), "user_1")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, "ada@example.com", acct.Email)
	require.NotNil(t, acct.DisplayName)
	assert.Equal(t, "Ada Lovelace", *acct.DisplayName)
	require.NotNil(t, acct.AvatarURL)
	assert.Equal(t, accounts.PlanFree, acct.Plan)
}

func TestIdentityWebhookIdempotent(t *testing.T) {
	store := newTestStore(t)
	h := newTestHandler(t, store)
	ctx := context.Background()

	require.Equal(t, http.StatusOK, serve(h, signedRequest(t, "msg_1", createdEvent)).Code)
	first, err := store.FindByIdentity(ctx, "user_1")
	require.NoError(t, err)

	// Same event under a new delivery id bypasses the ledger and re-applies.
	require.Equal(t, http.StatusOK, serve(h, signedRequest(t, "msg_2", createdEvent)).Code)
	second, err := store.FindByIdentity(ctx, "user_1")
	require.NoError(t, err)

	assert.Equal(t, first.Email, second.Email)
	assert.Equal(t, first.DisplayName, second.DisplayName)
	assert.Equal(t, first.AvatarURL, second.AvatarURL)
	assert.Equal(t, first.Plan, second.Plan)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestIdentityWebhookUpdateWithoutEmailKeepsEmail(t *testing.T) {
	store := newTestStore(t)
	h := newTestHandler(t, store)

	require.Equal(t, http.StatusOK, serve(h, signedRequest(t, "msg_1", createdEvent)).Code)

	update := `{"type":"user.updated","data":{"id":"user_1","email_addresses":[],"first_name":"Augusta"}}`
	require.Equal(t, http.StatusOK, serve(h, signedRequest(t, "msg_2", update)).Code)

	acct, err := store.FindByIdentity(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", acct.Email)
	assert.Equal(t, "Augusta", *acct.DisplayName)
}

func TestIdentityWebhookCreatedWithoutEmailRejected(t *testing.T) {
	store := newTestStore(t)
	h := newTestHandler(t, store)

	payload := `{"type":"user.created","data":{"id":"user_2","email_addresses":[]}}`
	rec := serve(h, signedRequest(t, "msg_1", payload))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	acct, err := store.FindByIdentity(context.Background(), "user_2")
	require.NoError(t, err)
	assert.Nil(t, acct)
}

func TestIdentityWebhookDeleted(t *testing.T) {
	store := newTestStore(t)
	h := newTestHandler(t, store)

	require.Equal(t, http.StatusOK, serve(h, signedRequest(t, "msg_1", createdEvent)).Code)
	deleted := `{"type":"user.deleted","data":{"id":"user_1","deleted":true},"timestamp":1767225600000}`
	require.Equal(t, http.StatusOK, serve(h, signedRequest(t, "msg_2", deleted)).Code)

	acct, err := store.FindByIdentity(context.Background(), "user_1")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.True(t, acct.Deleted())

	// Deleting an unknown user is a no-op, not an error.
	unknown := `{"type":"user.deleted","data":{"id":"user_missing"}}`
	assert.Equal(t, http.StatusOK, serve(h, signedRequest(t, "msg_3", unknown)).Code)
}

func TestIdentityWebhookUnknownTypeAcknowledged(t *testing.T) {
	store := newTestStore(t)
	h := newTestHandler(t, store)

	rec := serve(h, signedRequest(t, "msg_1", `{"type":"session.created","data":{"id":"sess_1"}}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
}

func TestIdentityWebhookLogsCarryRequestID(t *testing.T) {
	store := newTestStore(t)
	h := newTestHandler(t, store)

	var buf bytes.Buffer
	ctx := logging.WithLogger(context.Background(), zerolog.New(&buf))
	ctx, _ = logging.WithRequestID(ctx, "req-identity-1")
	req := signedRequest(t, "msg_log_1", `{"type":"session.created","data":{"id":"sess_1"}}`).WithContext(ctx)

	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.SplitN(buf.Bytes(), []byte("\n"), 2)[0], &line))
	assert.Equal(t, "req-identity-1", line["request_id"])
	assert.Equal(t, "session.created", line["type"])
}

func TestIdentityWebhookRejections(t *testing.T) {
	store := newTestStore(t)
	h := newTestHandler(t, store)

	t.Run("missing headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/identity", bytes.NewReader([]byte(createdEvent)))
		assert.Equal(t, http.StatusBadRequest, serve(h, req).Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		req := signedRequest(t, "msg_1", createdEvent)
		req.Header.Set("svix-signature", "v1,"+base64.StdEncoding.EncodeToString([]byte("forged")))
		assert.Equal(t, http.StatusBadRequest, serve(h, req).Code)
	})

	t.Run("unparseable body", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, serve(h, signedRequest(t, "msg_2", `{not json`)).Code)
	})

	t.Run("missing user id", func(t *testing.T) {
		payload := `{"type":"user.updated","data":{"email_addresses":[{"email_address":"x@example.com"}]}}`
		assert.Equal(t, http.StatusBadRequest, serve(h, signedRequest(t, "msg_3", payload)).Code)
	})

	t.Run("unconfigured secret", func(t *testing.T) {
		unconfigured, err := NewWebhookHandler("", NewSyncer(store), store, time.Second)
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, serve(unconfigured, signedRequest(t, "msg_4", createdEvent)).Code)
	})
}

func TestIdentityWebhookStoreFailureIsRetryable(t *testing.T) {
	store := newTestStore(t)
	h := newTestHandler(t, store)
	require.NoError(t, store.Close())

	rec := serve(h, signedRequest(t, "msg_1", createdEvent))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDisplayName(t *testing.T) {
	s := func(v string) *string { return &v }
	tests := []struct {
		first, last *string
		want        string
	}{
		{s("Ada"), s("Lovelace"), "Ada Lovelace"},
		{s("Ada"), nil, "Ada"},
		{nil, s(" Lovelace "), "Lovelace"},
		{s(" "), s(""), ""},
		{nil, nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DisplayName(tt.first, tt.last))
	}
}

func TestNewWebhookHandlerRejectsMalformedSecret(t *testing.T) {
	_, err := NewWebhookHandler("whsec_***not-base64***", nil, nil, 0)
	assert.Error(t, err)
}
