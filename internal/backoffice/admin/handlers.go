package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rcourtman/postforge/internal/backoffice/accounts"
	"github.com/rcourtman/postforge/internal/backoffice/reqmeta"
	"github.com/rs/zerolog/log"
)

// Pinger is anything readiness depends on.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AccountLookup resolves accounts for link-token issuance.
type AccountLookup interface {
	FindByIdentity(ctx context.Context, id string) (*accounts.Account, error)
}

// TokenIssuer mints bot link tokens.
type TokenIssuer interface {
	Issue(identityID string) (string, time.Time, error)
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that pings every dependency (readiness probe).
func HandleReadyz(deps ...Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "text/plain")
		for _, dep := range deps {
			if dep == nil {
				continue
			}
			if err := dep.Ping(ctx); err != nil {
				log.Warn().Err(err).Msg("Readiness check failed")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("not ready"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if adminKey == "" || key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			reqmeta.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

type linkTokenRequest struct {
	ExternalIdentityID string `json:"external_identity_id"`
}

// LinkTokenResponse is returned by the link-token endpoint.
type LinkTokenResponse struct {
	Token     string    `json:"token"`
	DeepLink  string    `json:"deep_link,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleLinkToken returns an admin-only handler that mints a bot link token
// for an existing account. The caller is responsible for wrapping this with
// AdminKeyMiddleware.
func HandleLinkToken(store AccountLookup, issuer TokenIssuer, botUsername string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, 16*1024)
		var req linkTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			reqmeta.WriteError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		id := strings.TrimSpace(req.ExternalIdentityID)
		if id == "" {
			reqmeta.WriteError(w, http.StatusBadRequest, "external_identity_id is required")
			return
		}

		acct, err := store.FindByIdentity(r.Context(), id)
		if err != nil {
			log.Error().Err(err).Str("external_identity_id", id).Msg("Account lookup failed")
			reqmeta.WriteError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if acct == nil || acct.Deleted() {
			reqmeta.WriteError(w, http.StatusNotFound, "account not found")
			return
		}

		token, expiresAt, err := issuer.Issue(id)
		if err != nil {
			log.Error().Err(err).Str("external_identity_id", id).Msg("Failed to issue link token")
			reqmeta.WriteError(w, http.StatusInternalServerError, "failed to issue link token")
			return
		}

		log.Info().
			Str("external_identity_id", id).
			Time("expires_at", expiresAt).
			Msg("Admin issued bot link token")

		reqmeta.WriteJSON(w, http.StatusOK, LinkTokenResponse{
			Token:     token,
			DeepLink:  DeepLink(botUsername, token),
			ExpiresAt: expiresAt,
		})
	}
}

// DeepLink builds the Telegram start link for a token. Empty without a bot
// username.
func DeepLink(botUsername, token string) string {
	botUsername = strings.TrimPrefix(strings.TrimSpace(botUsername), "@")
	if botUsername == "" {
		return ""
	}
	return "https://t.me/" + url.PathEscape(botUsername) + "?start=" + url.QueryEscape(token)
}
