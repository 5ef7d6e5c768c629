package backoffice

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/postforge/internal/backoffice/accounts"
	"github.com/rcourtman/postforge/internal/backoffice/admin"
	"github.com/rcourtman/postforge/internal/backoffice/billing"
	"github.com/rcourtman/postforge/internal/backoffice/botlink"
	"github.com/rcourtman/postforge/internal/backoffice/identity"
	"github.com/rcourtman/postforge/internal/backoffice/linktoken"
	"github.com/rcourtman/postforge/internal/backoffice/rategate"
	"github.com/rcourtman/postforge/internal/backoffice/reqmeta"
	"github.com/rcourtman/postforge/internal/backoffice/tools"
	"github.com/rs/zerolog/log"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config    *Config
	Accounts  *accounts.Store
	Gate      *rategate.Gate
	Codec     *linktoken.Codec
	Keys      Keys
	Prices    *billing.PriceTable
	Messenger botlink.Messenger // nil if no bot token is configured
	Notifier  billing.Notifier
	Generator tools.Generator // nil disables the tool endpoints
	ClientIP  *reqmeta.IPResolver
	Lockout   *AdminLockout
	Version   string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) error {
	cfg := deps.Config
	lockout := deps.Lockout
	if lockout == nil {
		lockout = NewAdminLockout(defaultAdminFailureLimit, defaultAdminFailureWindow, deps.ClientIP)
	}
	adminAuth := func(next http.Handler) http.Handler {
		return lockout.Middleware(admin.AdminKeyMiddleware(cfg.AdminKey, next))
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Accounts, deps.Gate))

	mux.Handle("/status", adminAuth(admin.HandleStatus(deps.Accounts, deps.Version)))

	metricsHandler := promhttp.Handler()
	if cfg.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Webhooks are authenticated per delivery and are never rate limited.

	// Identity webhook (Svix-signed)
	identityHandler, err := identity.NewWebhookHandler(cfg.IdentityWebhookSecret, identity.NewSyncer(deps.Accounts), deps.Accounts, cfg.HandlerTimeout)
	if err != nil {
		return fmt.Errorf("identity webhook: %w", err)
	}
	if cfg.IdentityWebhookSecret == "" {
		log.Warn().Msg("CLERK_WEBHOOK_SECRET not set; identity webhook disabled")
	}
	mux.Handle("POST /webhooks/identity", identityHandler)

	// Billing webhook (Stripe-signed)
	billingSyncer := billing.NewSyncer(deps.Accounts, deps.Prices, deps.Notifier)
	billingHandler := billing.NewWebhookHandler(cfg.BillingWebhookSecret, billingSyncer, deps.Accounts, cfg.HandlerTimeout)
	if cfg.BillingWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set; billing webhook disabled")
	}
	mux.Handle("POST /webhooks/billing", billingHandler)

	// Bot webhook (secret-token header)
	machine := botlink.NewMachine(deps.Accounts, deps.Codec)
	botHandler := botlink.NewWebhookHandler(cfg.BotWebhookSecret, machine, deps.Messenger, cfg.HandlerTimeout)
	mux.Handle("POST /webhooks/bot", botHandler)

	// Admin API (key-authenticated)
	mux.Handle("/admin/link-token", adminAuth(admin.HandleLinkToken(deps.Accounts, deps.Codec, cfg.BotUsername)))

	// Anonymous tools (Rate Gate)
	if deps.Generator != nil {
		tools.NewHandler(deps.Gate, deps.Generator, deps.ClientIP, deps.Keys.ClientSalt, cfg.ToolsEnabled).Register(mux)
	} else {
		log.Warn().Msg("TOOLS_UPSTREAM_URL not set; tool endpoints disabled")
	}
	return nil
}
