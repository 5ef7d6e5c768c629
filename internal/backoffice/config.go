package backoffice

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rcourtman/postforge/internal/backoffice/rategate"
	"github.com/rcourtman/postforge/internal/backoffice/reqmeta"
	"github.com/rcourtman/postforge/internal/backoffice/tools"
)

const rateLimitEnvPrefix = "RATE_LIMIT_"

// Config holds all configuration for the back office server.
type Config struct {
	DataDir        string
	BindAddress    string
	Port           int
	AdminKey       string
	Secret         string // master secret; link-token key and client-hash salt derive from it
	HandlerTimeout time.Duration
	LogLevel       string
	LogFormat      string
	PublicMetrics  bool
	TrustedProxies []string // peers allowed to set X-Forwarded-For / X-Real-IP

	IdentityWebhookSecret string // Clerk/Svix signing secret (whsec_...)
	BillingWebhookSecret  string // Stripe endpoint secret
	BotToken              string
	BotUsername           string
	BotWebhookSecret      string
	TelegramAPIURL        string

	PostmarkToken string // optional; if empty, emails are logged
	EmailFrom     string

	ToolsUpstreamURL string
	ToolsEnabled     []string
	RateLimit        int
	RateWindow       time.Duration
	RateLimits       map[string]int

	ProPriceIDs      string
	BusinessPriceIDs string
	PriceTableFile   string
}

// AccountsDir returns the directory of the account store.
func (c *Config) AccountsDir() string {
	return filepath.Join(c.DataDir, "accounts")
}

// RateGateDir returns the directory of the rate gate store.
func (c *Config) RateGateDir() string {
	return filepath.Join(c.DataDir, "ratelimit")
}

// RateGateConfig returns the quota configuration for the tool endpoints.
func (c *Config) RateGateConfig() rategate.Config {
	return rategate.Config{Limit: c.RateLimit, Window: c.RateWindow, Limits: c.RateLimits}
}

// ClientIPResolver returns the resolver used to key per-client limits.
func (c *Config) ClientIPResolver() (*reqmeta.IPResolver, error) {
	return reqmeta.NewIPResolver(c.TrustedProxies)
}

// LoadConfig loads configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("PF_PORT", 8080)
	if err != nil {
		return nil, err
	}
	handlerTimeout, err := envOrDefaultDuration("PF_HANDLER_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("RATE_LIMIT_DEFAULT", rategate.DefaultLimit)
	if err != nil {
		return nil, err
	}
	rateWindow, err := envOrDefaultDuration("RATE_LIMIT_WINDOW", rategate.DefaultWindow)
	if err != nil {
		return nil, err
	}
	rateLimits, err := perToolLimits(os.Environ())
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:        envOrDefault("PF_DATA_DIR", "/data"),
		BindAddress:    envOrDefault("PF_BIND_ADDRESS", "0.0.0.0"),
		Port:           port,
		AdminKey:       strings.TrimSpace(os.Getenv("PF_ADMIN_KEY")),
		Secret:         strings.TrimSpace(os.Getenv("PF_SECRET")),
		HandlerTimeout: handlerTimeout,
		LogLevel:       envOrDefault("PF_LOG_LEVEL", "info"),
		LogFormat:      envOrDefault("PF_LOG_FORMAT", "auto"),
		PublicMetrics:  publicMetrics,
		TrustedProxies: splitList(os.Getenv("PF_TRUSTED_PROXIES")),

		IdentityWebhookSecret: strings.TrimSpace(os.Getenv("CLERK_WEBHOOK_SECRET")),
		BillingWebhookSecret:  strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		BotToken:              strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")),
		BotUsername:           strings.TrimPrefix(strings.TrimSpace(os.Getenv("TELEGRAM_BOT_USERNAME")), "@"),
		BotWebhookSecret:      strings.TrimSpace(os.Getenv("TELEGRAM_WEBHOOK_SECRET")),
		TelegramAPIURL:        strings.TrimSpace(os.Getenv("TELEGRAM_API_URL")),

		PostmarkToken: strings.TrimSpace(os.Getenv("POSTMARK_SERVER_TOKEN")),
		EmailFrom:     envOrDefault("PF_EMAIL_FROM", "billing@postforge.app"),

		ToolsUpstreamURL: strings.TrimSpace(os.Getenv("TOOLS_UPSTREAM_URL")),
		ToolsEnabled:     splitList(envOrDefault("TOOLS_ENABLED", strings.Join(tools.DefaultTools, ","))),
		RateLimit:        rateLimit,
		RateWindow:       rateWindow,
		RateLimits:       rateLimits,

		ProPriceIDs:      strings.TrimSpace(os.Getenv("BILLING_PRO_PRICE_IDS")),
		BusinessPriceIDs: strings.TrimSpace(os.Getenv("BILLING_BUSINESS_PRICE_IDS")),
		PriceTableFile:   strings.TrimSpace(os.Getenv("BILLING_PRICE_TABLE_FILE")),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate back office config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "PF_ADMIN_KEY")
	}
	if c.Secret == "" {
		missing = append(missing, "PF_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PF_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if len(c.Secret) < 32 {
		return fmt.Errorf("PF_SECRET must be at least 32 characters")
	}
	if c.HandlerTimeout <= 0 {
		return fmt.Errorf("PF_HANDLER_TIMEOUT must be greater than 0, got %s", c.HandlerTimeout)
	}
	if c.RateLimit < 1 {
		return fmt.Errorf("RATE_LIMIT_DEFAULT must be at least 1, got %d", c.RateLimit)
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be greater than 0, got %s", c.RateWindow)
	}
	if _, err := c.ClientIPResolver(); err != nil {
		return fmt.Errorf("PF_TRUSTED_PROXIES: %w", err)
	}
	if c.BillingWebhookSecret != "" && c.ProPriceIDs == "" && c.BusinessPriceIDs == "" && c.PriceTableFile == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is set but no price ids are configured (BILLING_PRO_PRICE_IDS, BILLING_BUSINESS_PRICE_IDS or BILLING_PRICE_TABLE_FILE)")
	}
	if c.ToolsUpstreamURL != "" {
		u, err := url.Parse(c.ToolsUpstreamURL)
		if err != nil {
			return fmt.Errorf("TOOLS_UPSTREAM_URL must be a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("TOOLS_UPSTREAM_URL must use http or https scheme")
		}
		if u.Host == "" {
			return fmt.Errorf("TOOLS_UPSTREAM_URL must include a host")
		}
	}
	return nil
}

// perToolLimits collects RATE_LIMIT_<TOOL> overrides.
func perToolLimits(environ []string) (map[string]int, error) {
	limits := make(map[string]int)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, rateLimitEnvPrefix) {
			continue
		}
		tool := strings.ToLower(strings.TrimPrefix(key, rateLimitEnvPrefix))
		if tool == "default" || tool == "window" || tool == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		if n < 1 {
			return nil, fmt.Errorf("%s must be at least 1, got %d", key, n)
		}
		limits[tool] = n
	}
	return limits, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}
