// Package backoffice assembles the back office HTTP server: webhook intake,
// bot linking, gated tools and admin endpoints over the account store and
// the Rate Gate.
package backoffice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rcourtman/postforge/internal/backoffice/accounts"
	"github.com/rcourtman/postforge/internal/backoffice/billing"
	"github.com/rcourtman/postforge/internal/backoffice/botlink"
	"github.com/rcourtman/postforge/internal/backoffice/email"
	"github.com/rcourtman/postforge/internal/backoffice/linktoken"
	"github.com/rcourtman/postforge/internal/backoffice/notify"
	"github.com/rcourtman/postforge/internal/backoffice/rategate"
	"github.com/rcourtman/postforge/internal/backoffice/tools"
	"github.com/rcourtman/postforge/internal/logging"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	janitorInterval      = time.Hour
	lockoutSweepInterval = 5 * time.Minute
	shutdownTimeout      = 30 * time.Second
)

// App is a fully wired back office.
type App struct {
	cfg      *Config
	deps     *Deps
	handler  http.Handler
	watcher  *billing.PriceWatcher
	closeFns []func() error
}

// NewApp opens the stores and wires every component. Callers must Close it.
func NewApp(cfg *Config, version string) (*App, error) {
	app := &App{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = app.Close()
		}
	}()

	keys, err := DeriveKeys(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("derive keys: %w", err)
	}

	store, err := accounts.NewStore(cfg.AccountsDir())
	if err != nil {
		return nil, fmt.Errorf("open account store: %w", err)
	}
	app.closeFns = append(app.closeFns, store.Close)

	gate, err := rategate.NewGate(cfg.RateGateDir(), cfg.RateGateConfig())
	if err != nil {
		return nil, fmt.Errorf("open rate gate: %w", err)
	}
	app.closeFns = append(app.closeFns, gate.Close)

	codec, err := linktoken.NewCodec(keys.LinkToken)
	if err != nil {
		return nil, fmt.Errorf("init link token codec: %w", err)
	}

	prices, err := billing.PriceTableFromLists(cfg.ProPriceIDs, cfg.BusinessPriceIDs)
	if err != nil {
		return nil, fmt.Errorf("load price ids: %w", err)
	}
	if cfg.PriceTableFile != "" {
		app.watcher = billing.NewPriceWatcher(cfg.PriceTableFile, prices)
		if err := app.watcher.Reload(); err != nil {
			return nil, fmt.Errorf("load price table: %w", err)
		}
	}

	var messenger botlink.Messenger
	if cfg.BotToken != "" {
		messenger = botlink.NewTelegramClient(cfg.BotToken, cfg.TelegramAPIURL)
		log.Info().Str("bot", cfg.BotUsername).Msg("Bot messenger configured")
	} else {
		log.Info().Msg("Bot messenger: disabled (set TELEGRAM_BOT_TOKEN to enable)")
	}

	var mailer email.Sender
	if cfg.PostmarkToken != "" {
		mailer = email.NewPostmarkSender(cfg.PostmarkToken)
		log.Info().Msg("Email sender configured (Postmark)")
	} else {
		mailer = email.NewLogSender()
		log.Info().Msg("Email sender: log-only (set POSTMARK_SERVER_TOKEN to enable)")
	}

	var generator tools.Generator
	if cfg.ToolsUpstreamURL != "" {
		generator = tools.NewHTTPGenerator(cfg.ToolsUpstreamURL, 0, tools.BreakerConfig{})
	}

	ips, err := cfg.ClientIPResolver()
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	app.deps = &Deps{
		Config:    cfg,
		Accounts:  store,
		Gate:      gate,
		Codec:     codec,
		Keys:      keys,
		Prices:    prices,
		Messenger: messenger,
		Notifier:  notify.New(messenger, mailer, cfg.EmailFrom),
		Generator: generator,
		ClientIP:  ips,
		Lockout:   NewAdminLockout(defaultAdminFailureLimit, defaultAdminFailureWindow, ips),
		Version:   version,
	}

	mux := http.NewServeMux()
	if err := RegisterRoutes(mux, app.deps); err != nil {
		return nil, err
	}
	app.handler = logging.RequestMiddleware(mux)

	ok = true
	return app, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Close releases the stores.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		if err := a.closeFns[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeFns = nil
	return errors.Join(errs...)
}

// Serve runs the HTTP server and the background workers until ctx is
// cancelled or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.BindAddress, a.cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Back office listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		runPlanMetrics(gctx, a.deps.Accounts, planMetricsInterval)
		return nil
	})

	g.Go(func() error {
		return a.deps.Gate.RunJanitor(gctx, janitorInterval, rategate.DefaultIdleRetention)
	})

	g.Go(func() error {
		ticker := time.NewTicker(lockoutSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				a.deps.Lockout.Sweep()
			}
		}
	})

	if a.watcher != nil {
		g.Go(func() error {
			return a.watcher.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	return g.Wait()
}

// Run loads configuration and serves until SIGINT/SIGTERM or ctx is cancelled.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "backoffice",
	})
	log.Info().Str("version", version).Msg("Starting Postforge back office")

	app, err := NewApp(cfg, version)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Serve(ctx); err != nil {
		return err
	}
	log.Info().Msg("Back office stopped")
	return nil
}
