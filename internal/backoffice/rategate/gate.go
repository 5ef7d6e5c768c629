// Package rategate implements the per-(client, resource) usage gate that
// protects the anonymous, cost-incurring tool endpoints.
//
// Counters live in SQLite. A record is created on the first request in a
// window, reset once the window has elapsed and reused across windows.
package rategate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	DefaultLimit  = 5
	DefaultWindow = 24 * time.Hour

	// DefaultIdleRetention is how long an untouched record is kept before the
	// janitor prunes it. Pruning is equivalent to the window expiring.
	DefaultIdleRetention = 7 * 24 * time.Hour
)

// Config controls quota sizes. Limits overrides Limit per resource key.
type Config struct {
	Limit  int
	Window time.Duration
	Limits map[string]int
}

// Gate is the Rate Gate.
type Gate struct {
	db     *sql.DB
	limit  int
	window time.Duration
	limits map[string]int
	now    func() time.Time
}

// NewGate opens (or creates) the rate limit database in dir.
func NewGate(dir string, cfg Config) (*Gate, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rate gate dir: %w", err)
	}

	dbPath := filepath.Join(dir, "ratelimit.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open rate gate db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	g := &Gate{
		db:     db,
		limit:  cfg.Limit,
		window: cfg.Window,
		limits: make(map[string]int, len(cfg.Limits)),
		now:    time.Now,
	}
	if g.limit <= 0 {
		g.limit = DefaultLimit
	}
	if g.window <= 0 {
		g.window = DefaultWindow
	}
	for key, n := range cfg.Limits {
		if n > 0 {
			g.limits[strings.ToLower(strings.TrimSpace(key))] = n
		}
	}

	if err := g.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close rate gate db after schema init failure: %w", closeErr))
		}
		return nil, err
	}
	return g, nil
}

func (g *Gate) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rate_limits (
		client_hash   TEXT NOT NULL,
		resource_key  TEXT NOT NULL,
		window_start  INTEGER NOT NULL,
		count         INTEGER NOT NULL,
		last_used_at  INTEGER NOT NULL,
		last_admitted INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (client_hash, resource_key)
	);
	CREATE INDEX IF NOT EXISTS idx_rate_limits_last_used ON rate_limits(last_used_at);
	`
	if _, err := g.db.Exec(schema); err != nil {
		return fmt.Errorf("init rate gate schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (g *Gate) Ping(ctx context.Context) error {
	return g.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (g *Gate) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}

// Window returns the reset window.
func (g *Gate) Window() time.Duration {
	return g.window
}

// LimitFor returns the per-window quota for a resource key.
func (g *Gate) LimitFor(resourceKey string) int {
	if n, ok := g.limits[strings.ToLower(strings.TrimSpace(resourceKey))]; ok {
		return n
	}
	return g.limit
}

// Check reports whether a request would be admitted. It never mutates state.
func (g *Gate) Check(ctx context.Context, clientHash, resourceKey string) (Decision, error) {
	if err := validateKey(clientHash, resourceKey); err != nil {
		return Decision{}, err
	}
	limit := g.LimitFor(resourceKey)
	now := g.now().UTC()

	var windowStart int64
	var count int
	err := g.db.QueryRowContext(ctx, `
		SELECT window_start, count FROM rate_limits
		WHERE client_hash = ? AND resource_key = ?`,
		clientHash, resourceKey,
	).Scan(&windowStart, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return fresh(limit), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("check rate limit: %w", err)
	}

	if g.expired(now, windowStart) {
		return fresh(limit), nil
	}
	if count < limit {
		return Decision{Allowed: true, Limit: limit, Remaining: limit - count}, nil
	}
	return g.denied(limit, now, windowStart), nil
}

// Record counts one request: it creates the record, resets an expired window
// to a count of one, or increments the current window.
func (g *Gate) Record(ctx context.Context, clientHash, resourceKey string) error {
	if err := validateKey(clientHash, resourceKey); err != nil {
		return err
	}
	now := g.now().UTC().UnixMilli()

	_, err := g.db.ExecContext(ctx, `
		INSERT INTO rate_limits (client_hash, resource_key, window_start, count, last_used_at, last_admitted)
		VALUES (:client, :resource, :now, 1, :now, 1)
		ON CONFLICT(client_hash, resource_key) DO UPDATE SET
			window_start = CASE WHEN :now - window_start > :window THEN :now ELSE window_start END,
			count        = CASE WHEN :now - window_start > :window THEN 1 ELSE count + 1 END,
			last_used_at = :now`,
		sql.Named("client", clientHash),
		sql.Named("resource", resourceKey),
		sql.Named("now", now),
		sql.Named("window", g.window.Milliseconds()),
	)
	if err != nil {
		return fmt.Errorf("record rate limit: %w", err)
	}
	return nil
}

// Consume atomically checks and records one request. The window reset, the
// bounded increment and the admission decision happen in one statement, so
// concurrent callers are never admitted more than the limit per window.
func (g *Gate) Consume(ctx context.Context, clientHash, resourceKey string) (Decision, error) {
	if err := validateKey(clientHash, resourceKey); err != nil {
		return Decision{}, err
	}
	limit := g.LimitFor(resourceKey)
	now := g.now().UTC()

	// SET expressions are evaluated against the row as it was before the
	// update, so every CASE sees the old window_start and count.
	var windowStart int64
	var count int
	var admitted bool
	err := g.db.QueryRowContext(ctx, `
		INSERT INTO rate_limits (client_hash, resource_key, window_start, count, last_used_at, last_admitted)
		VALUES (:client, :resource, :now, 1, :now, 1)
		ON CONFLICT(client_hash, resource_key) DO UPDATE SET
			window_start  = CASE WHEN :now - window_start > :window THEN :now ELSE window_start END,
			count         = CASE
			                  WHEN :now - window_start > :window THEN 1
			                  WHEN count < :limit THEN count + 1
			                  ELSE count
			                END,
			last_admitted = CASE WHEN :now - window_start > :window OR count < :limit THEN 1 ELSE 0 END,
			last_used_at  = :now
		RETURNING window_start, count, last_admitted`,
		sql.Named("client", clientHash),
		sql.Named("resource", resourceKey),
		sql.Named("now", now.UnixMilli()),
		sql.Named("window", g.window.Milliseconds()),
		sql.Named("limit", limit),
	).Scan(&windowStart, &count, &admitted)
	if err != nil {
		return Decision{}, fmt.Errorf("consume rate limit: %w", err)
	}

	if !admitted {
		return g.denied(limit, now, windowStart), nil
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Limit: limit, Remaining: remaining}, nil
}

// Prune deletes records untouched for longer than idleFor.
func (g *Gate) Prune(ctx context.Context, idleFor time.Duration) (int64, error) {
	if idleFor < g.window {
		idleFor = g.window
	}
	cutoff := g.now().UTC().Add(-idleFor).UnixMilli()
	res, err := g.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE last_used_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune rate limits: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RunJanitor prunes idle records every interval until ctx is cancelled.
func (g *Gate) RunJanitor(ctx context.Context, interval, idleFor time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := g.Prune(ctx, idleFor)
			if err != nil {
				log.Warn().Err(err).Msg("Rate gate prune failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("pruned", n).Msg("Pruned idle rate limit records")
			}
		}
	}
}

func (g *Gate) expired(now time.Time, windowStart int64) bool {
	return now.UnixMilli()-windowStart > g.window.Milliseconds()
}

func (g *Gate) denied(limit int, now time.Time, windowStart int64) Decision {
	resetAt := time.UnixMilli(windowStart).Add(g.window).UTC()
	return Decision{
		Allowed:         false,
		Limit:           limit,
		Remaining:       0,
		ResetAt:         resetAt,
		ResetETAMinutes: etaMinutes(resetAt.Sub(now)),
	}
}

func fresh(limit int) Decision {
	return Decision{Allowed: true, Limit: limit, Remaining: limit}
}

func validateKey(clientHash, resourceKey string) error {
	if strings.TrimSpace(clientHash) == "" {
		return fmt.Errorf("client hash is required")
	}
	if strings.TrimSpace(resourceKey) == "" {
		return fmt.Errorf("resource key is required")
	}
	return nil
}
