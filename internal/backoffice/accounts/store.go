package accounts

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

	"github.com/rcourtman/postforge/internal/logging"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound                = errors.New("account not found")
	ErrBillingCustomerConflict = errors.New("billing customer id already bound to a different value")
)

const accountColumns = `
	external_identity_id, email, display_name, avatar_url,
	billing_customer_id, plan, plan_event_at,
	bot_chat_id, bot_linked, bot_notifications,
	created_at, updated_at, deleted_at`

// Store is the Account Store backed by SQLite. Each mutator owns a narrow set
// of columns so concurrent handlers never overwrite each other's fields.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the account database in dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create account store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "accounts.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open account db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close account db after schema init failure: %w", closeErr))
		}
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		external_identity_id TEXT PRIMARY KEY,
		email                TEXT NOT NULL DEFAULT '',
		display_name         TEXT,
		avatar_url           TEXT,
		billing_customer_id  TEXT,
		plan                 TEXT NOT NULL DEFAULT 'FREE',
		plan_event_at        INTEGER NOT NULL DEFAULT 0,
		bot_chat_id          TEXT,
		bot_linked           INTEGER NOT NULL DEFAULT 0,
		bot_notifications    INTEGER NOT NULL DEFAULT 1,
		created_at           INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL,
		deleted_at           INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_billing_customer_id
		ON accounts(billing_customer_id) WHERE billing_customer_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_accounts_email ON accounts(lower(email));
	CREATE INDEX IF NOT EXISTS idx_accounts_bot_chat_id ON accounts(bot_chat_id);

	CREATE TABLE IF NOT EXISTS webhook_events (
		id          TEXT PRIMARY KEY,
		provider    TEXT NOT NULL,
		event_id    TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		UNIQUE(provider, event_id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init account schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertByIdentity creates the account if absent, else overwrites only the
// non-nil fields. Calling it twice with the same arguments is a no-op the
// second time apart from updated_at.
func (s *Store) UpsertByIdentity(ctx context.Context, id string, fields IdentityFields) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("external identity id is required")
	}
	now := time.Now().UTC().Unix()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (external_identity_id, email, display_name, avatar_url, created_at, updated_at)
		VALUES (:id, COALESCE(:email, ''), :display_name, :avatar_url, :now, :now)
		ON CONFLICT(external_identity_id) DO UPDATE SET
			email        = COALESCE(:email, email),
			display_name = COALESCE(:display_name, display_name),
			avatar_url   = COALESCE(:avatar_url, avatar_url),
			updated_at   = :now`,
		sql.Named("id", id),
		sql.Named("email", fields.Email),
		sql.Named("display_name", fields.DisplayName),
		sql.Named("avatar_url", fields.AvatarURL),
		sql.Named("now", now),
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// MarkDeleted soft-deletes the account. Unknown ids are a no-op.
func (s *Store) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET deleted_at = COALESCE(deleted_at, ?), updated_at = ?
		WHERE external_identity_id = ?`,
		at.UTC().Unix(), time.Now().UTC().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("mark account deleted: %w", err)
	}
	return nil
}

// FindByIdentity returns the account for an external identity, or nil.
func (s *Store) FindByIdentity(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+accountColumns+`
		FROM accounts WHERE external_identity_id = ?`, id)
	return scanAccount(row)
}

// FindByBillingCustomerID returns the account bound to a billing customer, or nil.
func (s *Store) FindByBillingCustomerID(ctx context.Context, customerID string) (*Account, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT`+accountColumns+`
		FROM accounts WHERE billing_customer_id = ?`, customerID)
	return scanAccount(row)
}

// FindByEmail returns the oldest live account with the given email (case
// insensitive), or nil. Email is not unique; duplicates are logged.
func (s *Store) FindByEmail(ctx context.Context, email string) (*Account, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT`+accountColumns+`
		FROM accounts
		WHERE lower(email) = lower(?) AND deleted_at IS NULL
		ORDER BY created_at ASC, external_identity_id ASC
		LIMIT 2`, email)
	if err != nil {
		return nil, fmt.Errorf("find account by email: %w", err)
	}
	defer rows.Close()

	found, err := scanAccounts(rows)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	if len(found) > 1 {
		logger := logging.FromContext(ctx)
		logger.Warn().
			Str("first", found[0].ExternalIdentityID).
			Str("second", found[1].ExternalIdentityID).
			Msg("Multiple accounts share an email; using the oldest")
	}
	return found[0], nil
}

// FindByBotChatID returns the account currently linked to a bot chat, or nil.
func (s *Store) FindByBotChatID(ctx context.Context, chatID string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+accountColumns+`
		FROM accounts WHERE bot_chat_id = ? AND bot_linked = 1
		ORDER BY updated_at DESC LIMIT 1`, chatID)
	return scanAccount(row)
}

// SetPlan sets the plan unless a newer event already set it. applied is false
// when eventAt is older than the stored plan timestamp.
func (s *Store) SetPlan(ctx context.Context, id string, plan Plan, eventAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin set plan tx: %w", err)
	}
	defer rollback(tx)

	applied, err := setPlanTx(ctx, tx, id, plan, eventAt)
	if err != nil || !applied {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit set plan tx: %w", err)
	}
	return true, nil
}

// SetBillingCustomerID binds a billing customer to the account. It succeeds
// when the column is unset or already holds the same value.
func (s *Store) SetBillingCustomerID(ctx context.Context, id, customerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set billing customer tx: %w", err)
	}
	defer rollback(tx)

	if err := setBillingCustomerTx(ctx, tx, id, customerID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set billing customer tx: %w", err)
	}
	return nil
}

// ApplyCheckout binds the billing customer and sets the plan in one
// transaction: both are applied or neither is.
func (s *Store) ApplyCheckout(ctx context.Context, id, customerID string, plan Plan, eventAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin checkout tx: %w", err)
	}
	defer rollback(tx)

	if err := setBillingCustomerTx(ctx, tx, id, customerID); err != nil {
		return false, err
	}
	applied, err := setPlanTx(ctx, tx, id, plan, eventAt)
	if err != nil || !applied {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit checkout tx: %w", err)
	}
	return true, nil
}

// SetBotLink links (chatID non-nil, linked=true) or unlinks the bot chat.
// Linking a chat detaches it from any other account first.
func (s *Store) SetBotLink(ctx context.Context, id string, chatID *string, linked bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bot link tx: %w", err)
	}
	defer rollback(tx)

	now := time.Now().UTC().Unix()
	if linked && chatID != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET bot_chat_id = NULL, bot_linked = 0, updated_at = ?
			WHERE bot_chat_id = ? AND external_identity_id != ?`,
			now, *chatID, id,
		); err != nil {
			return fmt.Errorf("detach bot chat: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET bot_chat_id = ?, bot_linked = ?, updated_at = ?
		WHERE external_identity_id = ?`,
		chatID, boolToInt(linked), now, id,
	)
	if err != nil {
		return fmt.Errorf("set bot link: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("set bot link %q: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bot link tx: %w", err)
	}
	return nil
}

// SetBotNotifications toggles bot notifications for the account.
func (s *Store) SetBotNotifications(ctx context.Context, id string, on bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET bot_notifications = ?, updated_at = ?
		WHERE external_identity_id = ?`,
		boolToInt(on), time.Now().UTC().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("set bot notifications: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("set bot notifications %q: %w", id, ErrNotFound)
	}
	return nil
}

// CountByPlan returns the number of live accounts per plan.
func (s *Store) CountByPlan(ctx context.Context) (map[Plan]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plan, COUNT(*) FROM accounts WHERE deleted_at IS NULL GROUP BY plan`)
	if err != nil {
		return nil, fmt.Errorf("count accounts by plan: %w", err)
	}
	defer rows.Close()

	counts := make(map[Plan]int)
	for rows.Next() {
		var plan string
		var count int
		if err := rows.Scan(&plan, &count); err != nil {
			return nil, fmt.Errorf("scan plan count: %w", err)
		}
		counts[Plan(plan)] = count
	}
	return counts, rows.Err()
}

func setPlanTx(ctx context.Context, tx *sql.Tx, id string, plan Plan, eventAt time.Time) (bool, error) {
	if _, ok := ParsePlan(string(plan)); !ok {
		return false, fmt.Errorf("unknown plan %q", plan)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET plan = ?, plan_event_at = ?, updated_at = ?
		WHERE external_identity_id = ? AND plan_event_at <= ?`,
		string(plan), eventAt.UTC().Unix(), time.Now().UTC().Unix(), id, eventAt.UTC().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("set plan: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return true, nil
	}
	exists, err := existsTx(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("set plan %q: %w", id, ErrNotFound)
	}
	return false, nil
}

func setBillingCustomerTx(ctx context.Context, tx *sql.Tx, id, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return fmt.Errorf("billing customer id is required")
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET billing_customer_id = ?, updated_at = ?
		WHERE external_identity_id = ? AND (billing_customer_id IS NULL OR billing_customer_id = ?)`,
		customerID, time.Now().UTC().Unix(), id, customerID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("customer %q owned by another account: %w", customerID, ErrBillingCustomerConflict)
		}
		return fmt.Errorf("set billing customer id: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	exists, err := existsTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("set billing customer id %q: %w", id, ErrNotFound)
	}
	return fmt.Errorf("account %q: %w", id, ErrBillingCustomerConflict)
}

func existsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE external_identity_id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check account exists: %w", err)
	}
	return n > 0, nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Warn().Err(err).Msg("Failed to rollback account store transaction")
	}
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*Account, error) {
	var a Account
	var plan string
	var displayName, avatarURL, customerID, chatID sql.NullString
	var planEventAt, createdAt, updatedAt int64
	var deletedAt sql.NullInt64
	var linked, notifications int

	err := s.Scan(
		&a.ExternalIdentityID, &a.Email, &displayName, &avatarURL,
		&customerID, &plan, &planEventAt,
		&chatID, &linked, &notifications,
		&createdAt, &updatedAt, &deletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}

	a.DisplayName = nullableString(displayName)
	a.AvatarURL = nullableString(avatarURL)
	a.BillingCustomerID = nullableString(customerID)
	a.BotChatID = nullableString(chatID)
	a.Plan = Plan(plan)
	if planEventAt > 0 {
		a.PlanEventAt = time.Unix(planEventAt, 0).UTC()
	}
	a.BotLinked = linked != 0
	a.BotNotifications = notifications != 0
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if deletedAt.Valid {
		ts := time.Unix(deletedAt.Int64, 0).UTC()
		a.DeletedAt = &ts
	}
	return &a, nil
}

func scanAccounts(rows *sql.Rows) ([]*Account, error) {
	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
