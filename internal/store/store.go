// Package store persists entitlement records and the trial ledger in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sagechat/entitlements/internal/entitlement"
)

// Store provides entitlement and trial-ledger persistence backed by SQLite.
// It implements entitlement.SweepStore.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the entitlements database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "entitlements.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlements db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		user_id                TEXT PRIMARY KEY,
		membership_status      TEXT NOT NULL DEFAULT 'demo',
		is_premium             INTEGER NOT NULL DEFAULT 0,
		product_class          TEXT NOT NULL DEFAULT '',
		expires_at             INTEGER,
		auto_renewing          INTEGER NOT NULL DEFAULT 0,
		is_lifetime            INTEGER NOT NULL DEFAULT 0,
		trial_start            INTEGER,
		trial_end              INTEGER,
		has_used_trial         INTEGER NOT NULL DEFAULT 0,
		last_validated_at      INTEGER,
		platform_account_token TEXT NOT NULL DEFAULT '',
		stripe_customer_id     TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		created_at             INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_platform_account_token ON users(platform_account_token);
	CREATE INDEX IF NOT EXISTS idx_users_stripe_customer_id ON users(stripe_customer_id);
	CREATE TABLE IF NOT EXISTS trial_ledger (
		user_id          TEXT PRIMARY KEY,
		email_hash       TEXT NOT NULL DEFAULT '',
		first_trial_date INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trial_ledger_email_hash ON trial_ledger(email_hash);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlements schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const userColumns = `
	user_id, membership_status, is_premium, product_class, expires_at,
	auto_renewing, is_lifetime, trial_start, trial_end, has_used_trial,
	last_validated_at, platform_account_token, stripe_customer_id,
	stripe_subscription_id, created_at, updated_at`

// GetEntitlement returns the user's record, or nil if the user has never
// validated a purchase.
func (s *Store) GetEntitlement(ctx context.Context, userID string) (*entitlement.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
	return scanRecord(row)
}

// FindUserByPlatformAccountToken returns the record linked to an Apple
// appAccountToken, or nil.
func (s *Store) FindUserByPlatformAccountToken(ctx context.Context, token string) (*entitlement.Record, error) {
	if token == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE platform_account_token = ?`, token)
	return scanRecord(row)
}

// FindUserByStripeCustomerID returns the record linked to a Stripe customer,
// or nil.
func (s *Store) FindUserByStripeCustomerID(ctx context.Context, customerID string) (*entitlement.Record, error) {
	if customerID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE stripe_customer_id = ?`, customerID)
	return scanRecord(row)
}

// MergeEntitlement applies the patch to the user's record inside one
// transaction, creating the record if absent, and returns the merged result.
func (s *Store) MergeEntitlement(ctx context.Context, userID string, patch entitlement.Patch) (*entitlement.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin merge tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if rec == nil {
		rec = &entitlement.Record{
			UserID:           userID,
			MembershipStatus: entitlement.StatusDemo,
			CreatedAt:        now,
		}
	}
	applyPatch(rec, patch)
	rec.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			membership_status = excluded.membership_status,
			is_premium = excluded.is_premium,
			product_class = excluded.product_class,
			expires_at = excluded.expires_at,
			auto_renewing = excluded.auto_renewing,
			is_lifetime = excluded.is_lifetime,
			trial_start = excluded.trial_start,
			trial_end = excluded.trial_end,
			has_used_trial = excluded.has_used_trial,
			last_validated_at = excluded.last_validated_at,
			platform_account_token = excluded.platform_account_token,
			stripe_customer_id = excluded.stripe_customer_id,
			stripe_subscription_id = excluded.stripe_subscription_id,
			updated_at = excluded.updated_at`,
		rec.UserID, string(rec.MembershipStatus), boolToInt(rec.IsPremium),
		string(rec.ProductClass), nullableTimeUnix(rec.ExpiresAt),
		boolToInt(rec.AutoRenewing), boolToInt(rec.IsLifetime),
		nullableTimeUnix(rec.TrialStart), nullableTimeUnix(rec.TrialEnd),
		boolToInt(rec.HasUsedTrial), nullableTimeUnix(rec.LastValidatedAt),
		rec.PlatformAccountToken, rec.StripeCustomerID, rec.StripeSubscriptionID,
		rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("merge entitlement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit merge tx: %w", err)
	}
	cp := *rec
	return &cp, nil
}

func applyPatch(rec *entitlement.Record, patch entitlement.Patch) {
	if patch.MembershipStatus != nil {
		rec.MembershipStatus = *patch.MembershipStatus
	}
	if patch.IsPremium != nil {
		rec.IsPremium = *patch.IsPremium
	}
	if patch.ProductClass != nil {
		rec.ProductClass = *patch.ProductClass
	}
	if patch.ExpiresAt.Set {
		rec.ExpiresAt = patch.ExpiresAt.Value
	}
	if patch.AutoRenewing != nil {
		rec.AutoRenewing = *patch.AutoRenewing
	}
	if patch.IsLifetime != nil {
		rec.IsLifetime = *patch.IsLifetime
	}
	if patch.TrialStart.Set {
		rec.TrialStart = patch.TrialStart.Value
	}
	if patch.TrialEnd.Set {
		rec.TrialEnd = patch.TrialEnd.Value
	}
	if patch.HasUsedTrial != nil {
		rec.HasUsedTrial = *patch.HasUsedTrial
	}
	if patch.LastValidatedAt.Set {
		rec.LastValidatedAt = patch.LastValidatedAt.Value
	}
	if patch.PlatformAccountToken != nil {
		rec.PlatformAccountToken = *patch.PlatformAccountToken
	}
	if patch.StripeCustomerID != nil {
		rec.StripeCustomerID = *patch.StripeCustomerID
	}
	if patch.StripeSubscriptionID != nil {
		rec.StripeSubscriptionID = *patch.StripeSubscriptionID
	}
}

// GetTrialLedgerEntry returns the ledger entry for a user ID, or nil.
func (s *Store) GetTrialLedgerEntry(ctx context.Context, userID string) (*entitlement.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, email_hash, first_trial_date FROM trial_ledger WHERE user_id = ?`, userID)
	return scanLedgerEntry(row)
}

// FindTrialLedgerByEmailHash returns the ledger entry matching a salted
// email hash, or nil. The empty hash never matches.
func (s *Store) FindTrialLedgerByEmailHash(ctx context.Context, emailHash string) (*entitlement.LedgerEntry, error) {
	if emailHash == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, email_hash, first_trial_date FROM trial_ledger WHERE email_hash = ?`, emailHash)
	return scanLedgerEntry(row)
}

// CreateTrialLedgerEntry inserts a ledger entry. The ledger is write-once
// per user; an existing entry is left untouched. There is intentionally no
// delete for this table.
func (s *Store) CreateTrialLedgerEntry(ctx context.Context, entry *entitlement.LedgerEntry) error {
	if entry == nil {
		return fmt.Errorf("ledger entry is nil")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trial_ledger (user_id, email_hash, first_trial_date)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		entry.UserID, entry.EmailHash, entry.FirstTrialDate.Unix())
	if err != nil {
		return fmt.Errorf("create trial ledger entry: %w", err)
	}
	return nil
}

// ListTrialsWithoutLedger returns records claiming trial usage that have no
// matching ledger entry.
func (s *Store) ListTrialsWithoutLedger(ctx context.Context) ([]*entitlement.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("u")+`
		FROM users u
		LEFT JOIN trial_ledger l ON u.user_id = l.user_id
		WHERE u.has_used_trial = 1 AND l.user_id IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("list trials without ledger: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListExpired returns non-lifetime records still marked trial or premium
// whose expiry is before cutoff.
func (s *Store) ListExpired(ctx context.Context, cutoff time.Time) ([]*entitlement.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE is_lifetime = 0
		  AND membership_status IN ('trial', 'premium')
		  AND expires_at IS NOT NULL
		  AND expires_at < ?`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("list expired entitlements: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}
