/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Production single-node persistence for users and the ledger. The same
  patterns apply to PostgreSQL (store/postgres) - the row lock becomes
  SELECT ... FOR UPDATE and the dialect changes, nothing else.

KEY TABLES:
  users:          accounts with the cached balance and counters
  ledger_entries: the append-only ledger

APPEND-ONLY ENFORCEMENT:
  ledger_entries has exactly one UPDATE statement in this package - the
  conditional sweep mark - and exactly one DELETE - the account purge.
  Everything else is INSERT and SELECT.

IDEMPOTENCY:
  A unique index on stripe_session_id backs the webhook idempotency key.
  Violations are mapped to ledger.ErrDuplicateSession, so concurrent
  deliveries of the same payment event cannot double-credit.

CONCURRENCY:
  A store-level mutex serializes Mutate calls; SQLite has a single
  writer anyway, and the mutex gives the read-modify-write the same
  per-user serialization Postgres gets from row locks.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/points.db")  // ":memory:" for tests
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/uranai/points-ledger/ledger"
)

// timeLayout is fixed-width so lexicographic order equals chronological.
const timeLayout = "2006-01-02 15:04:05.000000000"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes mutations
}

var _ ledger.Store = (*Store)(nil)

// New creates a SQLite store. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single connection: SQLite allows one writer, and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		line_user_id TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		email TEXT,
		balance INTEGER NOT NULL DEFAULT 0,
		total_purchased INTEGER NOT NULL DEFAULT 0,
		total_used INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		role TEXT NOT NULL DEFAULT 'USER',
		created_at TEXT NOT NULL,
		last_login_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_users_status ON users(status);
	CREATE INDEX IF NOT EXISTS idx_users_created_at ON users(created_at);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		entry_type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		description TEXT NOT NULL,
		balance_before INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		expires_at TEXT,
		is_expired INTEGER NOT NULL DEFAULT 0,
		expired_at TEXT,
		stripe_payment_id TEXT,
		stripe_session_id TEXT,
		created_at TEXT NOT NULL
	);

	-- Webhook idempotency key
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_session
		ON ledger_entries(stripe_session_id) WHERE stripe_session_id IS NOT NULL;

	-- Per-user history (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_user_created
		ON ledger_entries(user_id, created_at DESC);

	-- Sweep queries
	CREATE INDEX IF NOT EXISTS idx_entries_expiry
		ON ledger_entries(expires_at, is_expired) WHERE entry_type = 'PURCHASE';

	CREATE INDEX IF NOT EXISTS idx_entries_type_created
		ON ledger_entries(entry_type, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// MUTATE - the atomic read-modify-write primitive
// =============================================================================

func (s *Store) Mutate(ctx context.Context, userID string, fn ledger.MutationFunc) (*ledger.Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &ledger.StoreError{Op: "begin mutation", Err: err}
	}
	defer tx.Rollback()

	u, err := scanUser(tx.QueryRowContext(ctx, selectUser+" WHERE id = ?", userID))
	if err == sql.ErrNoRows {
		return nil, ledger.ErrUserNotFound
	}
	if err != nil {
		return nil, &ledger.StoreError{Op: "load user", Err: err}
	}

	mut, err := fn(*u)
	if err != nil {
		return nil, err
	}

	if mut.Entry != nil {
		if err := insertEntry(ctx, tx, *mut.Entry); err != nil {
			return nil, err
		}
	}

	if mut.MarkExpired != nil {
		res, err := tx.ExecContext(ctx,
			`UPDATE ledger_entries SET is_expired = 1, expired_at = ? WHERE id = ? AND is_expired = 0`,
			mut.MarkExpired.At.UTC().Format(timeLayout), mut.MarkExpired.EntryID,
		)
		if err != nil {
			return nil, &ledger.StoreError{Op: "mark lot expired", Err: err}
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ledger.ErrLotAlreadySwept
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET balance = ?, total_purchased = ?, total_used = ? WHERE id = ?`,
		mut.User.Balance, mut.User.TotalPurchased, mut.User.TotalUsed, mut.User.ID,
	)
	if err != nil {
		return nil, &ledger.StoreError{Op: "update balance", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &ledger.StoreError{Op: "commit mutation", Err: err}
	}
	return mut, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e ledger.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, user_id, entry_type, amount, description, balance_before, balance_after,
		 expires_at, is_expired, expired_at, stripe_payment_id, stripe_session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Type, e.Amount, e.Description, e.BalanceBefore, e.BalanceAfter,
		nullTime(e.ExpiresAt), boolInt(e.IsExpired), nullTime(e.ExpiredAt),
		nullString(e.StripePaymentID), nullString(e.StripeSessionID),
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateSession
		}
		return &ledger.StoreError{Op: "insert entry", Err: err}
	}
	return nil
}

// =============================================================================
// USER STORE
// =============================================================================

const selectUser = `
	SELECT id, line_user_id, display_name, email, balance, total_purchased,
	       total_used, status, role, created_at, last_login_at
	FROM users`

func (s *Store) CreateUser(ctx context.Context, u ledger.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users
		(id, line_user_id, display_name, email, balance, total_purchased, total_used,
		 status, role, created_at, last_login_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.LineUserID, u.DisplayName, nullString(u.Email),
		u.Balance, u.TotalPurchased, u.TotalUsed, u.Status, u.Role,
		u.CreatedAt.UTC().Format(timeLayout), nullTimeValue(u.LastLoginAt),
	)
	if err != nil {
		return &ledger.StoreError{Op: "create user", Err: err}
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*ledger.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, selectUser+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &ledger.StoreError{Op: "get user", Err: err}
	}
	return u, nil
}

func (s *Store) GetUserByLineID(ctx context.Context, lineUserID string) (*ledger.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, selectUser+" WHERE line_user_id = ?", lineUserID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &ledger.StoreError{Op: "get user by line id", Err: err}
	}
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context, f ledger.UserFilter) ([]ledger.User, int, error) {
	where := "WHERE 1=1"
	var args []any

	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Search != "" {
		where += " AND (display_name LIKE ? OR email LIKE ? OR line_user_id LIKE ?)"
		pat := "%" + f.Search + "%"
		args = append(args, pat, pat, pat)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users "+where, args...).Scan(&total); err != nil {
		return nil, 0, &ledger.StoreError{Op: "count users", Err: err}
	}

	query := selectUser + " " + where + " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, &ledger.StoreError{Op: "list users", Err: err}
	}
	defer rows.Close()

	var users []ledger.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, &ledger.StoreError{Op: "scan user", Err: err}
		}
		users = append(users, *u)
	}
	return users, total, rows.Err()
}

func (s *Store) SetUserStatus(ctx context.Context, id string, status ledger.UserStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return &ledger.StoreError{Op: "set user status", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrUserNotFound
	}
	return nil
}

func (s *Store) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = ? WHERE id = ?`,
		at.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return &ledger.StoreError{Op: "touch last login", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrUserNotFound
	}
	return nil
}

// DeleteUser purges the account and its ledger in one transaction.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ledger.StoreError{Op: "begin delete", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE user_id = ?`, id); err != nil {
		return &ledger.StoreError{Op: "purge entries", Err: err}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return &ledger.StoreError{Op: "delete user", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrUserNotFound
	}

	if err := tx.Commit(); err != nil {
		return &ledger.StoreError{Op: "commit delete", Err: err}
	}
	return nil
}

func (s *Store) CountUsersByStatus(ctx context.Context) (map[ledger.UserStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM users GROUP BY status`)
	if err != nil {
		return nil, &ledger.StoreError{Op: "count users by status", Err: err}
	}
	defer rows.Close()

	counts := make(map[ledger.UserStatus]int)
	for rows.Next() {
		var status ledger.UserStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) CountUsersCreatedSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE created_at >= ?`,
		t.UTC().Format(timeLayout),
	).Scan(&n)
	if err != nil {
		return 0, &ledger.StoreError{Op: "count new users", Err: err}
	}
	return n, nil
}

func (s *Store) CountUsersActiveSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE status = 'ACTIVE' AND last_login_at >= ?`,
		t.UTC().Format(timeLayout),
	).Scan(&n)
	if err != nil {
		return 0, &ledger.StoreError{Op: "count active users", Err: err}
	}
	return n, nil
}

// =============================================================================
// ENTRY STORE
// =============================================================================

const selectEntry = `
	SELECT id, user_id, entry_type, amount, description, balance_before, balance_after,
	       expires_at, is_expired, expired_at, stripe_payment_id, stripe_session_id, created_at
	FROM ledger_entries`

func (s *Store) Entries(ctx context.Context, f ledger.EntryFilter) ([]ledger.LedgerEntry, int, error) {
	where := "WHERE 1=1"
	var args []any

	if f.UserID != "" {
		where += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.Type != "" {
		where += " AND entry_type = ?"
		args = append(args, f.Type)
	}
	if f.From != nil {
		where += " AND created_at >= ?"
		args = append(args, f.From.UTC().Format(timeLayout))
	}
	if f.To != nil {
		where += " AND created_at <= ?"
		args = append(args, f.To.UTC().Format(timeLayout))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ledger_entries "+where, args...).Scan(&total); err != nil {
		return nil, 0, &ledger.StoreError{Op: "count entries", Err: err}
	}

	order := " ORDER BY created_at DESC, id DESC"
	if f.Ascending {
		order = " ORDER BY created_at ASC, id ASC"
	}
	query := selectEntry + " " + where + order
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	entries, err := s.queryEntries(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (*ledger.LedgerEntry, error) {
	entries, err := s.queryEntries(ctx, selectEntry+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (s *Store) SessionExists(ctx context.Context, stripeSessionID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE stripe_session_id = ?`,
		stripeSessionID,
	).Scan(&count)
	if err != nil {
		return false, &ledger.StoreError{Op: "session exists", Err: err}
	}
	return count > 0, nil
}

func (s *Store) ExpiredLots(ctx context.Context, asOf time.Time) ([]ledger.LedgerEntry, error) {
	return s.queryEntries(ctx, selectEntry+`
		WHERE entry_type = 'PURCHASE' AND is_expired = 0
		  AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC`,
		asOf.UTC().Format(timeLayout),
	)
}

func (s *Store) ExpiringLots(ctx context.Context, from, to time.Time) ([]ledger.LedgerEntry, error) {
	return s.queryEntries(ctx, selectEntry+`
		WHERE entry_type = 'PURCHASE' AND is_expired = 0
		  AND expires_at IS NOT NULL AND expires_at > ? AND expires_at <= ?
		ORDER BY expires_at ASC`,
		from.UTC().Format(timeLayout), to.UTC().Format(timeLayout),
	)
}

func (s *Store) SumByType(ctx context.Context, from, to time.Time) ([]ledger.TypeStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_type, COUNT(*), COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE created_at >= ? AND created_at <= ?
		GROUP BY entry_type
		ORDER BY entry_type`,
		from.UTC().Format(timeLayout), to.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, &ledger.StoreError{Op: "sum by type", Err: err}
	}
	defer rows.Close()

	var stats []ledger.TypeStat
	for rows.Next() {
		var st ledger.TypeStat
		if err := rows.Scan(&st.Type, &st.Count, &st.Sum); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *Store) DailyTotals(ctx context.Context, from, to time.Time) ([]ledger.DayTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT substr(created_at, 1, 10) AS day,
		       COALESCE(SUM(CASE WHEN entry_type = 'PURCHASE' THEN amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN entry_type = 'USAGE' THEN -amount ELSE 0 END), 0)
		FROM ledger_entries
		WHERE created_at >= ? AND created_at <= ?
		GROUP BY day
		ORDER BY day`,
		from.UTC().Format(timeLayout), to.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, &ledger.StoreError{Op: "daily totals", Err: err}
	}
	defer rows.Close()

	var days []ledger.DayTotal
	for rows.Next() {
		var dayStr string
		var d ledger.DayTotal
		if err := rows.Scan(&dayStr, &d.Purchased, &d.Used); err != nil {
			return nil, err
		}
		day, err := time.Parse("2006-01-02", dayStr)
		if err != nil {
			return nil, err
		}
		d.Day = day
		days = append(days, d)
	}
	return days, rows.Err()
}

// =============================================================================
// SCAN / NULL HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*ledger.User, error) {
	var u ledger.User
	var email, lastLogin sql.NullString
	var createdAt string

	err := row.Scan(&u.ID, &u.LineUserID, &u.DisplayName, &email, &u.Balance,
		&u.TotalPurchased, &u.TotalUsed, &u.Status, &u.Role, &createdAt, &lastLogin)
	if err != nil {
		return nil, err
	}

	u.Email = email.String
	u.CreatedAt = parseTime(createdAt)
	if lastLogin.Valid {
		u.LastLoginAt = parseTime(lastLogin.String)
	}
	return &u, nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &ledger.StoreError{Op: "query entries", Err: err}
	}
	defer rows.Close()

	var entries []ledger.LedgerEntry
	for rows.Next() {
		var e ledger.LedgerEntry
		var expiresAt, expiredAt, paymentID, sessionID sql.NullString
		var isExpired int
		var createdAt string

		err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.Description,
			&e.BalanceBefore, &e.BalanceAfter, &expiresAt, &isExpired, &expiredAt,
			&paymentID, &sessionID, &createdAt)
		if err != nil {
			return nil, &ledger.StoreError{Op: "scan entry", Err: err}
		}

		e.IsExpired = isExpired != 0
		e.StripePaymentID = paymentID.String
		e.StripeSessionID = sessionID.String
		e.CreatedAt = parseTime(createdAt)
		if expiresAt.Valid {
			t := parseTime(expiresAt.String)
			e.ExpiresAt = &t
		}
		if expiredAt.Valid {
			t := parseTime(expiredAt.String)
			e.ExpiredAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate second-precision values written by external tooling.
		t, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func nullTimeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
