/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store.

PURPOSE:
  Multi-node persistence. Unlike the SQLite store, concurrency control is
  delegated to the database: Mutate locks the user row with
  SELECT ... FOR UPDATE, so concurrent mutations against the same user
  serialize inside Postgres while different users proceed in parallel.

IDEMPOTENCY:
  The unique index on stripe_session_id raises unique_violation (23505)
  on duplicate webhook deliveries, mapped to ledger.ErrDuplicateSession.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite/sqlite.go: SQLite implementation
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/uranai/points-ledger/ledger"
)

// Store implements ledger.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// New connects to PostgreSQL and applies the schema.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

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
		balance BIGINT NOT NULL DEFAULT 0,
		total_purchased BIGINT NOT NULL DEFAULT 0,
		total_used BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		role TEXT NOT NULL DEFAULT 'USER',
		created_at TIMESTAMPTZ NOT NULL,
		last_login_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_users_status ON users(status);
	CREATE INDEX IF NOT EXISTS idx_users_created_at ON users(created_at);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		entry_type TEXT NOT NULL,
		amount BIGINT NOT NULL,
		description TEXT NOT NULL,
		balance_before BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		expires_at TIMESTAMPTZ,
		is_expired BOOLEAN NOT NULL DEFAULT FALSE,
		expired_at TIMESTAMPTZ,
		stripe_payment_id TEXT,
		stripe_session_id TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_session
		ON ledger_entries(stripe_session_id) WHERE stripe_session_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_entries_user_created
		ON ledger_entries(user_id, created_at DESC);

	CREATE INDEX IF NOT EXISTS idx_entries_expiry
		ON ledger_entries(expires_at, is_expired) WHERE entry_type = 'PURCHASE';

	CREATE INDEX IF NOT EXISTS idx_entries_type_created
		ON ledger_entries(entry_type, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// MUTATE
// =============================================================================

func (s *Store) Mutate(ctx context.Context, userID string, fn ledger.MutationFunc) (*ledger.Mutation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &ledger.StoreError{Op: "begin mutation", Err: err}
	}
	defer tx.Rollback()

	// Row lock: concurrent mutations on the same user serialize here.
	u, err := scanUser(tx.QueryRowContext(ctx, selectUser+" WHERE id = $1 FOR UPDATE", userID))
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
			`UPDATE ledger_entries SET is_expired = TRUE, expired_at = $1 WHERE id = $2 AND is_expired = FALSE`,
			mut.MarkExpired.At, mut.MarkExpired.EntryID,
		)
		if err != nil {
			return nil, &ledger.StoreError{Op: "mark lot expired", Err: err}
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ledger.ErrLotAlreadySwept
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET balance = $1, total_purchased = $2, total_used = $3 WHERE id = $4`,
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.UserID, e.Type, e.Amount, e.Description, e.BalanceBefore, e.BalanceAfter,
		e.ExpiresAt, e.IsExpired, e.ExpiredAt,
		nullString(e.StripePaymentID), nullString(e.StripeSessionID), e.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		u.ID, u.LineUserID, u.DisplayName, nullString(u.Email),
		u.Balance, u.TotalPurchased, u.TotalUsed, u.Status, u.Role,
		u.CreatedAt, nullTimeValue(u.LastLoginAt),
	)
	if err != nil {
		return &ledger.StoreError{Op: "create user", Err: err}
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*ledger.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, selectUser+" WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &ledger.StoreError{Op: "get user", Err: err}
	}
	return u, nil
}

func (s *Store) GetUserByLineID(ctx context.Context, lineUserID string) (*ledger.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, selectUser+" WHERE line_user_id = $1", lineUserID))
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
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		where += fmt.Sprintf(" AND (display_name ILIKE $%d OR email ILIKE $%d OR line_user_id ILIKE $%d)", n, n, n)
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
	res, err := s.db.ExecContext(ctx, `UPDATE users SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return &ledger.StoreError{Op: "set user status", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrUserNotFound
	}
	return nil
}

func (s *Store) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return &ledger.StoreError{Op: "touch last login", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrUserNotFound
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ledger.StoreError{Op: "begin delete", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE user_id = $1`, id); err != nil {
		return &ledger.StoreError{Op: "purge entries", Err: err}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
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
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE created_at >= $1`, t).Scan(&n)
	if err != nil {
		return 0, &ledger.StoreError{Op: "count new users", Err: err}
	}
	return n, nil
}

func (s *Store) CountUsersActiveSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE status = 'ACTIVE' AND last_login_at >= $1`, t,
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
		args = append(args, f.UserID)
		where += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		where += fmt.Sprintf(" AND entry_type = $%d", len(args))
	}
	if f.From != nil {
		args = append(args, *f.From)
		where += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		where += fmt.Sprintf(" AND created_at <= $%d", len(args))
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
	entries, err := s.queryEntries(ctx, selectEntry+" WHERE id = $1", id)
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
		`SELECT COUNT(*) FROM ledger_entries WHERE stripe_session_id = $1`, stripeSessionID,
	).Scan(&count)
	if err != nil {
		return false, &ledger.StoreError{Op: "session exists", Err: err}
	}
	return count > 0, nil
}

func (s *Store) ExpiredLots(ctx context.Context, asOf time.Time) ([]ledger.LedgerEntry, error) {
	return s.queryEntries(ctx, selectEntry+`
		WHERE entry_type = 'PURCHASE' AND is_expired = FALSE
		  AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC`, asOf)
}

func (s *Store) ExpiringLots(ctx context.Context, from, to time.Time) ([]ledger.LedgerEntry, error) {
	return s.queryEntries(ctx, selectEntry+`
		WHERE entry_type = 'PURCHASE' AND is_expired = FALSE
		  AND expires_at IS NOT NULL AND expires_at > $1 AND expires_at <= $2
		ORDER BY expires_at ASC`, from, to)
}

func (s *Store) SumByType(ctx context.Context, from, to time.Time) ([]ledger.TypeStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_type, COUNT(*), COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE created_at >= $1 AND created_at <= $2
		GROUP BY entry_type
		ORDER BY entry_type`, from, to)
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
		SELECT date_trunc('day', created_at) AS day,
		       COALESCE(SUM(CASE WHEN entry_type = 'PURCHASE' THEN amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN entry_type = 'USAGE' THEN -amount ELSE 0 END), 0)
		FROM ledger_entries
		WHERE created_at >= $1 AND created_at <= $2
		GROUP BY day
		ORDER BY day`, from, to)
	if err != nil {
		return nil, &ledger.StoreError{Op: "daily totals", Err: err}
	}
	defer rows.Close()

	var days []ledger.DayTotal
	for rows.Next() {
		var d ledger.DayTotal
		if err := rows.Scan(&d.Day, &d.Purchased, &d.Used); err != nil {
			return nil, err
		}
		d.Day = d.Day.UTC()
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
	var email sql.NullString
	var lastLogin sql.NullTime

	err := row.Scan(&u.ID, &u.LineUserID, &u.DisplayName, &email, &u.Balance,
		&u.TotalPurchased, &u.TotalUsed, &u.Status, &u.Role, &u.CreatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}

	u.Email = email.String
	u.CreatedAt = u.CreatedAt.UTC()
	if lastLogin.Valid {
		u.LastLoginAt = lastLogin.Time.UTC()
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
		var expiresAt, expiredAt sql.NullTime
		var paymentID, sessionID sql.NullString

		err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.Description,
			&e.BalanceBefore, &e.BalanceAfter, &expiresAt, &e.IsExpired, &expiredAt,
			&paymentID, &sessionID, &e.CreatedAt)
		if err != nil {
			return nil, &ledger.StoreError{Op: "scan entry", Err: err}
		}

		e.StripePaymentID = paymentID.String
		e.StripeSessionID = sessionID.String
		e.CreatedAt = e.CreatedAt.UTC()
		if expiresAt.Valid {
			t := expiresAt.Time.UTC()
			e.ExpiresAt = &t
		}
		if expiredAt.Valid {
			t := expiredAt.Time.UTC()
			e.ExpiredAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTimeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
