/*
store.go - Persistence interface for users and ledger entries

PURPOSE:
  Defines the interface between the ledger engine and the database.
  Different implementations use SQLite, PostgreSQL, or in-memory storage.

THE MUTATE PRIMITIVE:
  All balance changes go through Mutate: the store locks the user row,
  hands the current snapshot to a callback, and applies the returned
  Mutation (ledger insert + user update + optional lot marking) as one
  atomic unit. Two concurrent mutations of the same user serialize; on
  any error nothing is written.

APPEND-ONLY CONTRACT:
  Ledger entries have no update path except the one-shot IsExpired/
  ExpiredAt mark applied through Mutation.MarkExpired. Corrections are
  new entries. The single sanctioned delete is DeleteUser, which purges
  the account and its ledger together (irreversible account deletion).

IDEMPOTENCY:
  The store enforces uniqueness of LedgerEntry.StripeSessionID and maps
  violations to ErrDuplicateSession, closing the race between two
  concurrent deliveries of the same payment event.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite (database/sql, WAL)
  - store/postgres: PostgreSQL with SELECT ... FOR UPDATE row locks
  - ledger/store: in-memory for tests

SEE ALSO:
  - mutator.go: the only caller of Mutate
  - query.go: read projections built on the query methods
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// MUTATION - One atomic balance change
// =============================================================================

// Mutation is what a MutationFunc asks the store to apply atomically.
// Entry may be nil when only lot marking is needed (a fully spent lot
// expires without a ledger row). User always carries the updated row.
type Mutation struct {
	Entry       *LedgerEntry
	User        User
	MarkExpired *ExpiredMark
}

// ExpiredMark flags a PURCHASE entry as swept. Applied at most once.
type ExpiredMark struct {
	EntryID string
	At      time.Time
}

// MutationFunc computes a Mutation from the locked user snapshot.
// Returning an error aborts with nothing written.
type MutationFunc func(u User) (*Mutation, error)

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Store is the full persistence surface used by the engine.
type Store interface {
	UserStore
	EntryStore

	// Mutate runs fn with exclusive access to the user's row and applies
	// the returned mutation atomically. Returns ErrUserNotFound if the
	// user doesn't exist and ErrDuplicateSession on a session-id
	// uniqueness violation.
	Mutate(ctx context.Context, userID string, fn MutationFunc) (*Mutation, error)
}

// UserStore handles account records.
type UserStore interface {
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByLineID(ctx context.Context, lineUserID string) (*User, error)
	ListUsers(ctx context.Context, f UserFilter) ([]User, int, error)
	SetUserStatus(ctx context.Context, id string, status UserStatus) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error

	// DeleteUser hard-deletes the user and purges all ledger entries in
	// one atomic unit. The only delete path in the system.
	DeleteUser(ctx context.Context, id string) error

	// User statistics for reporting.
	CountUsersByStatus(ctx context.Context) (map[UserStatus]int, error)
	CountUsersCreatedSince(ctx context.Context, t time.Time) (int, error)
	CountUsersActiveSince(ctx context.Context, t time.Time) (int, error)
}

// EntryStore handles read access to the ledger and the sweep queries.
type EntryStore interface {
	// Entries returns matching entries and the total match count.
	Entries(ctx context.Context, f EntryFilter) ([]LedgerEntry, int, error)

	// GetEntry returns a single entry, nil if absent.
	GetEntry(ctx context.Context, id string) (*LedgerEntry, error)

	// SessionExists checks the webhook idempotency key.
	SessionExists(ctx context.Context, stripeSessionID string) (bool, error)

	// ExpiredLots returns PURCHASE entries with ExpiresAt <= asOf that
	// have not been swept, oldest expiry first.
	ExpiredLots(ctx context.Context, asOf time.Time) ([]LedgerEntry, error)

	// ExpiringLots returns unswept PURCHASE entries expiring in (from, to].
	ExpiringLots(ctx context.Context, from, to time.Time) ([]LedgerEntry, error)

	// SumByType aggregates amount sums and counts per entry type over a
	// creation-date range.
	SumByType(ctx context.Context, from, to time.Time) ([]TypeStat, error)

	// DailyTotals buckets purchased and used points per UTC day.
	DailyTotals(ctx context.Context, from, to time.Time) ([]DayTotal, error)
}
