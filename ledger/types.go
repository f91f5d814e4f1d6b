/*
Package ledger provides the points ledger engine: an append-only transaction
log with a denormalized per-user balance cache.

PURPOSE:
  Every balance change in the system - a Stripe purchase, a chat session
  debit, an admin correction, a point expiration - is recorded as one
  immutable LedgerEntry. The user's cached balance is updated in the same
  atomic unit, so the cache and the log can never drift.

KEY CONCEPTS IN THIS FILE (types.go):
  - User: account record with the cached balance and reporting counters
  - LedgerEntry: an immutable row recording one balance change
  - EntryType: tagged union of the five balance-changing event kinds

DESIGN PRINCIPLES:
  1. Immutability: entries are never modified; corrections are new entries
  2. Auditability: every entry snapshots the balance before and after
  3. Integer points: amounts are int64 points, no floating point anywhere
  4. Lots: PURCHASE entries carry an expiry date and are swept as a unit

SEE ALSO:
  - store.go: persistence interface and the atomic mutation primitive
  - mutator.go: the only code path allowed to change a balance
  - sweeper.go: periodic expiration of purchase lots
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ENTRY TYPE - Tagged union of balance-changing events
// =============================================================================

type EntryType string

const (
	TypePurchase   EntryType = "PURCHASE"   // Points bought via the payment provider
	TypeUsage      EntryType = "USAGE"      // Points spent on a chat session
	TypeBonus      EntryType = "BONUS"      // Promotional grant (plan bonus, campaign)
	TypeAdjustment EntryType = "ADJUSTMENT" // Manual admin correction, either sign
	TypeExpiration EntryType = "EXPIRATION" // Sweep debit for an expired purchase lot
)

// Valid reports whether t is one of the known entry types.
func (t EntryType) Valid() bool {
	switch t {
	case TypePurchase, TypeUsage, TypeBonus, TypeAdjustment, TypeExpiration:
		return true
	}
	return false
}

// SignValid reports whether amount carries the sign required for t.
// PURCHASE and BONUS credit, USAGE and EXPIRATION debit, ADJUSTMENT
// goes either way. Zero is never valid.
func (t EntryType) SignValid(amount int64) bool {
	switch t {
	case TypePurchase, TypeBonus:
		return amount > 0
	case TypeUsage, TypeExpiration:
		return amount < 0
	case TypeAdjustment:
		return amount != 0
	}
	return false
}

// =============================================================================
// USER STATUS / ROLE
// =============================================================================

type UserStatus string

const (
	StatusActive    UserStatus = "ACTIVE"
	StatusSuspended UserStatus = "SUSPENDED"
	StatusDeleted   UserStatus = "DELETED"
)

type UserRole string

const (
	RoleUser  UserRole = "USER"
	RoleAdmin UserRole = "ADMIN"
)

// =============================================================================
// USER - Account with cached balance
// =============================================================================

// User is an account. Balance is a cache of the ledger sum and must only be
// written through Store.Mutate; TotalPurchased and TotalUsed are monotonic
// reporting counters, not authoritative.
type User struct {
	ID             string
	LineUserID     string // unique external identity
	DisplayName    string
	Email          string
	Balance        int64
	TotalPurchased int64
	TotalUsed      int64
	Status         UserStatus
	Role           UserRole
	CreatedAt      time.Time
	LastLoginAt    time.Time
}

// NewUser builds an ACTIVE user with a fresh id and zero balance.
func NewUser(lineUserID, displayName, email string) User {
	return User{
		ID:          uuid.NewString(),
		LineUserID:  lineUserID,
		DisplayName: displayName,
		Email:       email,
		Status:      StatusActive,
		Role:        RoleUser,
		CreatedAt:   time.Now().UTC(),
	}
}

// =============================================================================
// LEDGER ENTRY - Immutable record of one balance change
// =============================================================================

// LedgerEntry records one balance change. Once written it is never updated,
// with one exception: the sweeper sets IsExpired/ExpiredAt on a PURCHASE row
// exactly once when the lot is processed. Amount, BalanceBefore and
// BalanceAfter are frozen at insert time and always satisfy
// BalanceAfter = BalanceBefore + Amount.
type LedgerEntry struct {
	ID          string
	UserID      string
	Type        EntryType
	Amount      int64 // signed points
	Description string

	BalanceBefore int64
	BalanceAfter  int64

	// Lot expiry, meaningful for PURCHASE entries only.
	ExpiresAt *time.Time
	IsExpired bool
	ExpiredAt *time.Time

	// Payment provider references, present on PURCHASE entries that came in
	// through the webhook. StripeSessionID is the idempotency key and is
	// unique in the store.
	StripePaymentID string
	StripeSessionID string

	CreatedAt time.Time // global ordering key within a user's ledger
}

// =============================================================================
// QUERY FILTERS
// =============================================================================

// EntryFilter selects ledger entries. Zero values mean "no constraint".
// Results are ordered by CreatedAt descending unless Ascending is set.
type EntryFilter struct {
	UserID    string
	Type      EntryType
	From      *time.Time
	To        *time.Time
	Ascending bool
	Limit     int
	Offset    int
}

// UserFilter selects users for admin listings.
type UserFilter struct {
	Status UserStatus
	Search string // matches display name, email, or LINE user id
	Limit  int
	Offset int
}

// TypeStat is a per-type aggregate over a date range.
type TypeStat struct {
	Type  EntryType
	Count int64
	Sum   int64
}

// DayTotal buckets purchased and used points by calendar day (UTC).
type DayTotal struct {
	Day       time.Time
	Purchased int64
	Used      int64
}
