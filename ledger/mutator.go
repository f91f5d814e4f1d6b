/*
mutator.go - The only code path allowed to change a balance

PURPOSE:
  Validates a requested balance change, then asks the store to apply it
  atomically: read the locked user row, compute the new balance, insert
  the ledger entry with before/after snapshots, update the cached balance
  and the reporting counters. All-or-nothing.

CRITICAL INVARIANTS:
  1. BalanceAfter = BalanceBefore + Amount, captured inside the lock
  2. Balance never goes negative; debits that would are rejected before
     any write
  3. Concurrent mutations of the same user serialize; replaying the
     ledger always reproduces the cached balance
  4. Only ACTIVE users accept mutations

EXPIRY DEFAULT:
  PURCHASE entries without an explicit expiry get CreatedAt + 6 months,
  the product's stated point lifetime.

EVENTS:
  After a successful commit the entry is handed to the Publisher (Kafka
  in production). Publishing is best-effort: a publish failure is logged
  and never unwinds the committed mutation.

SEE ALSO:
  - store.go: the Mutate primitive this builds on
  - sweeper.go: drives EXPIRATION mutations through Apply
*/
package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// DefaultLotLifetime is how long purchased points stay valid.
const DefaultLotLifetime = 6 * 30 * 24 * time.Hour

// Publisher receives committed ledger entries for downstream consumers.
// Implementations must not block the request path for long.
type Publisher interface {
	EntryRecorded(ctx context.Context, e LedgerEntry) error
}

// ApplyInput describes one requested balance change.
type ApplyInput struct {
	UserID      string
	Type        EntryType
	Amount      int64 // signed points, sign must match Type
	Description string

	// PURCHASE extras.
	ExpiresAt       *time.Time
	StripePaymentID string
	StripeSessionID string

	// Set by the sweeper so the source lot is marked in the same commit.
	MarkExpired *ExpiredMark
}

// Mutator applies validated balance changes through the store.
type Mutator struct {
	Store     Store
	Publisher Publisher // optional

	// now is swappable for tests.
	now func() time.Time
}

func NewMutator(store Store) *Mutator {
	return &Mutator{Store: store, now: func() time.Time { return time.Now().UTC() }}
}

// WithPublisher attaches an event publisher and returns the mutator.
func (m *Mutator) WithPublisher(p Publisher) *Mutator {
	m.Publisher = p
	return m
}

// Apply performs one atomic balance change and returns the committed entry.
//
// Errors: ErrInvalidAmount, ErrReasonRequired, ErrUserNotFound,
// ErrUserNotActive, ErrInsufficientBalance, ErrDuplicateSession, or a
// retryable store error. On any error nothing is written.
func (m *Mutator) Apply(ctx context.Context, in ApplyInput) (*LedgerEntry, error) {
	if !in.Type.Valid() || !in.Type.SignValid(in.Amount) {
		return nil, ErrInvalidAmount
	}
	if in.Description == "" {
		if in.Type == TypeAdjustment {
			return nil, ErrReasonRequired
		}
		return nil, ErrInvalidAmount
	}

	now := m.now()

	mut, err := m.Store.Mutate(ctx, in.UserID, func(u User) (*Mutation, error) {
		if u.Status != StatusActive {
			return nil, ErrUserNotActive
		}

		newBalance := u.Balance + in.Amount
		if newBalance < 0 {
			return nil, &InsufficientBalanceError{
				UserID:    u.ID,
				Balance:   u.Balance,
				Requested: -in.Amount,
			}
		}

		entry := LedgerEntry{
			ID:              uuid.NewString(),
			UserID:          u.ID,
			Type:            in.Type,
			Amount:          in.Amount,
			Description:     in.Description,
			BalanceBefore:   u.Balance,
			BalanceAfter:    newBalance,
			StripePaymentID: in.StripePaymentID,
			StripeSessionID: in.StripeSessionID,
			CreatedAt:       now,
		}

		if in.Type == TypePurchase {
			expires := now.Add(DefaultLotLifetime)
			if in.ExpiresAt != nil {
				expires = *in.ExpiresAt
			}
			entry.ExpiresAt = &expires
		}

		u.Balance = newBalance
		switch in.Type {
		case TypePurchase:
			u.TotalPurchased += in.Amount
		case TypeUsage:
			u.TotalUsed += -in.Amount
		}

		return &Mutation{
			Entry:       &entry,
			User:        u,
			MarkExpired: in.MarkExpired,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if m.Publisher != nil && mut.Entry != nil {
		if perr := m.Publisher.EntryRecorded(ctx, *mut.Entry); perr != nil {
			log.Printf("[Ledger] event publish failed for entry %s: %v", mut.Entry.ID, perr)
		}
	}

	return mut.Entry, nil
}

// ExpireLot retires one purchase lot: inside the user-row lock it clamps the
// debit to min(balance, lot amount), records an EXPIRATION entry for the
// clamped amount, and marks the source row swept - all in one commit. When
// the clamp is zero only the mark is applied and no entry is returned.
// Returns ErrLotAlreadySwept if another sweep got there first.
func (m *Mutator) ExpireLot(ctx context.Context, lot LedgerEntry, now time.Time) (*LedgerEntry, error) {
	mark := &ExpiredMark{EntryID: lot.ID, At: now}

	mut, err := m.Store.Mutate(ctx, lot.UserID, func(u User) (*Mutation, error) {
		debit := lot.Amount
		if u.Balance < debit {
			debit = u.Balance
		}
		if debit <= 0 {
			return &Mutation{User: u, MarkExpired: mark}, nil
		}

		entry := LedgerEntry{
			ID:     uuid.NewString(),
			UserID: u.ID,
			Type:   TypeExpiration,
			Amount: -debit,
			Description: fmt.Sprintf("ポイント有効期限切れ (購入日: %s)",
				lot.CreatedAt.Format("2006/01/02")),
			BalanceBefore: u.Balance,
			BalanceAfter:  u.Balance - debit,
			CreatedAt:     now,
		}
		u.Balance -= debit

		return &Mutation{Entry: &entry, User: u, MarkExpired: mark}, nil
	})
	if err != nil {
		return nil, err
	}

	if m.Publisher != nil && mut.Entry != nil {
		if perr := m.Publisher.EntryRecorded(ctx, *mut.Entry); perr != nil {
			log.Printf("[Ledger] event publish failed for entry %s: %v", mut.Entry.ID, perr)
		}
	}

	return mut.Entry, nil
}
