/*
query.go - Read-only projections over the ledger

PURPOSE:
  History pages, system-wide statistics, and the replay check. These are
  pure reads: no projection holds state of its own, everything derives
  from the ledger store.

REPLAY INVARIANT:
  For any user, summing Amount over all entries in CreatedAt order must
  reproduce the cached balance exactly. VerifyReplay recomputes the sum
  and reports any drift; it is wired to an admin endpoint and used by
  tests as the strongest consistency probe.

SEE ALSO:
  - store.go: the query methods these build on
  - api/handlers.go: HTTP exposure
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// HISTORY
// =============================================================================

// HistoryPage is one page of a user's ledger with the total match count.
type HistoryPage struct {
	Entries []LedgerEntry
	Total   int
	Limit   int
	Offset  int
}

// History returns a page of a user's entries, newest first.
func History(ctx context.Context, store EntryStore, userID string, entryType EntryType, limit, offset int) (*HistoryPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	entries, total, err := store.Entries(ctx, EntryFilter{
		UserID: userID,
		Type:   entryType,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, err
	}

	return &HistoryPage{Entries: entries, Total: total, Limit: limit, Offset: offset}, nil
}

// =============================================================================
// REPLAY VERIFICATION
// =============================================================================

// ReplayResult compares the replayed ledger sum with the cached balance.
type ReplayResult struct {
	UserID        string
	EntryCount    int
	ReplayedSum   int64
	CachedBalance int64
	Consistent    bool
}

// VerifyReplay replays all of a user's entries in CreatedAt order and checks
// the sum against the cached balance, and each entry's snapshots against the
// running total. Any mismatch is reported as an error with the offending
// entry, never repaired silently.
func VerifyReplay(ctx context.Context, store Store, userID string) (*ReplayResult, error) {
	u, err := store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}

	entries, _, err := store.Entries(ctx, EntryFilter{UserID: userID, Ascending: true})
	if err != nil {
		return nil, err
	}

	var sum int64
	for _, e := range entries {
		if e.BalanceBefore != sum {
			return nil, fmt.Errorf("entry %s: balanceBefore %d, replayed %d", e.ID, e.BalanceBefore, sum)
		}
		if e.BalanceAfter != e.BalanceBefore+e.Amount {
			return nil, fmt.Errorf("entry %s: balanceAfter %d != %d + %d", e.ID, e.BalanceAfter, e.BalanceBefore, e.Amount)
		}
		sum += e.Amount
	}

	return &ReplayResult{
		UserID:        userID,
		EntryCount:    len(entries),
		ReplayedSum:   sum,
		CachedBalance: u.Balance,
		Consistent:    sum == u.Balance,
	}, nil
}

// =============================================================================
// SYSTEM STATISTICS
// =============================================================================

// Stats aggregates ledger and account activity over a date range.
type Stats struct {
	From, To time.Time

	TotalActiveUsers int
	ActiveLast30d    int // logged in within 30 days of To
	NewUsers         int // created within [From, To]
	UsersByStatus    map[UserStatus]int

	ByType []TypeStat

	PointsPurchased int64
	PointsUsed      int64 // absolute
	PointsExpired   int64 // absolute

	Growth []DayTotal
}

// CollectStats builds the admin dashboard aggregates. Reads only; tolerates
// concurrent writers within each query's own snapshot.
func CollectStats(ctx context.Context, store Store, from, to time.Time) (*Stats, error) {
	byStatus, err := store.CountUsersByStatus(ctx)
	if err != nil {
		return nil, err
	}
	active30, err := store.CountUsersActiveSince(ctx, to.Add(-30*24*time.Hour))
	if err != nil {
		return nil, err
	}
	newUsers, err := store.CountUsersCreatedSince(ctx, from)
	if err != nil {
		return nil, err
	}
	byType, err := store.SumByType(ctx, from, to)
	if err != nil {
		return nil, err
	}
	growth, err := store.DailyTotals(ctx, from, to)
	if err != nil {
		return nil, err
	}

	s := &Stats{
		From:             from,
		To:               to,
		TotalActiveUsers: byStatus[StatusActive],
		ActiveLast30d:    active30,
		NewUsers:         newUsers,
		UsersByStatus:    byStatus,
		ByType:           byType,
		Growth:           growth,
	}

	for _, t := range byType {
		switch t.Type {
		case TypePurchase:
			s.PointsPurchased += t.Sum
		case TypeUsage:
			s.PointsUsed += -t.Sum
		case TypeExpiration:
			s.PointsExpired += -t.Sum
		}
	}

	return s, nil
}
