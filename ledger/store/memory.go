// Package store provides an in-memory ledger.Store implementation for
// tests and development. A single mutex serializes mutations, which is the
// same guarantee the SQL stores get from row locks.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/uranai/points-ledger/ledger"
)

type Memory struct {
	mu       sync.RWMutex
	users    map[string]ledger.User
	byLineID map[string]string // lineUserID -> userID
	entries  []ledger.LedgerEntry
	sessions map[string]bool // stripe session ids seen
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]ledger.User),
		byLineID: make(map[string]string),
		sessions: make(map[string]bool),
	}
}

var _ ledger.Store = (*Memory)(nil)

// =============================================================================
// MUTATE - The atomic primitive
// =============================================================================

func (m *Memory) Mutate(_ context.Context, userID string, fn ledger.MutationFunc) (*ledger.Mutation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, ledger.ErrUserNotFound
	}

	mut, err := fn(u)
	if err != nil {
		return nil, err
	}

	// Validate everything before writing anything: all-or-nothing.
	if mut.Entry != nil && mut.Entry.StripeSessionID != "" && m.sessions[mut.Entry.StripeSessionID] {
		return nil, ledger.ErrDuplicateSession
	}
	var markIdx = -1
	if mut.MarkExpired != nil {
		for i := range m.entries {
			if m.entries[i].ID == mut.MarkExpired.EntryID {
				if m.entries[i].IsExpired {
					return nil, ledger.ErrLotAlreadySwept
				}
				markIdx = i
				break
			}
		}
		if markIdx < 0 {
			return nil, ledger.ErrLotAlreadySwept
		}
	}

	if mut.Entry != nil {
		m.entries = append(m.entries, *mut.Entry)
		if mut.Entry.StripeSessionID != "" {
			m.sessions[mut.Entry.StripeSessionID] = true
		}
	}
	if markIdx >= 0 {
		at := mut.MarkExpired.At
		m.entries[markIdx].IsExpired = true
		m.entries[markIdx].ExpiredAt = &at
	}
	m.users[userID] = mut.User

	return mut, nil
}

// =============================================================================
// USER STORE
// =============================================================================

func (m *Memory) CreateUser(_ context.Context, u ledger.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	if u.LineUserID != "" {
		m.byLineID[u.LineUserID] = u.ID
	}
	return nil
}

func (m *Memory) GetUser(_ context.Context, id string) (*ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *Memory) GetUserByLineID(_ context.Context, lineUserID string) (*ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byLineID[lineUserID]
	if !ok {
		return nil, nil
	}
	u := m.users[id]
	return &u, nil
}

func (m *Memory) ListUsers(_ context.Context, f ledger.UserFilter) ([]ledger.User, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []ledger.User
	for _, u := range m.users {
		if f.Status != "" && u.Status != f.Status {
			continue
		}
		if f.Search != "" && !userMatches(u, f.Search) {
			continue
		}
		all = append(all, u)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	all = page(all, f.Limit, f.Offset)
	return all, total, nil
}

func userMatches(u ledger.User, search string) bool {
	s := strings.ToLower(search)
	return strings.Contains(strings.ToLower(u.DisplayName), s) ||
		strings.Contains(strings.ToLower(u.Email), s) ||
		strings.Contains(strings.ToLower(u.LineUserID), s)
}

func (m *Memory) SetUserStatus(_ context.Context, id string, status ledger.UserStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ledger.ErrUserNotFound
	}
	u.Status = status
	m.users[id] = u
	return nil
}

func (m *Memory) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ledger.ErrUserNotFound
	}
	u.LastLoginAt = at
	m.users[id] = u
	return nil
}

func (m *Memory) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ledger.ErrUserNotFound
	}

	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.UserID == id {
			if e.StripeSessionID != "" {
				delete(m.sessions, e.StripeSessionID)
			}
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	delete(m.byLineID, u.LineUserID)
	delete(m.users, id)
	return nil
}

func (m *Memory) CountUsersByStatus(_ context.Context) (map[ledger.UserStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[ledger.UserStatus]int)
	for _, u := range m.users {
		counts[u.Status]++
	}
	return counts, nil
}

func (m *Memory) CountUsersCreatedSince(_ context.Context, t time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, u := range m.users {
		if !u.CreatedAt.Before(t) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountUsersActiveSince(_ context.Context, t time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, u := range m.users {
		if u.Status == ledger.StatusActive && !u.LastLoginAt.Before(t) {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// ENTRY STORE
// =============================================================================

func (m *Memory) Entries(_ context.Context, f ledger.EntryFilter) ([]ledger.LedgerEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []ledger.LedgerEntry
	for _, e := range m.entries {
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.From != nil && e.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && e.CreatedAt.After(*f.To) {
			continue
		}
		all = append(all, e)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if f.Ascending {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	all = page(all, f.Limit, f.Offset)
	return all, total, nil
}

func (m *Memory) GetEntry(_ context.Context, id string) (*ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.entries {
		if m.entries[i].ID == id {
			e := m.entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (m *Memory) SessionExists(_ context.Context, stripeSessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[stripeSessionID], nil
}

func (m *Memory) ExpiredLots(_ context.Context, asOf time.Time) ([]ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lots []ledger.LedgerEntry
	for _, e := range m.entries {
		if e.Type == ledger.TypePurchase && !e.IsExpired &&
			e.ExpiresAt != nil && !e.ExpiresAt.After(asOf) {
			lots = append(lots, e)
		}
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].ExpiresAt.Before(*lots[j].ExpiresAt) })
	return lots, nil
}

func (m *Memory) ExpiringLots(_ context.Context, from, to time.Time) ([]ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lots []ledger.LedgerEntry
	for _, e := range m.entries {
		if e.Type == ledger.TypePurchase && !e.IsExpired && e.ExpiresAt != nil &&
			e.ExpiresAt.After(from) && !e.ExpiresAt.After(to) {
			lots = append(lots, e)
		}
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].ExpiresAt.Before(*lots[j].ExpiresAt) })
	return lots, nil
}

func (m *Memory) SumByType(_ context.Context, from, to time.Time) ([]ledger.TypeStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := make(map[ledger.EntryType]*ledger.TypeStat)
	for _, e := range m.entries {
		if e.CreatedAt.Before(from) || e.CreatedAt.After(to) {
			continue
		}
		s, ok := agg[e.Type]
		if !ok {
			s = &ledger.TypeStat{Type: e.Type}
			agg[e.Type] = s
		}
		s.Count++
		s.Sum += e.Amount
	}

	stats := make([]ledger.TypeStat, 0, len(agg))
	for _, s := range agg {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Type < stats[j].Type })
	return stats, nil
}

func (m *Memory) DailyTotals(_ context.Context, from, to time.Time) ([]ledger.DayTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byDay := make(map[time.Time]*ledger.DayTotal)
	for _, e := range m.entries {
		if e.CreatedAt.Before(from) || e.CreatedAt.After(to) {
			continue
		}
		day := e.CreatedAt.UTC().Truncate(24 * time.Hour)
		d, ok := byDay[day]
		if !ok {
			d = &ledger.DayTotal{Day: day}
			byDay[day] = d
		}
		switch e.Type {
		case ledger.TypePurchase:
			d.Purchased += e.Amount
		case ledger.TypeUsage:
			d.Used += -e.Amount
		}
	}

	days := make([]ledger.DayTotal, 0, len(byDay))
	for _, d := range byDay {
		days = append(days, *d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Day.Before(days[j].Day) })
	return days, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
