package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uranai/points-ledger/ledger"
	"github.com/uranai/points-ledger/ledger/store"
)

func seed(t *testing.T, m *store.Memory, lineUserID string) ledger.User {
	u := ledger.NewUser(lineUserID, "テストユーザー", "")
	require.NoError(t, m.CreateUser(context.Background(), u))
	return u
}

func purchaseMutation(u ledger.User, amount int64, sessionID string, expiresAt *time.Time) *ledger.Mutation {
	now := time.Now().UTC()
	entry := ledger.LedgerEntry{
		ID:              "e-" + sessionID,
		UserID:          u.ID,
		Type:            ledger.TypePurchase,
		Amount:          amount,
		Description:     "ポイント購入",
		BalanceBefore:   u.Balance,
		BalanceAfter:    u.Balance + amount,
		ExpiresAt:       expiresAt,
		StripeSessionID: sessionID,
		CreatedAt:       now,
	}
	u.Balance += amount
	u.TotalPurchased += amount
	return &ledger.Mutation{Entry: &entry, User: u}
}

// =============================================================================
// MUTATE ATOMICITY
// =============================================================================

func TestMemory_Mutate_AppliesEntryAndBalanceTogether(t *testing.T) {
	m := store.NewMemory()
	u := seed(t, m, "U-mem-1")
	ctx := context.Background()

	_, err := m.Mutate(ctx, u.ID, func(u ledger.User) (*ledger.Mutation, error) {
		return purchaseMutation(u, 500, "cs_mem_1", nil), nil
	})
	require.NoError(t, err)

	after, err := m.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), after.Balance)

	exists, err := m.SessionExists(ctx, "cs_mem_1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMemory_Mutate_DuplicateSession_AllOrNothing(t *testing.T) {
	// GIVEN: A session id already recorded
	// WHEN: A second mutation reuses it
	// THEN: ErrDuplicateSession and the user row is untouched

	m := store.NewMemory()
	u := seed(t, m, "U-mem-2")
	ctx := context.Background()

	_, err := m.Mutate(ctx, u.ID, func(u ledger.User) (*ledger.Mutation, error) {
		return purchaseMutation(u, 500, "cs_dup", nil), nil
	})
	require.NoError(t, err)

	_, err = m.Mutate(ctx, u.ID, func(u ledger.User) (*ledger.Mutation, error) {
		return purchaseMutation(u, 500, "cs_dup", nil), nil
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateSession)

	after, err := m.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), after.Balance, "failed mutation must not move the balance")

	_, total, err := m.Entries(ctx, ledger.EntryFilter{UserID: u.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestMemory_Mutate_MarkAlreadySwept_Rejected(t *testing.T) {
	m := store.NewMemory()
	u := seed(t, m, "U-mem-3")
	ctx := context.Background()

	expires := time.Now().UTC().Add(-time.Hour)
	_, err := m.Mutate(ctx, u.ID, func(u ledger.User) (*ledger.Mutation, error) {
		return purchaseMutation(u, 500, "cs_sweep", &expires), nil
	})
	require.NoError(t, err)

	mark := &ledger.ExpiredMark{EntryID: "e-cs_sweep", At: time.Now().UTC()}
	_, err = m.Mutate(ctx, u.ID, func(u ledger.User) (*ledger.Mutation, error) {
		return &ledger.Mutation{User: u, MarkExpired: mark}, nil
	})
	require.NoError(t, err)

	_, err = m.Mutate(ctx, u.ID, func(u ledger.User) (*ledger.Mutation, error) {
		return &ledger.Mutation{User: u, MarkExpired: mark}, nil
	})
	assert.ErrorIs(t, err, ledger.ErrLotAlreadySwept)

	lots, err := m.ExpiredLots(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, lots, "swept lot must not come back")
}

func TestMemory_Mutate_UnknownUser(t *testing.T) {
	m := store.NewMemory()

	_, err := m.Mutate(context.Background(), "nope", func(u ledger.User) (*ledger.Mutation, error) {
		return &ledger.Mutation{User: u}, nil
	})
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
}

// =============================================================================
// USER QUERIES / DELETE
// =============================================================================

func TestMemory_DeleteUser_PurgesLedger(t *testing.T) {
	m := store.NewMemory()
	u := seed(t, m, "U-mem-del")
	ctx := context.Background()

	_, err := m.Mutate(ctx, u.ID, func(u ledger.User) (*ledger.Mutation, error) {
		return purchaseMutation(u, 500, "cs_del", nil), nil
	})
	require.NoError(t, err)

	require.NoError(t, m.DeleteUser(ctx, u.ID))

	gone, err := m.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	_, total, err := m.Entries(ctx, ledger.EntryFilter{UserID: u.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	exists, err := m.SessionExists(ctx, "cs_del")
	require.NoError(t, err)
	assert.False(t, exists, "idempotency key released with the account")
}

func TestMemory_ListUsers_FiltersAndPaginates(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	for _, id := range []string{"U-a", "U-b", "U-c"} {
		seed(t, m, id)
	}
	u := seed(t, m, "U-susp")
	require.NoError(t, m.SetUserStatus(ctx, u.ID, ledger.StatusSuspended))

	active, total, err := m.ListUsers(ctx, ledger.UserFilter{Status: ledger.StatusActive, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, active, 2)

	found, total, err := m.ListUsers(ctx, ledger.UserFilter{Search: "U-susp"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, found, 1)
	assert.Equal(t, ledger.StatusSuspended, found[0].Status)
}

func TestMemory_ExpiringLots_WindowBounds(t *testing.T) {
	m := store.NewMemory()
	u := seed(t, m, "U-mem-window")
	ctx := context.Background()
	now := time.Now().UTC()

	within := now.Add(10 * 24 * time.Hour)
	beyond := now.Add(60 * 24 * time.Hour)
	for i, exp := range []time.Time{within, beyond} {
		expires := exp
		sessionID := []string{"cs_w1", "cs_w2"}[i]
		_, err := m.Mutate(ctx, u.ID, func(u ledger.User) (*ledger.Mutation, error) {
			return purchaseMutation(u, 100, sessionID, &expires), nil
		})
		require.NoError(t, err)
	}

	lots, err := m.ExpiringLots(ctx, now, now.Add(30*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, "e-cs_w1", lots[0].ID)
}
