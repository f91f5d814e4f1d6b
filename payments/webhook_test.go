package payments_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uranai/points-ledger/ledger"
	"github.com/uranai/points-ledger/ledger/store"
	"github.com/uranai/points-ledger/payments"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type push struct {
	lineUserID string
	text       string
}

type fakeNotifier struct {
	mu     sync.Mutex
	pushes []push
}

func (n *fakeNotifier) Push(_ context.Context, lineUserID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushes = append(n.pushes, push{lineUserID, text})
	return nil
}

type fixture struct {
	store     *store.Memory
	processor *payments.Processor
	notifier  *fakeNotifier
	user      ledger.User
}

func newFixture(t *testing.T) *fixture {
	mem := store.NewMemory()
	u := ledger.NewUser("U-line-1", "テストユーザー", "")
	require.NoError(t, mem.CreateUser(context.Background(), u))

	notifier := &fakeNotifier{}
	mutator := ledger.NewMutator(mem)
	processor := payments.NewProcessor(testSecret, mutator, mem, notifier, "https://uranai.example.com")

	return &fixture{store: mem, processor: processor, notifier: notifier, user: u}
}

func checkoutEvent(userID, lineUserID, sessionID, points string, amountTotal int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": %q,
			"payment_intent": "pi_1",
			"payment_status": "paid",
			"amount_total": %d,
			"metadata": {"userId": %q, "points": %q, "planId": "plan_1000", "lineUserId": %q}
		}}
	}`, sessionID, amountTotal, userID, points, lineUserID))
}

func signed(body []byte) string {
	return payments.SignPayload(testSecret, body, time.Now())
}

// =============================================================================
// CHECKOUT COMPLETED
// =============================================================================

func TestWebhook_CheckoutCompleted_CreditsPoints(t *testing.T) {
	// GIVEN: A signed paid checkout session for 1000pt
	// WHEN: The delivery is handled
	// THEN: A PURCHASE entry is committed with the session ids and the
	//       user gets the purchase notification

	f := newFixture(t)
	ctx := context.Background()

	body := checkoutEvent(f.user.ID, f.user.LineUserID, "cs_1", "1000", 98000)
	receipt, err := f.processor.Handle(ctx, body, signed(body))
	require.NoError(t, err)

	assert.True(t, receipt.Handled)
	assert.False(t, receipt.Duplicate)
	require.NotEmpty(t, receipt.EntryID)

	entry, err := f.store.GetEntry(ctx, receipt.EntryID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, ledger.TypePurchase, entry.Type)
	assert.Equal(t, int64(1000), entry.Amount)
	assert.Equal(t, "cs_1", entry.StripeSessionID)
	assert.Equal(t, "pi_1", entry.StripePaymentID)
	require.NotNil(t, entry.ExpiresAt, "purchase lots must carry an expiry")

	after, err := f.store.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), after.Balance)

	require.Len(t, f.notifier.pushes, 1)
	assert.Equal(t, "U-line-1", f.notifier.pushes[0].lineUserID)
	assert.Contains(t, f.notifier.pushes[0].text, "🎉 ポイント購入完了！")
	assert.Contains(t, f.notifier.pushes[0].text, "¥980")
}

func TestWebhook_DuplicateDelivery_CreditsOnce(t *testing.T) {
	// GIVEN: A checkout session already applied
	// WHEN: Stripe redelivers the same event
	// THEN: Receipt{Duplicate: true}, no second credit, no error

	f := newFixture(t)
	ctx := context.Background()

	body := checkoutEvent(f.user.ID, f.user.LineUserID, "cs_dup", "1000", 98000)
	_, err := f.processor.Handle(ctx, body, signed(body))
	require.NoError(t, err)

	receipt, err := f.processor.Handle(ctx, body, signed(body))
	require.NoError(t, err)
	assert.True(t, receipt.Duplicate)
	assert.False(t, receipt.Handled)

	after, err := f.store.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), after.Balance)
}

func TestWebhook_BonusPlan_CreditsPurchaseAndBonus(t *testing.T) {
	// GIVEN: A paid checkout for a plan that carries bonus points
	// WHEN: The delivery is handled
	// THEN: A PURCHASE and a separate BONUS entry are committed

	f := newFixture(t)
	ctx := context.Background()

	body := []byte(fmt.Sprintf(`{
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_bonus",
			"payment_intent": "pi_bonus",
			"payment_status": "paid",
			"amount_total": 450000,
			"metadata": {"userId": %q, "points": "5000", "planId": "plan_5000", "lineUserId": %q}
		}}
	}`, f.user.ID, f.user.LineUserID))

	receipt, err := f.processor.Handle(ctx, body, signed(body))
	require.NoError(t, err)
	assert.True(t, receipt.Handled)

	after, err := f.store.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5500), after.Balance)

	bonuses, _, err := f.store.Entries(ctx, ledger.EntryFilter{UserID: f.user.ID, Type: ledger.TypeBonus})
	require.NoError(t, err)
	require.Len(t, bonuses, 1)
	assert.Equal(t, int64(500), bonuses[0].Amount)
	assert.Equal(t, "購入ボーナス (plan_5000)", bonuses[0].Description)
}

func TestWebhook_UnknownUser_AckedNotRetried(t *testing.T) {
	// GIVEN: A signed paid checkout naming a user that doesn't exist
	// WHEN: The delivery is handled
	// THEN: No error; Stripe must not redeliver a payload that can never apply

	f := newFixture(t)
	ctx := context.Background()

	body := checkoutEvent("no-such-user", "", "cs_ghost", "1000", 98000)
	receipt, err := f.processor.Handle(ctx, body, signed(body))
	require.NoError(t, err)
	assert.False(t, receipt.Handled)
	assert.False(t, receipt.Duplicate)
	assert.Empty(t, f.notifier.pushes)
}

func TestWebhook_SuspendedUser_AckedNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetUserStatus(ctx, f.user.ID, ledger.StatusSuspended))

	body := checkoutEvent(f.user.ID, f.user.LineUserID, "cs_susp", "1000", 98000)
	receipt, err := f.processor.Handle(ctx, body, signed(body))
	require.NoError(t, err)
	assert.False(t, receipt.Handled)

	after, err := f.store.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), after.Balance)
}

func TestWebhook_UnpaidSession_Ignored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte(fmt.Sprintf(`{
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_unpaid",
			"payment_status": "unpaid",
			"metadata": {"userId": %q, "points": "1000"}
		}}
	}`, f.user.ID))

	receipt, err := f.processor.Handle(ctx, body, signed(body))
	require.NoError(t, err)
	assert.False(t, receipt.Handled)

	after, err := f.store.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), after.Balance)
}

func TestWebhook_MalformedMetadata_Acked(t *testing.T) {
	// Missing user / non-numeric points cannot be applied, but the delivery
	// is acknowledged so Stripe stops retrying a payload that can never work.

	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		userID string
		points string
	}{
		{"missing user", "", "1000"},
		{"non-numeric points", f.user.ID, "lots"},
		{"negative points", f.user.ID, "-100"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := checkoutEvent(tc.userID, "", "cs_bad_"+tc.name, tc.points, 1000)
			receipt, err := f.processor.Handle(ctx, body, signed(body))
			require.NoError(t, err)
			assert.False(t, receipt.Handled)
		})
	}
}

// =============================================================================
// OTHER EVENTS
// =============================================================================

func TestWebhook_PaymentFailed_NotifiesWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte(fmt.Sprintf(`{
		"type": "payment_intent.payment_failed",
		"data": {"object": {
			"id": "pi_fail",
			"metadata": {"userId": %q, "lineUserId": %q}
		}}
	}`, f.user.ID, f.user.LineUserID))

	receipt, err := f.processor.Handle(ctx, body, signed(body))
	require.NoError(t, err)
	assert.True(t, receipt.Handled)

	after, err := f.store.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), after.Balance, "failure events never move points")

	require.Len(t, f.notifier.pushes, 1)
	assert.Contains(t, f.notifier.pushes[0].text, "❌ ポイント購入に失敗しました")
}

func TestWebhook_UnknownEventType_Acked(t *testing.T) {
	f := newFixture(t)

	body := []byte(`{"type": "customer.subscription.updated", "data": {"object": {}}}`)
	receipt, err := f.processor.Handle(context.Background(), body, signed(body))
	require.NoError(t, err)
	assert.False(t, receipt.Handled)
	assert.Equal(t, "customer.subscription.updated", receipt.EventType)
}

// =============================================================================
// SIGNATURE GATE
// =============================================================================

func TestWebhook_BadSignature_NeverApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := checkoutEvent(f.user.ID, f.user.LineUserID, "cs_forged", "99999", 1)
	_, err := f.processor.Handle(ctx, body, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, payments.ErrInvalidSignature)

	after, err := f.store.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), after.Balance)
	assert.Empty(t, f.notifier.pushes)
}
