package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uranai/points-ledger/api"
	"github.com/uranai/points-ledger/auth"
	"github.com/uranai/points-ledger/ledger"
	"github.com/uranai/points-ledger/ledger/store"
	"github.com/uranai/points-ledger/payments"
)

const webhookSecret = "whsec_test_secret"

// =============================================================================
// TEST FIXTURE
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

func (n *fakeNotifier) sent() []push {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]push(nil), n.pushes...)
}

type env struct {
	store    *store.Memory
	mutator  *ledger.Mutator
	notifier *fakeNotifier
	tokens   *auth.Tokens
	router   http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()

	mem := store.NewMemory()
	notifier := &fakeNotifier{}
	mutator := ledger.NewMutator(mem)
	sweeper := ledger.NewSweeper(mem, mutator, notifier)
	webhook := payments.NewProcessor(webhookSecret, mutator, mem, notifier, "")
	tokens := auth.NewTokens("test-jwt-secret", time.Hour)
	handler := api.NewHandler(mem, mutator, sweeper, webhook, notifier)
	handler.AppURL = "https://uranai.example.com"

	return &env{
		store:    mem,
		mutator:  mutator,
		notifier: notifier,
		tokens:   tokens,
		router:   api.NewRouter(handler, tokens),
	}
}

// newUser creates an active user and returns it with a bearer token.
func (e *env) newUser(t *testing.T, lineUserID string, role ledger.UserRole) (ledger.User, string) {
	t.Helper()
	u := ledger.NewUser(lineUserID, "テストユーザー", "")
	u.Role = role
	require.NoError(t, e.store.CreateUser(context.Background(), u))
	token, err := e.tokens.Issue(u)
	require.NoError(t, err)
	return u, token
}

func (e *env) credit(t *testing.T, userID string, points int64) {
	t.Helper()
	_, err := e.mutator.Apply(context.Background(), ledger.ApplyInput{
		UserID:          userID,
		Type:            ledger.TypePurchase,
		Amount:          points,
		Description:     fmt.Sprintf("ポイント購入 - %dpt", points),
		StripeSessionID: fmt.Sprintf("cs_seed_%s_%d", userID, points),
	})
	require.NoError(t, err)
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

// =============================================================================
// PUBLIC ROUTES
// =============================================================================

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
}

func TestListPlans(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/plans", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	plans := decode[[]payments.Plan](t, rec)
	require.Len(t, plans, len(payments.Plans))
	assert.Equal(t, "plan_500", plans[0].ID)
}

func TestStripeWebhook_SignedDelivery_Credits(t *testing.T) {
	// GIVEN: An active user and a properly signed checkout event
	// WHEN: POSTed to the webhook route
	// THEN: 200 with Handled=true and the balance is credited

	e := newEnv(t)
	u, _ := e.newUser(t, "U-wh-1", ledger.RoleUser)

	body := []byte(fmt.Sprintf(`{
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_http_1",
			"payment_intent": "pi_http_1",
			"payment_status": "paid",
			"amount_total": 98000,
			"metadata": {"userId": %q, "points": "1000", "lineUserId": %q}
		}}
	}`, u.ID, u.LineUserID))

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", payments.SignPayload(webhookSecret, body, time.Now()))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decode[payments.Receipt](t, rec)
	assert.True(t, receipt.Handled)

	after, err := e.store.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), after.Balance)
}

func TestStripeWebhook_BadSignature_400(t *testing.T) {
	e := newEnv(t)

	body := []byte(`{"type": "checkout.session.completed", "data": {"object": {}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckExpiration_SweepsOverdueLots(t *testing.T) {
	// GIVEN: A lot that expired yesterday
	// WHEN: The cron route triggers a sweep
	// THEN: The report counts it and the balance is zeroed

	e := newEnv(t)
	u, _ := e.newUser(t, "U-sweep-1", ledger.RoleUser)

	past := time.Now().UTC().Add(-24 * time.Hour)
	_, err := e.mutator.Apply(context.Background(), ledger.ApplyInput{
		UserID:          u.ID,
		Type:            ledger.TypePurchase,
		Amount:          500,
		Description:     "ポイント購入 - 500pt",
		ExpiresAt:       &past,
		StripeSessionID: "cs_sweep_1",
	})
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/api/points/check-expiration", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[api.SweepReportDTO](t, rec)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 0, report.Failed)

	after, err := e.store.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), after.Balance)
}

// =============================================================================
// USER ROUTES
// =============================================================================

func TestGetMe_RequiresAuth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/user", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetMe_ReturnsAccount(t *testing.T) {
	e := newEnv(t)
	u, token := e.newUser(t, "U-me-1", ledger.RoleUser)
	e.credit(t, u.ID, 1000)

	rec := e.do(t, http.MethodGet, "/api/user", token, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	dto := decode[api.UserDTO](t, rec)
	assert.Equal(t, u.ID, dto.ID)
	assert.Equal(t, "U-me-1", dto.LineUserID)
	assert.Equal(t, int64(1000), dto.Balance)
	assert.Equal(t, int64(1000), dto.TotalPurchased)
}

func TestDeleteMe_PurgesAccount(t *testing.T) {
	e := newEnv(t)
	u, token := e.newUser(t, "U-del-1", ledger.RoleUser)
	e.credit(t, u.ID, 500)

	rec := e.do(t, http.MethodDelete, "/api/user", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	gone, err := e.store.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestGetTransactions_FiltersAndPaginates(t *testing.T) {
	e := newEnv(t)
	u, token := e.newUser(t, "U-tx-1", ledger.RoleUser)
	e.credit(t, u.ID, 1000)
	_, err := e.mutator.Apply(context.Background(), ledger.ApplyInput{
		UserID: u.ID, Type: ledger.TypeUsage, Amount: -300, Description: "占いチャット利用",
	})
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/api/transactions?type=USAGE", token, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[api.PageDTO[api.EntryDTO]](t, rec)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "USAGE", page.Items[0].Type)
	assert.Equal(t, int64(-300), page.Items[0].Amount)

	rec = e.do(t, http.MethodGet, "/api/transactions?type=BOGUS", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatComplete_DebitsAndNotifies(t *testing.T) {
	e := newEnv(t)
	u, token := e.newUser(t, "U-chat-1", ledger.RoleUser)
	e.credit(t, u.ID, 1000)

	rec := e.do(t, http.MethodPost, "/api/chat/complete", token, api.ChatCompleteRequest{
		FortuneTellerName: "星野先生",
		ChatType:          "タロット占い",
		Duration:          900,
		PointsUsed:        300,
		ChatID:            "chat-1",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.Equal(t, float64(700), body["balance"])

	pushes := e.notifier.sent()
	require.Len(t, pushes, 1)
	assert.Equal(t, "U-chat-1", pushes[0].lineUserID)
	assert.Contains(t, pushes[0].text, "🔮 占いチャット完了")
	assert.Contains(t, pushes[0].text, "星野先生")
	assert.Contains(t, pushes[0].text, "15分間")
	assert.Contains(t, pushes[0].text, "👉 占いチャット: https://uranai.example.com/chat")
}

func TestChatComplete_InsufficientBalance_400(t *testing.T) {
	// End users get the localized message, not the internal error text.

	e := newEnv(t)
	u, token := e.newUser(t, "U-chat-2", ledger.RoleUser)
	e.credit(t, u.ID, 100)

	rec := e.do(t, http.MethodPost, "/api/chat/complete", token, api.ChatCompleteRequest{
		PointsUsed: 500,
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, "ポイント残高が不足しています", resp.Error)

	after, err := e.store.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), after.Balance, "rejected debit must not move points")
}

func TestChatComplete_NonPositivePoints_400(t *testing.T) {
	e := newEnv(t)
	_, token := e.newUser(t, "U-chat-3", ledger.RoleUser)

	rec := e.do(t, http.MethodPost, "/api/chat/complete", token, api.ChatCompleteRequest{PointsUsed: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ADMIN ROUTES
// =============================================================================

func TestAdminRoutes_UserRole_403(t *testing.T) {
	e := newEnv(t)
	_, token := e.newUser(t, "U-plain-1", ledger.RoleUser)

	rec := e.do(t, http.MethodGet, "/api/admin/users", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminListUsers_SearchAndPage(t *testing.T) {
	e := newEnv(t)
	_, admin := e.newUser(t, "U-admin-1", ledger.RoleAdmin)

	tanaka := ledger.NewUser("U-line-t", "田中太郎", "tanaka@example.com")
	suzuki := ledger.NewUser("U-line-s", "鈴木花子", "suzuki@example.com")
	require.NoError(t, e.store.CreateUser(context.Background(), tanaka))
	require.NoError(t, e.store.CreateUser(context.Background(), suzuki))

	rec := e.do(t, http.MethodGet, "/api/admin/users?search=田中", admin, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[api.PageDTO[api.UserDTO]](t, rec)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "田中太郎", page.Items[0].DisplayName)
}

func TestAdminCreateAdjustment(t *testing.T) {
	e := newEnv(t)
	_, admin := e.newUser(t, "U-admin-2", ledger.RoleAdmin)
	u, _ := e.newUser(t, "U-adj-1", ledger.RoleUser)
	e.credit(t, u.ID, 1000)

	// GIVEN: A credit adjustment with a reason
	rec := e.do(t, http.MethodPost, "/api/admin/adjustments", admin, api.AdjustmentRequest{
		UserID: u.ID,
		Amount: 200,
		Reason: "障害補填",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decode[api.EntryDTO](t, rec)
	assert.Equal(t, "ADJUSTMENT", entry.Type)
	assert.Equal(t, "管理者調整: 障害補填", entry.Description)
	assert.Equal(t, int64(1200), entry.BalanceAfter)

	// WHEN: The reason is missing
	// THEN: 400, nothing applied
	rec = e.do(t, http.MethodPost, "/api/admin/adjustments", admin, api.AdjustmentRequest{
		UserID: u.ID,
		Amount: 50,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	after, err := e.store.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), after.Balance)
}

func TestAdminCreateAdjustment_UnknownUser_404(t *testing.T) {
	e := newEnv(t)
	_, admin := e.newUser(t, "U-admin-3", ledger.RoleAdmin)

	rec := e.do(t, http.MethodPost, "/api/admin/adjustments", admin, api.AdjustmentRequest{
		UserID: "no-such-user",
		Amount: 100,
		Reason: "テスト",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminStats(t *testing.T) {
	e := newEnv(t)
	_, admin := e.newUser(t, "U-admin-4", ledger.RoleAdmin)
	u, _ := e.newUser(t, "U-stats-1", ledger.RoleUser)
	e.credit(t, u.ID, 1000)
	_, err := e.mutator.Apply(context.Background(), ledger.ApplyInput{
		UserID: u.ID, Type: ledger.TypeUsage, Amount: -250, Description: "占いチャット利用",
	})
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/api/admin/stats?range=week", admin, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dto := decode[api.StatsDTO](t, rec)
	assert.Equal(t, "week", dto.Range)
	assert.Equal(t, int64(1000), dto.PointsPurchased)
	assert.Equal(t, int64(250), dto.PointsUsed)
	assert.Equal(t, "980", dto.Revenue.String(), "1000pt matches plan_1000 pricing")

	rec = e.do(t, http.MethodGet, "/api/admin/stats?range=decade", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminVerifyUser(t *testing.T) {
	e := newEnv(t)
	_, admin := e.newUser(t, "U-admin-5", ledger.RoleAdmin)
	u, _ := e.newUser(t, "U-verify-1", ledger.RoleUser)
	e.credit(t, u.ID, 1000)
	_, err := e.mutator.Apply(context.Background(), ledger.ApplyInput{
		UserID: u.ID, Type: ledger.TypeUsage, Amount: -400, Description: "占いチャット利用",
	})
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/api/admin/users/"+u.ID+"/verify", admin, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	dto := decode[api.VerifyDTO](t, rec)
	assert.True(t, dto.Consistent)
	assert.Equal(t, int64(600), dto.CachedBalance)
	assert.Equal(t, int64(600), dto.ReplayBalance)
	assert.Equal(t, 2, dto.EntryCount)

	rec = e.do(t, http.MethodGet, "/api/admin/users/no-such-user/verify", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminSetUserStatus_SuspensionBlocksMutations(t *testing.T) {
	// GIVEN: An admin suspends a user
	// WHEN: The suspended user finishes a chat
	// THEN: The debit is rejected

	e := newEnv(t)
	_, admin := e.newUser(t, "U-admin-6", ledger.RoleAdmin)
	u, token := e.newUser(t, "U-susp-1", ledger.RoleUser)
	e.credit(t, u.ID, 1000)

	rec := e.do(t, http.MethodPut, "/api/admin/users/"+u.ID+"/status", admin, api.StatusRequest{Status: "SUSPENDED"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/chat/complete", token, api.ChatCompleteRequest{PointsUsed: 100})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPut, "/api/admin/users/"+u.ID+"/status", admin, api.StatusRequest{Status: "ONLINE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown status names are rejected")
}
