package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uranai/points-ledger/ledger"
)

// Internal test package so we can pin the clock on Tokens.

func testTokens(secret string) *Tokens {
	return NewTokens(secret, time.Hour)
}

// =============================================================================
// ISSUE / VERIFY
// =============================================================================

func TestTokens_RoundTrip(t *testing.T) {
	// GIVEN: A user with an admin role
	// WHEN: A token is issued and verified with the same secret
	// THEN: The principal carries the user id, LINE id and role

	tokens := testTokens("secret-1")
	u := ledger.NewUser("U-line-9", "管理者", "admin@example.com")
	u.Role = ledger.RoleAdmin

	raw, err := tokens.Issue(u)
	require.NoError(t, err)

	p, err := tokens.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, u.ID, p.UserID)
	assert.Equal(t, "U-line-9", p.LineUserID)
	assert.Equal(t, ledger.RoleAdmin, p.Role)
	assert.True(t, p.IsAdmin())
}

func TestTokens_UnknownRole_DowngradedToUser(t *testing.T) {
	tokens := testTokens("secret-1")
	u := ledger.NewUser("U-line-9", "", "")
	u.Role = ledger.UserRole("SUPERUSER")

	raw, err := tokens.Issue(u)
	require.NoError(t, err)

	p, err := tokens.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, ledger.RoleUser, p.Role)
	assert.False(t, p.IsAdmin())
}

func TestTokens_WrongSecret_Rejected(t *testing.T) {
	raw, err := testTokens("secret-1").Issue(ledger.NewUser("U-1", "", ""))
	require.NoError(t, err)

	_, err = testTokens("secret-2").Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokens_Expired_Rejected(t *testing.T) {
	// GIVEN: A token issued an hour ago with a 30 minute ttl
	// WHEN: Verified at the current time
	// THEN: ErrInvalidToken

	issued := NewTokens("secret-1", 30*time.Minute)
	issued.now = func() time.Time { return time.Now().Add(-time.Hour) }

	raw, err := issued.Issue(ledger.NewUser("U-1", "", ""))
	require.NoError(t, err)

	_, err = testTokens("secret-1").Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokens_Garbage_Rejected(t *testing.T) {
	_, err := testTokens("secret-1").Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func principalEcho(t *testing.T, captured **Principal) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_NoToken_401(t *testing.T) {
	tokens := testTokens("secret-1")

	var got *Principal
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
	tokens.Middleware(principalEcho(t, &got)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, got)
	assert.Contains(t, rec.Body.String(), "missing bearer token")
}

func TestMiddleware_ValidToken_SetsPrincipal(t *testing.T) {
	tokens := testTokens("secret-1")
	u := ledger.NewUser("U-line-3", "", "")
	raw, err := tokens.Issue(u)
	require.NoError(t, err)

	var got *Principal
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	tokens.Middleware(principalEcho(t, &got)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, u.ID, got.UserID)
	assert.Equal(t, "U-line-3", got.LineUserID)
}

func TestMiddleware_BadScheme_401(t *testing.T) {
	tokens := testTokens("secret-1")

	var got *Principal
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	tokens.Middleware(principalEcho(t, &got)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, got)
}

func TestRequireAdmin_UserRole_403(t *testing.T) {
	tokens := testTokens("secret-1")
	raw, err := tokens.Issue(ledger.NewUser("U-line-4", "", ""))
	require.NoError(t, err)

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	tokens.Middleware(RequireAdmin(next)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, called)
	assert.Contains(t, rec.Body.String(), "admin access required")
}

func TestRequireAdmin_AdminRole_Passes(t *testing.T) {
	tokens := testTokens("secret-1")
	admin := ledger.NewUser("U-line-5", "", "")
	admin.Role = ledger.RoleAdmin
	raw, err := tokens.Issue(admin)
	require.NoError(t, err)

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	tokens.Middleware(RequireAdmin(next)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}
