/*
handlers.go - HTTP API handlers for the points ledger service

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Public:
    GET    /api/health                  Liveness and config probe
    GET    /api/plans                   Point plan catalog
    POST   /api/stripe/webhook          Signed Stripe event delivery
    POST   /api/points/check-expiration Cron-triggered expiration sweep

  Authenticated:
    GET    /api/user                    Current account and balance
    DELETE /api/user                    Hard-delete account and ledger
    GET    /api/transactions            Own point history (paginated)
    POST   /api/chat/complete           Debit a finished chat session

  Admin:
    GET    /api/admin/users             User listing with search
    GET    /api/admin/transactions      Cross-user ledger listing
    POST   /api/admin/adjustments       Manual balance correction
    GET    /api/admin/stats             Dashboard aggregates
    GET    /api/admin/users/{id}/verify Ledger replay check
    PUT    /api/admin/users/{id}/status Suspend / reactivate

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (mutator, sweeper, queries)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, bad signature
  - 401/403: Auth middleware (see auth package)
  - 404: User not found
  - 500: Store failures
  End users get a generic message for domain rejections; the admin
  surface returns the specific error text.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - ledger/mutator.go: The domain logic behind every mutation
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/uranai/points-ledger/auth"
	"github.com/uranai/points-ledger/ledger"
	"github.com/uranai/points-ledger/notify"
	"github.com/uranai/points-ledger/payments"
)

// maxWebhookBody bounds webhook payload reads.
const maxWebhookBody = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    ledger.Store
	Mutator  *ledger.Mutator
	Sweeper  *ledger.Sweeper
	Webhook  *payments.Processor
	Notifier notify.Notifier
	AppURL   string
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(store ledger.Store, mutator *ledger.Mutator, sweeper *ledger.Sweeper, webhook *payments.Processor, notifier notify.Notifier) *Handler {
	return &Handler{
		Store:    store,
		Mutator:  mutator,
		Sweeper:  sweeper,
		Webhook:  webhook,
		Notifier: notifier,
	}
}

// =============================================================================
// PUBLIC HANDLERS
// =============================================================================

// Health returns a liveness probe.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ListPlans returns the purchasable point plan catalog.
// GET /api/plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, payments.Plans)
}

// StripeWebhook processes one signed Stripe delivery.
// POST /api/stripe/webhook
//
// Status contract: 400 for signature failures (Stripe will not retry a
// forged payload), 500 for transient store failures (Stripe retries), 200
// for everything else including duplicates and unknown event types.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}

	receipt, err := h.Webhook.Handle(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, payments.ErrInvalidSignature) {
		writeError(w, http.StatusBadRequest, "Invalid signature", nil)
		return
	}
	if err != nil {
		log.Printf("[API] Webhook processing failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Webhook handler failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// CheckExpiration runs the expiration sweep immediately. Intended for an
// external cron trigger; the background scheduler calls the same code.
// POST /api/points/check-expiration
func (h *Handler) CheckExpiration(w http.ResponseWriter, r *http.Request) {
	report, err := h.Sweeper.Run(r.Context(), time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Expiration sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepReportDTO{
		Processed: report.Processed,
		Warned:    report.Warned,
		Failed:    report.Failed,
	})
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// GetMe returns the authenticated user's account and balance.
// GET /api/user
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	u, err := h.Store.GetUser(r.Context(), p.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get user", nil)
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "User not found", nil)
		return
	}

	if err := h.Store.TouchLastLogin(r.Context(), u.ID, time.Now().UTC()); err != nil {
		log.Printf("[API] Failed to touch last login for %s: %v", u.ID, err)
	}
	writeJSON(w, http.StatusOK, toUserDTO(*u))
}

// DeleteMe hard-deletes the authenticated user and purges their ledger.
// DELETE /api/user
func (h *Handler) DeleteMe(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	err := h.Store.DeleteUser(r.Context(), p.UserID)
	if errors.Is(err, ledger.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "User not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete account", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// GetTransactions returns the authenticated user's point history.
// GET /api/transactions?type=USAGE&limit=20&offset=0
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	entryType := ledger.EntryType(r.URL.Query().Get("type"))
	if entryType != "" && !entryType.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown transaction type", nil)
		return
	}

	page, err := ledger.History(r.Context(), h.Store, p.UserID, entryType,
		queryInt(r, "limit", 20), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get transactions", nil)
		return
	}

	writeJSON(w, http.StatusOK, PageDTO[EntryDTO]{
		Items:  toEntryDTOs(page.Entries),
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

// ChatComplete debits the cost of a finished chat session and sends the
// completion notification.
// POST /api/chat/complete
func (h *Handler) ChatComplete(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())

	var req ChatCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PointsUsed <= 0 {
		writeError(w, http.StatusBadRequest, "pointsUsed must be positive", nil)
		return
	}

	desc := "占いチャット利用"
	if req.FortuneTellerName != "" {
		desc = fmt.Sprintf("占いチャット利用: %s", req.FortuneTellerName)
	}

	entry, err := h.Mutator.Apply(r.Context(), ledger.ApplyInput{
		UserID:      p.UserID,
		Type:        ledger.TypeUsage,
		Amount:      -req.PointsUsed,
		Description: desc,
	})
	if err != nil {
		h.writeDomainError(w, err, false)
		return
	}

	lineUserID := req.LineUserID
	if lineUserID == "" {
		lineUserID = p.LineUserID
	}
	if lineUserID != "" {
		h.notifyChatComplete(r, lineUserID, req)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entry":   toEntryDTO(*entry),
		"balance": entry.BalanceAfter,
	})
}

func (h *Handler) notifyChatComplete(r *http.Request, lineUserID string, req ChatCompleteRequest) {
	minutes := (req.Duration + 59) / 60
	text := fmt.Sprintf("🔮 占いチャット完了\n\n👤 %s\n📝 %s\n⏰ %d分間\n💰 消費ポイント: %dpt\n\nありがとうございました！\nまたのご利用をお待ちしております。",
		req.FortuneTellerName, req.ChatType, minutes, req.PointsUsed)
	if h.AppURL != "" {
		text += fmt.Sprintf("\n\n👉 占いチャット: %s/chat", h.AppURL)
	}
	if err := h.Notifier.Push(r.Context(), lineUserID, text); err != nil {
		log.Printf("[API] Chat completion notification failed: %v", err)
	}
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// AdminListUsers returns a paginated user listing with search.
// GET /api/admin/users?status=ACTIVE&search=tanaka&limit=50&offset=0
func (h *Handler) AdminListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	users, total, err := h.Store.ListUsers(r.Context(), ledger.UserFilter{
		Status: ledger.UserStatus(q.Get("status")),
		Search: q.Get("search"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users", err)
		return
	}

	dtos := make([]UserDTO, 0, len(users))
	for _, u := range users {
		dtos = append(dtos, toUserDTO(u))
	}
	writeJSON(w, http.StatusOK, PageDTO[UserDTO]{Items: dtos, Total: total, Limit: limit, Offset: offset})
}

// AdminListTransactions returns ledger entries across all users.
// GET /api/admin/transactions?userId=&type=&from=&to=&limit=&offset=
func (h *Handler) AdminListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.EntryFilter{
		UserID: q.Get("userId"),
		Type:   ledger.EntryType(q.Get("type")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown transaction type", nil)
		return
	}
	for param, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s (use RFC3339)", param), err)
				return
			}
			*dst = &t
		}
	}

	entries, total, err := h.Store.Entries(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, PageDTO[EntryDTO]{
		Items:  toEntryDTOs(entries),
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// AdminCreateAdjustment applies a manual balance correction.
// POST /api/admin/adjustments
func (h *Handler) AdminCreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, ledger.ErrReasonRequired.Error(), nil)
		return
	}

	entry, err := h.Mutator.Apply(r.Context(), ledger.ApplyInput{
		UserID:      req.UserID,
		Type:        ledger.TypeAdjustment,
		Amount:      req.Amount,
		Description: fmt.Sprintf("管理者調整: %s", req.Reason),
	})
	if err != nil {
		h.writeDomainError(w, err, true)
		return
	}

	p := auth.FromContext(r.Context())
	log.Printf("[API] Adjustment of %d points applied to %s by admin %s (entry %s)",
		req.Amount, req.UserID, p.UserID, entry.ID)
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// AdminStats returns dashboard aggregates over a range.
// GET /api/admin/stats?range=week|month|year
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	to := time.Now().UTC()
	rng := r.URL.Query().Get("range")
	var from time.Time
	switch rng {
	case "", "month":
		rng = "month"
		from = to.AddDate(0, -1, 0)
	case "week":
		from = to.AddDate(0, 0, -7)
	case "year":
		from = to.AddDate(-1, 0, 0)
	default:
		writeError(w, http.StatusBadRequest, "range must be week, month, or year", nil)
		return
	}

	stats, err := ledger.CollectStats(r.Context(), h.Store, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to collect stats", err)
		return
	}

	dto := StatsDTO{
		Range:           rng,
		From:            stats.From,
		To:              stats.To,
		UsersByStatus:   make(map[string]int, len(stats.UsersByStatus)),
		ActiveUsers:     stats.ActiveLast30d,
		NewUsers:        stats.NewUsers,
		PointsPurchased: stats.PointsPurchased,
		PointsUsed:      stats.PointsUsed,
		PointsExpired:   stats.PointsExpired,
		Revenue:         payments.RevenueForPoints(stats.PointsPurchased),
		ByType:          make([]TypeStatDTO, 0, len(stats.ByType)),
		Daily:           make([]DailyBucketDTO, 0, len(stats.Growth)),
	}
	for status, n := range stats.UsersByStatus {
		dto.UsersByStatus[string(status)] = n
	}
	for _, t := range stats.ByType {
		dto.ByType = append(dto.ByType, TypeStatDTO{Type: string(t.Type), Count: t.Count, Sum: t.Sum})
	}
	for _, d := range stats.Growth {
		dto.Daily = append(dto.Daily, DailyBucketDTO{
			Day:       d.Day.Format("2006-01-02"),
			Purchased: d.Purchased,
			Used:      d.Used,
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

// AdminVerifyUser replays a user's ledger against the cached balance.
// GET /api/admin/users/{id}/verify
func (h *Handler) AdminVerifyUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	result, err := ledger.VerifyReplay(r.Context(), h.Store, userID)
	if errors.Is(err, ledger.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "User not found", nil)
		return
	}
	if err != nil {
		// Broken snapshot chain: surface the offending entry to the admin.
		writeJSON(w, http.StatusOK, VerifyDTO{
			UserID:        userID,
			Consistent:    false,
			BrokenEntryID: err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, VerifyDTO{
		UserID:        result.UserID,
		CachedBalance: result.CachedBalance,
		ReplayBalance: result.ReplayedSum,
		EntryCount:    result.EntryCount,
		Consistent:    result.Consistent,
	})
}

// AdminSetUserStatus suspends, reactivates, or soft-deletes an account.
// PUT /api/admin/users/{id}/status
func (h *Handler) AdminSetUserStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	status := ledger.UserStatus(req.Status)
	switch status {
	case ledger.StatusActive, ledger.StatusSuspended, ledger.StatusDeleted:
	default:
		writeError(w, http.StatusBadRequest, "status must be ACTIVE, SUSPENDED, or DELETED", nil)
		return
	}

	err := h.Store.SetUserStatus(r.Context(), userID, status)
	if errors.Is(err, ledger.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "User not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": userID, "status": string(status)})
}

// =============================================================================
// HELPERS
// =============================================================================

// writeDomainError maps mutator errors to HTTP. Admins get the specific
// error text; end users get a generic message so internals don't leak.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, admin bool) {
	msg := "リクエストを処理できませんでした"
	if admin {
		msg = err.Error()
	}

	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "User not found", nil)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		if !admin {
			msg = "ポイント残高が不足しています"
		}
		writeError(w, http.StatusBadRequest, msg, nil)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, msg, nil)
	default:
		log.Printf("[API] Internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
