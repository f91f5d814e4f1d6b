/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

CONVENTIONS:
  - camelCase JSON field names (frontend convention)
  - RFC3339 timestamps
  - Points are plain integers; JPY amounts are decimal strings

SEE ALSO:
  - handlers.go: Where these DTOs are used
  - ledger/types.go: Domain types these map from
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uranai/points-ledger/ledger"
)

// =============================================================================
// RESPONSE DTOs
// =============================================================================

// UserDTO is the account shape returned to the frontend.
type UserDTO struct {
	ID             string     `json:"id"`
	LineUserID     string     `json:"lineUserId"`
	DisplayName    string     `json:"displayName"`
	Email          string     `json:"email,omitempty"`
	Balance        int64      `json:"balance"`
	TotalPurchased int64      `json:"totalPurchased"`
	TotalUsed      int64      `json:"totalUsed"`
	Status         string     `json:"status"`
	Role           string     `json:"role"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastLoginAt    *time.Time `json:"lastLoginAt,omitempty"`
}

func toUserDTO(u ledger.User) UserDTO {
	dto := UserDTO{
		ID:             u.ID,
		LineUserID:     u.LineUserID,
		DisplayName:    u.DisplayName,
		Email:          u.Email,
		Balance:        u.Balance,
		TotalPurchased: u.TotalPurchased,
		TotalUsed:      u.TotalUsed,
		Status:         string(u.Status),
		Role:           string(u.Role),
		CreatedAt:      u.CreatedAt,
	}
	if !u.LastLoginAt.IsZero() {
		t := u.LastLoginAt
		dto.LastLoginAt = &t
	}
	return dto
}

// EntryDTO is one ledger row in history listings.
type EntryDTO struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	Type            string     `json:"type"`
	Amount          int64      `json:"amount"`
	Description     string     `json:"description"`
	BalanceBefore   int64      `json:"balanceBefore"`
	BalanceAfter    int64      `json:"balanceAfter"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	IsExpired       bool       `json:"isExpired,omitempty"`
	ExpiredAt       *time.Time `json:"expiredAt,omitempty"`
	StripeSessionID string     `json:"stripeSessionId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func toEntryDTO(e ledger.LedgerEntry) EntryDTO {
	return EntryDTO{
		ID:              e.ID,
		UserID:          e.UserID,
		Type:            string(e.Type),
		Amount:          e.Amount,
		Description:     e.Description,
		BalanceBefore:   e.BalanceBefore,
		BalanceAfter:    e.BalanceAfter,
		ExpiresAt:       e.ExpiresAt,
		IsExpired:       e.IsExpired,
		ExpiredAt:       e.ExpiredAt,
		StripeSessionID: e.StripeSessionID,
		CreatedAt:       e.CreatedAt,
	}
}

func toEntryDTOs(entries []ledger.LedgerEntry) []EntryDTO {
	dtos := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toEntryDTO(e))
	}
	return dtos
}

// PageDTO wraps a paginated listing.
type PageDTO[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// StatsDTO is the admin dashboard aggregate.
type StatsDTO struct {
	Range           string           `json:"range"`
	From            time.Time        `json:"from"`
	To              time.Time        `json:"to"`
	UsersByStatus   map[string]int   `json:"usersByStatus"`
	ActiveUsers     int              `json:"activeUsers"`
	NewUsers        int              `json:"newUsers"`
	PointsPurchased int64            `json:"pointsPurchased"`
	PointsUsed      int64            `json:"pointsUsed"`
	PointsExpired   int64            `json:"pointsExpired"`
	Revenue         decimal.Decimal  `json:"revenue"`
	ByType          []TypeStatDTO    `json:"byType"`
	Daily           []DailyBucketDTO `json:"daily"`
}

type TypeStatDTO struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
	Sum   int64  `json:"sum"`
}

type DailyBucketDTO struct {
	Day       string `json:"day"` // YYYY-MM-DD
	Purchased int64  `json:"purchased"`
	Used      int64  `json:"used"`
}

// VerifyDTO reports a ledger replay check for one user.
type VerifyDTO struct {
	UserID        string `json:"userId"`
	CachedBalance int64  `json:"cachedBalance"`
	ReplayBalance int64  `json:"replayBalance"`
	EntryCount    int    `json:"entryCount"`
	Consistent    bool   `json:"consistent"`
	BrokenEntryID string `json:"brokenEntryId,omitempty"`
}

// SweepReportDTO is the check-expiration response.
type SweepReportDTO struct {
	Processed int `json:"processed"`
	Warned    int `json:"warned"`
	Failed    int `json:"failed"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// REQUEST DTOs
// =============================================================================

// ChatCompleteRequest records a finished chat session and debits its cost.
type ChatCompleteRequest struct {
	LineUserID        string `json:"lineUserId"`
	FortuneTellerName string `json:"fortuneTellerName"`
	ChatType          string `json:"chatType"`
	Duration          int    `json:"duration"` // seconds
	PointsUsed        int64  `json:"pointsUsed"`
	ChatID            string `json:"chatId"`
}

// AdjustmentRequest is the admin manual correction body.
type AdjustmentRequest struct {
	UserID string `json:"userId"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// StatusRequest changes a user's account status.
type StatusRequest struct {
	Status string `json:"status"`
}
