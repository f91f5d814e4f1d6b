/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Boundary packages (api, payments) wrap these with transport context.

ERROR CATEGORIES:
  1. Validation errors - bad amount, missing reason, unknown user
  2. Consistency errors - insufficient balance
  3. Idempotent no-ops - duplicate payment session (treated as success)
  4. Store errors - transient database failures, retryable

USAGE:
  Callers branch with errors.Is():

    if errors.Is(err, ledger.ErrInsufficientBalance) {
        // reject without retry
    }

SEE ALSO:
  - mutator.go: produces validation and consistency errors
  - store/: maps driver errors onto these sentinels
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUserNotFound is returned when the referenced user doesn't exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserNotActive is returned when the user is suspended or deleted.
	// Mutations are only accepted for ACTIVE users.
	ErrUserNotActive = errors.New("user is not active")

	// ErrInsufficientBalance is returned when a debit would drive the
	// balance below zero. Nothing is written.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount is returned when the amount is zero or its sign
	// doesn't match the entry type.
	ErrInvalidAmount = errors.New("invalid amount for entry type")

	// ErrReasonRequired is returned when an adjustment is submitted
	// without a human-readable reason.
	ErrReasonRequired = errors.New("adjustment reason is required")

	// ErrDuplicateSession is returned when a PURCHASE with the same Stripe
	// session id already exists. Expected on webhook redelivery; callers
	// treat it as success.
	ErrDuplicateSession = errors.New("payment session already processed")

	// ErrLotAlreadySwept is returned when marking a purchase lot that a
	// concurrent or earlier sweep already retired. Safe to skip.
	ErrLotAlreadySwept = errors.New("lot already swept")

	// ErrStoreFailed wraps transient persistence failures. Retryable.
	ErrStoreFailed = errors.New("store operation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports the shortfall of a rejected debit.
type InsufficientBalanceError struct {
	UserID    string
	Balance   int64
	Requested int64 // absolute points requested
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d, need %d", e.Balance, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// StoreError wraps a driver-level failure so callers can detect transience
// without importing driver packages.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return ErrStoreFailed
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreFailed)
}

// IsClientError returns true if the error is due to invalid caller input
// rather than a system failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrReasonRequired) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrUserNotActive)
}

// IsNotFound returns true if the error indicates a missing user.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}
