/*
Package notify is the outbound notification boundary.

PURPOSE:
  The ledger core treats user messaging as a black box: fire-and-forget
  push of a text message to a LINE user. Failures are logged by callers,
  never propagated into ledger commits.

IMPLEMENTATIONS:
  - Line: real LINE Messaging API push client
  - Log: logs messages instead of sending (dev, tests)

SEE ALSO:
  - ledger/sweeper.go: expiration and warning notifications
  - payments/webhook.go: purchase and payment-failure notifications
*/
package notify

import (
	"context"
	"log"
)

// Notifier pushes a text message to a LINE user. Implementations are
// best-effort: callers log errors and move on.
type Notifier interface {
	Push(ctx context.Context, lineUserID, text string) error
}

// Log is a Notifier that only logs. Used in development and tests.
type Log struct{}

func (Log) Push(_ context.Context, lineUserID, text string) error {
	log.Printf("[Notify] to=%s %q", lineUserID, text)
	return nil
}
