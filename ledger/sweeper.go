/*
sweeper.go - Periodic expiration of purchase lots

PURPOSE:
  Points bought via Stripe expire six months after purchase. The sweeper
  finds PURCHASE entries past their expiry, debits the corresponding
  amount, marks the lot as swept, and notifies the user. A second pass
  warns users about lots expiring soon.

CLAMPED DEBIT:
  The debit is min(current balance, lot amount), computed inside the
  user-row lock. A lot can be partially or fully spent by the time it
  expires; the clamp keeps the balance from going negative. Lot-precise
  FIFO tracking is deliberately not attempted - expiration is a
  balance-level operation.

IDEMPOTENCE:
  Each lot is processed in its own atomic unit, and marking a lot swept
  is conditional on it not being swept already. A crash mid-sweep simply
  resumes on the next run; a concurrent sweep loses the mark race and
  skips the lot.

NOTIFICATIONS:
  Sent after the commit, best-effort. A messaging failure is logged and
  never rolls back the ledger write.

SEE ALSO:
  - mutator.go: ExpireLot, the atomic per-lot operation
  - api/scheduler.go: background ticker driving Run
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/uranai/points-ledger/notify"
)

// DefaultWarningWindow is how far ahead the warning pass looks.
const DefaultWarningWindow = 30 * 24 * time.Hour

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Processed int // lots expired this run
	Warned    int // users warned about upcoming expiry
	Failed    int // lots that errored and will be retried next run
}

// Sweeper expires purchase lots and warns about upcoming expirations.
type Sweeper struct {
	Store         Store
	Mutator       *Mutator
	Notifier      notify.Notifier
	WarningWindow time.Duration
}

func NewSweeper(store Store, mutator *Mutator, notifier notify.Notifier) *Sweeper {
	return &Sweeper{
		Store:         store,
		Mutator:       mutator,
		Notifier:      notifier,
		WarningWindow: DefaultWarningWindow,
	}
}

// Run executes one sweep as of now. Safe to call concurrently or repeatedly;
// already swept lots are never reprocessed.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (*SweepReport, error) {
	report := &SweepReport{}

	lots, err := s.Store.ExpiredLots(ctx, now)
	if err != nil {
		return nil, err
	}
	log.Printf("[Sweeper] %d expired lots to process", len(lots))

	for _, lot := range lots {
		if err := s.processLot(ctx, lot, now); err != nil {
			if errors.Is(err, ErrLotAlreadySwept) {
				continue
			}
			log.Printf("[Sweeper] lot %s failed: %v", lot.ID, err)
			report.Failed++
			continue
		}
		report.Processed++
	}

	warned, err := s.warn(ctx, now)
	if err != nil {
		// The expiration pass already committed; report what we have.
		log.Printf("[Sweeper] warning pass failed: %v", err)
		return report, nil
	}
	report.Warned = warned

	return report, nil
}

// processLot expires a single lot atomically, then notifies.
func (s *Sweeper) processLot(ctx context.Context, lot LedgerEntry, now time.Time) error {
	entry, err := s.Mutator.ExpireLot(ctx, lot, now)
	if err != nil {
		return err
	}
	if entry == nil {
		// Zero-clamped: the lot was already spent, nothing to tell the user.
		return nil
	}

	user, err := s.Store.GetUser(ctx, lot.UserID)
	if err != nil || user == nil || user.LineUserID == "" {
		return nil
	}

	msg := fmt.Sprintf(
		"⏰ ポイント有効期限のお知らせ\n\n%dptが有効期限切れとなりました。\n\n購入日: %s\n現在の残高: %dpt\n\n※ポイントの有効期限は購入から6ヶ月です。お早めにご利用ください。",
		-entry.Amount, lot.CreatedAt.Format("2006/01/02"), user.Balance,
	)
	if err := s.Notifier.Push(ctx, user.LineUserID, msg); err != nil {
		log.Printf("[Sweeper] expiration notice to %s failed: %v", user.ID, err)
	}
	return nil
}

// warn sends one aggregated notice per user with lots expiring inside the
// warning window. No balance mutation happens here.
func (s *Sweeper) warn(ctx context.Context, now time.Time) (int, error) {
	window := s.WarningWindow
	if window <= 0 {
		window = DefaultWarningWindow
	}

	lots, err := s.Store.ExpiringLots(ctx, now, now.Add(window))
	if err != nil {
		return 0, err
	}

	type atRisk struct {
		total    int64
		earliest time.Time
	}
	byUser := make(map[string]*atRisk)
	for _, lot := range lots {
		if lot.ExpiresAt == nil {
			continue
		}
		r, ok := byUser[lot.UserID]
		if !ok {
			byUser[lot.UserID] = &atRisk{total: lot.Amount, earliest: *lot.ExpiresAt}
			continue
		}
		r.total += lot.Amount
		if lot.ExpiresAt.Before(r.earliest) {
			r.earliest = *lot.ExpiresAt
		}
	}

	warned := 0
	for userID, r := range byUser {
		user, err := s.Store.GetUser(ctx, userID)
		if err != nil || user == nil || user.LineUserID == "" {
			continue
		}

		days := int(math.Ceil(r.earliest.Sub(now).Hours() / 24))
		msg := fmt.Sprintf(
			"⚠️ ポイント有効期限のお知らせ\n\n%dptが%d日後に有効期限を迎えます。\n\n有効期限: %s\n現在の残高: %dpt\n\nお早めにご利用ください！",
			r.total, days, r.earliest.Format("2006/01/02"), user.Balance,
		)
		if err := s.Notifier.Push(ctx, user.LineUserID, msg); err != nil {
			log.Printf("[Sweeper] warning notice to %s failed: %v", userID, err)
			continue
		}
		warned++
	}

	return warned, nil
}
