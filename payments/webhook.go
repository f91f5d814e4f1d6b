package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uranai/points-ledger/ledger"
	"github.com/uranai/points-ledger/notify"
)

// Event is the envelope Stripe posts to the webhook endpoint.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// CheckoutSession is the subset of checkout.session.completed we consume.
// Metadata is attached at checkout-session creation time.
type CheckoutSession struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	PaymentStatus string `json:"payment_status"`
	AmountTotal   int64  `json:"amount_total"`
	Metadata      struct {
		UserID     string `json:"userId"`
		Points     string `json:"points"`
		PlanID     string `json:"planId"`
		LineUserID string `json:"lineUserId"`
	} `json:"metadata"`
}

// PaymentIntent is the subset of payment_intent.payment_failed we consume.
type PaymentIntent struct {
	ID       string `json:"id"`
	Metadata struct {
		UserID     string `json:"userId"`
		LineUserID string `json:"lineUserId"`
	} `json:"metadata"`
}

// Receipt reports what a delivery did. The HTTP layer acknowledges with 200
// whenever a Receipt comes back; duplicates are successes, not errors.
type Receipt struct {
	EventType string `json:"eventType"`
	Handled   bool   `json:"handled"`
	Duplicate bool   `json:"duplicate"`
	EntryID   string `json:"entryId,omitempty"`
}

// Processor verifies and applies webhook deliveries.
type Processor struct {
	secret    string
	tolerance time.Duration
	mutator   *ledger.Mutator
	store     ledger.Store
	notifier  notify.Notifier
	appURL    string
	now       func() time.Time
}

// NewProcessor wires a webhook processor. appURL feeds the deep links in
// user notifications and may be empty.
func NewProcessor(secret string, mutator *ledger.Mutator, store ledger.Store, notifier notify.Notifier, appURL string) *Processor {
	return &Processor{
		secret:    secret,
		tolerance: DefaultTolerance,
		mutator:   mutator,
		store:     store,
		notifier:  notifier,
		appURL:    appURL,
		now:       time.Now,
	}
}

// Handle processes one signed delivery.
//
// Error contract: ErrInvalidSignature and transient store failures come back
// as errors (the endpoint must refuse or retry). Everything else - unknown
// event types, unpaid sessions, malformed metadata, duplicate sessions - is
// acknowledged via the Receipt so Stripe stops redelivering.
func (p *Processor) Handle(ctx context.Context, body []byte, signatureHeader string) (*Receipt, error) {
	if err := VerifySignature(p.secret, body, signatureHeader, p.now(), p.tolerance); err != nil {
		return nil, err
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("[Webhook] Malformed event payload: %v", err)
		return &Receipt{EventType: "unknown"}, nil
	}

	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutCompleted(ctx, event)
	case "payment_intent.payment_failed":
		return p.handlePaymentFailed(ctx, event)
	default:
		log.Printf("[Webhook] Unhandled event type: %s", event.Type)
		return &Receipt{EventType: event.Type}, nil
	}
}

func (p *Processor) handleCheckoutCompleted(ctx context.Context, event Event) (*Receipt, error) {
	receipt := &Receipt{EventType: event.Type}

	var session CheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		log.Printf("[Webhook] Malformed checkout session in %s: %v", event.ID, err)
		return receipt, nil
	}
	if session.PaymentStatus != "paid" {
		log.Printf("[Webhook] Session %s not paid (status=%s), ignoring", session.ID, session.PaymentStatus)
		return receipt, nil
	}

	userID := session.Metadata.UserID
	points, err := strconv.ParseInt(session.Metadata.Points, 10, 64)
	if userID == "" || err != nil || points <= 0 {
		log.Printf("[Webhook] Missing or invalid metadata in session %s (userId=%q points=%q)",
			session.ID, userID, session.Metadata.Points)
		return receipt, nil
	}

	// Cheap pre-check; the unique index still backstops the race.
	if exists, err := p.store.SessionExists(ctx, session.ID); err != nil {
		return nil, err
	} else if exists {
		log.Printf("[Webhook] Duplicate delivery for session %s, skipping", session.ID)
		receipt.Duplicate = true
		return receipt, nil
	}

	entry, err := p.mutator.Apply(ctx, ledger.ApplyInput{
		UserID:          userID,
		Type:            ledger.TypePurchase,
		Amount:          points,
		Description:     fmt.Sprintf("ポイント購入 - %dpt", points),
		StripePaymentID: session.PaymentIntent,
		StripeSessionID: session.ID,
	})
	if errors.Is(err, ledger.ErrDuplicateSession) {
		log.Printf("[Webhook] Lost idempotency race for session %s, already applied", session.ID)
		receipt.Duplicate = true
		return receipt, nil
	}
	if err != nil {
		if ledger.IsRetryable(err) {
			return nil, err
		}
		// Unknown or suspended user, bad amount: redelivery can never
		// succeed, so ack and leave the audit trail in the log.
		log.Printf("[Webhook] Session %s permanently rejected: %v", session.ID, err)
		return receipt, nil
	}

	receipt.Handled = true
	receipt.EntryID = entry.ID

	if plan := PlanByID(session.Metadata.PlanID); plan != nil && plan.BonusPoints > 0 {
		bonus, err := p.mutator.Apply(ctx, ledger.ApplyInput{
			UserID:      userID,
			Type:        ledger.TypeBonus,
			Amount:      plan.BonusPoints,
			Description: fmt.Sprintf("購入ボーナス (%s)", plan.ID),
		})
		if err != nil {
			log.Printf("[Webhook] Bonus credit failed for session %s: %v", session.ID, err)
		} else {
			log.Printf("[Webhook] Bonus %d pt credited (entry %s)", plan.BonusPoints, bonus.ID)
		}
	}

	if session.Metadata.LineUserID != "" {
		p.notifyPurchase(ctx, session.Metadata.LineUserID, points, session.AmountTotal)
	}
	log.Printf("[Webhook] Payment success: user %s purchased %d points (entry %s)", userID, points, entry.ID)
	return receipt, nil
}

func (p *Processor) handlePaymentFailed(ctx context.Context, event Event) (*Receipt, error) {
	receipt := &Receipt{EventType: event.Type, Handled: true}

	var intent PaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		log.Printf("[Webhook] Malformed payment intent in %s: %v", event.ID, err)
		return receipt, nil
	}

	if intent.Metadata.LineUserID != "" {
		text := "❌ ポイント購入に失敗しました\n\n決済処理中にエラーが発生いたしました。\nお手数ですが、再度お試しいただくか\nサポートまでお問い合わせください。"
		if p.appURL != "" {
			text += fmt.Sprintf("\n\n👉 再購入: %s/points/purchase", p.appURL)
		}
		if err := p.notifier.Push(ctx, intent.Metadata.LineUserID, text); err != nil {
			log.Printf("[Webhook] Failure notification error for %s: %v", intent.ID, err)
		}
	}
	log.Printf("[Webhook] Payment failed for user: %s", intent.Metadata.UserID)
	return receipt, nil
}

func (p *Processor) notifyPurchase(ctx context.Context, lineUserID string, points, amountTotal int64) {
	// amount_total arrives in minor units.
	yen := decimal.NewFromInt(amountTotal).Div(decimal.NewFromInt(100))
	text := fmt.Sprintf("🎉 ポイント購入完了！\n\n💳 購入ポイント: %dpt\n💰 決済金額: ¥%s\n\nすぐに占いチャットをお楽しみいただけます！", points, yen.StringFixed(0))
	if p.appURL != "" {
		text += fmt.Sprintf("\n\n👉 チャット開始: %s/chat", p.appURL)
	}
	if err := p.notifier.Push(ctx, lineUserID, text); err != nil {
		log.Printf("[Webhook] Purchase notification error: %v", err)
	}
}
