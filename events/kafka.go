/*
Package events publishes ledger activity to Kafka for downstream consumers
(analytics, the admin dashboard feed). Publishing is best effort: the
mutator commits first and logs a publish failure, it never rolls back.
*/
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/uranai/points-ledger/ledger"
)

// Topic carries one message per committed ledger entry.
const Topic = "points.entry_recorded"

// EntryRecordedEvent is the wire shape. Field names are stable; consumers
// depend on them.
type EntryRecordedEvent struct {
	EntryID       string    `json:"entryId"`
	UserID        string    `json:"userId"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balanceAfter"`
	Description   string    `json:"description"`
	StripeSession string    `json:"stripeSessionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Publisher writes entry-recorded events to Kafka. Implements
// ledger.Publisher.
type Publisher struct {
	writer *kafka.Writer
}

var _ ledger.Publisher = (*Publisher)(nil)

func NewPublisher(brokers []string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    Topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (p *Publisher) EntryRecorded(ctx context.Context, e ledger.LedgerEntry) error {
	data, err := json.Marshal(EntryRecordedEvent{
		EntryID:       e.ID,
		UserID:        e.UserID,
		Type:          string(e.Type),
		Amount:        e.Amount,
		BalanceAfter:  e.BalanceAfter,
		Description:   e.Description,
		StripeSession: e.StripeSessionID,
		CreatedAt:     e.CreatedAt,
	})
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		// Key by user so a consumer sees one user's entries in order.
		Key:   []byte(e.UserID),
		Value: data,
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Nop is the publisher used when no brokers are configured.
type Nop struct{}

var _ ledger.Publisher = Nop{}

func (Nop) EntryRecorded(context.Context, ledger.LedgerEntry) error { return nil }
