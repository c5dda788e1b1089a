package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/call-orchestrator/internal/domain"
)

// BillingPublisher publishes billing signals for connected calls. The caller
// gates it behind the billing_signals insert, so each call produces at most
// one message.
type BillingPublisher struct {
	writer *kafka.Writer
}

// NewBillingPublisher constructs a billing publisher for the given topic.
func NewBillingPublisher(k *Kafka, topic string) *BillingPublisher {
	return &BillingPublisher{writer: k.NewWriter(topic)}
}

// PublishBillingSignal emits the billing signal for a connected call.
func (p *BillingPublisher) PublishBillingSignal(ctx context.Context, call *domain.Call) error {
	msg := BillingMessage{
		CallID:          call.ID,
		ClientID:        call.ClientID,
		CampaignID:      call.CampaignID,
		DurationSeconds: call.DurationSeconds,
		OccurredAt:      time.Now().UTC(),
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("billing publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   msg.CallID[:],
		Value: value,
		Time:  msg.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("billing publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *BillingPublisher) Close() error {
	return p.writer.Close()
}
