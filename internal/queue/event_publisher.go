package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/call-orchestrator/internal/domain"
)

// EventPublisher publishes call state transitions.
type EventPublisher struct {
	writer *kafka.Writer
}

// NewEventPublisher constructs an event publisher for the given topic.
func NewEventPublisher(k *Kafka, topic string) *EventPublisher {
	return &EventPublisher{writer: k.NewWriter(topic)}
}

// PublishCallEvent emits a call transition, keyed by call id so a call's
// events stay ordered within a partition.
func (p *EventPublisher) PublishCallEvent(ctx context.Context, call *domain.Call) error {
	msg := CallEventMessage{
		CallID:          call.ID,
		CampaignID:      call.CampaignID,
		LeadID:          call.LeadID,
		ClientID:        call.ClientID,
		ExternalCallID:  call.ExternalCallID,
		Status:          string(call.Status),
		Connected:       call.Connected,
		DurationSeconds: call.DurationSeconds,
		EndedAt:         call.EndedAt,
		OccurredAt:      call.UpdatedAt,
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("event publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   msg.CallID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("event publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
