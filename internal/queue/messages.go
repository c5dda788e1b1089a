package queue

import (
	"time"

	"github.com/google/uuid"
)

// CallEventMessage announces a persisted call state transition. Only
// webhook-confirmed (or synthesized-terminal) transitions are published, so
// consumers see the same history the store holds.
type CallEventMessage struct {
	CallID          uuid.UUID  `json:"call_id"`
	CampaignID      uuid.UUID  `json:"campaign_id"`
	LeadID          uuid.UUID  `json:"lead_id"`
	ClientID        uuid.UUID  `json:"client_id"`
	ExternalCallID  string     `json:"external_call_id"`
	Status          string     `json:"status"`
	Connected       bool       `json:"connected"`
	DurationSeconds int        `json:"duration_seconds"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	OccurredAt      time.Time  `json:"occurred_at"`
}

// BillingMessage carries the at-most-once billing signal for a connected call.
type BillingMessage struct {
	CallID          uuid.UUID `json:"call_id"`
	ClientID        uuid.UUID `json:"client_id"`
	CampaignID      uuid.UUID `json:"campaign_id"`
	DurationSeconds int       `json:"duration_seconds"`
	OccurredAt      time.Time `json:"occurred_at"`
}
