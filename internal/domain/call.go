package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus enumerates lifecycle stages for an individual call. The set is
// closed: provider vocabulary is normalized into these values by the
// reconciler's mapping table and nowhere else.
type CallStatus string

const (
	CallStatusQueued       CallStatus = "queued"
	CallStatusInitiated    CallStatus = "initiated"
	CallStatusRinging      CallStatus = "ringing"
	CallStatusInProgress   CallStatus = "in_progress"
	CallStatusCompleted    CallStatus = "completed"
	CallStatusBusy         CallStatus = "busy"
	CallStatusNoAnswer     CallStatus = "no_answer"
	CallStatusCanceled     CallStatus = "canceled"
	CallStatusFailed       CallStatus = "failed"
	CallStatusDisconnected CallStatus = "disconnected"
)

// statusRanks orders call states. Webhooks may arrive out of order; a
// transition is accepted only if it strictly increases the rank. All terminal
// states share one rank so repeated terminal deliveries are plain no-ops.
var statusRanks = map[CallStatus]int{
	CallStatusQueued:       1,
	CallStatusInitiated:    2,
	CallStatusRinging:      3,
	CallStatusInProgress:   4,
	CallStatusCompleted:    5,
	CallStatusBusy:         5,
	CallStatusNoAnswer:     5,
	CallStatusCanceled:     5,
	CallStatusFailed:       5,
	CallStatusDisconnected: 5,
}

const terminalRank = 5

// Rank returns the monotonic ordering rank for the status. Unknown statuses
// rank zero and therefore never win a transition.
func (s CallStatus) Rank() int {
	return statusRanks[s]
}

// IsTerminal reports whether no further provider webhook can change the outcome.
func (s CallStatus) IsTerminal() bool {
	return statusRanks[s] == terminalRank
}

// ConnectedMinDuration is the minimum talk time for a call to count as
// connected for billing purposes.
const ConnectedMinDuration = 45 * time.Second

// IsConnected applies the single business rule deciding a billable
// connection: the call reached a completed or disconnected terminal state and
// lasted at least ConnectedMinDuration.
func IsConnected(status CallStatus, duration time.Duration) bool {
	if status != CallStatusCompleted && status != CallStatusDisconnected {
		return false
	}
	return duration >= ConnectedMinDuration
}

// Call represents one dispatch attempt against the voice provider.
type Call struct {
	ID              uuid.UUID
	QueueEntryID    *uuid.UUID
	CampaignID      uuid.UUID
	LeadID          uuid.UUID
	ClientID        uuid.UUID
	ExternalCallID  string
	Status          CallStatus
	Connected       bool
	DurationSeconds int
	StartedAt       time.Time
	EndedAt         *time.Time
	RecordingURL    string
	Transcript      string
	ErrorMessage    *string
	StopRequestedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LeadStatus is the derived status the engine writes back to a lead after a
// terminal call. Leads are owned elsewhere; this field is the only thing the
// engine touches.
type LeadStatus string

const (
	LeadStatusConnected LeadStatus = "connected"
	LeadStatusNoAnswer  LeadStatus = "no_answer"
	LeadStatusBusy      LeadStatus = "busy"
	LeadStatusFailed    LeadStatus = "failed"
)

// DeriveLeadStatus maps a terminal call outcome to the lead's derived status.
func DeriveLeadStatus(status CallStatus, connected bool) LeadStatus {
	if connected {
		return LeadStatusConnected
	}
	switch status {
	case CallStatusNoAnswer:
		return LeadStatusNoAnswer
	case CallStatusBusy:
		return LeadStatusBusy
	default:
		return LeadStatusFailed
	}
}

// Lead is the engine's read-model of an externally owned lead.
type Lead struct {
	ID          uuid.UUID
	ClientID    uuid.UUID
	PhoneNumber string
	Name        string
	Status      LeadStatus
}
