package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueueEntryStatus enumerates lifecycle states of a campaign queue entry.
type QueueEntryStatus string

const (
	QueueStatusPending           QueueEntryStatus = "pending"
	QueueStatusInProgress        QueueEntryStatus = "in_progress"
	QueueStatusCompleted         QueueEntryStatus = "completed"
	QueueStatusFailed            QueueEntryStatus = "failed"
	QueueStatusRetryPending      QueueEntryStatus = "retry_pending"
	QueueStatusMaxRetriesReached QueueEntryStatus = "max_retries_reached"
)

// QueueEntry tracks one lead's position in a campaign's call queue. Exactly
// one entry exists per (campaign, lead); it is never deleted, only moved
// through states by the dispatcher and the reconciler.
type QueueEntry struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	LeadID     uuid.UUID
	Status     QueueEntryStatus
	// RetryCount counts reconciler-scheduled retries within RetryDay.
	RetryCount int
	RetryDay   *time.Time
	// DispatchAttempts counts transient dispatch failures (the provider was
	// never reached). Tracked separately from RetryCount so "no answer" and
	// "request timed out" exhaust different budgets.
	DispatchAttempts int
	NextRetryAt      *time.Time
	LastAttemptAt    *time.Time
	QueuedAt         time.Time
	ErrorMessage     *string
}

// Eligible reports whether the entry may be dispatched at the given instant.
func (e *QueueEntry) Eligible(now time.Time) bool {
	switch e.Status {
	case QueueStatusPending:
		return true
	case QueueStatusRetryPending:
		return e.NextRetryAt != nil && !e.NextRetryAt.After(now)
	default:
		return false
	}
}
