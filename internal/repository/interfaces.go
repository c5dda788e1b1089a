package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// QueueRepository manages campaign queue entries. Coordination between
// concurrent dispatchers rests entirely on MarkInProgress; there is no other
// locking anywhere.
type QueueRepository interface {
	// Enqueue upserts the (campaign, lead) entry. Re-enqueueing a pending or
	// retry_pending entry returns the existing row unchanged; re-enqueueing a
	// completed entry fails with ErrConflict.
	Enqueue(ctx context.Context, campaignID, leadID uuid.UUID) (*domain.QueueEntry, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error)
	// FetchEligible returns pending entries plus retry_pending entries whose
	// next_retry_at has passed, FIFO by queued_at.
	FetchEligible(ctx context.Context, campaignID uuid.UUID, now time.Time, limit int) ([]domain.QueueEntry, error)
	// MarkInProgress claims the entry with a compare-and-swap from
	// pending/retry_pending to in_progress. Returns false if another
	// dispatcher won the claim.
	MarkInProgress(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// RevertToPending returns a claimed entry to the queue after a transient
	// dispatch failure, recording the dispatch attempt.
	RevertToPending(ctx context.Context, id uuid.UUID, dispatchAttempts int, errorMessage *string) error
	// MarkFailed ends the entry after a permanent dispatch failure.
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error
}

// CallRepository persists dispatch attempts and applies webhook-confirmed
// transitions.
type CallRepository interface {
	Create(ctx context.Context, call *domain.Call) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Call, error)
	// FindByExternalCallID resolves the provider execution id; ErrNotFound
	// when unknown.
	FindByExternalCallID(ctx context.Context, externalCallID string) (*domain.Call, error)
	// CountInFlight counts calls in non-terminal statuses for the campaign.
	CountInFlight(ctx context.Context, campaignID uuid.UUID) (int, error)
	// ApplyProgress advances an in-flight call, guarded by the status rank so
	// late webhooks cannot move it backwards. Returns false when the guard
	// rejected the transition.
	ApplyProgress(ctx context.Context, callID uuid.UUID, status domain.CallStatus) (bool, error)
	// ApplyTerminal applies a terminal outcome atomically across the call,
	// its queue entry, the lead's derived status and the billing signal.
	// Reapplying the same outcome is a no-op with Applied=false.
	ApplyTerminal(ctx context.Context, app TerminalApplication) (*TerminalResult, error)
	MarkStopRequested(ctx context.Context, callID uuid.UUID, at time.Time) error
	// ListStale returns in-flight calls without any update since the cutoff,
	// candidates for synthesized termination.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Call, error)
}

// TerminalApplication bundles every write a terminal webhook triggers. The
// reconciler computes it; the repository applies it in one transaction.
type TerminalApplication struct {
	Call       TerminalCallUpdate
	Queue      *QueueResolution
	LeadID     uuid.UUID
	LeadStatus domain.LeadStatus
	Billing    *BillingSignal
}

// TerminalCallUpdate is the call-row portion of a terminal application.
type TerminalCallUpdate struct {
	CallID          uuid.UUID
	Status          domain.CallStatus
	Connected       bool
	DurationSeconds int
	EndedAt         time.Time
	RecordingURL    string
	Transcript      string
	ErrorMessage    *string
}

// QueueResolution is the queue-entry portion, decided by the retry scheduler.
type QueueResolution struct {
	EntryID      uuid.UUID
	Status       domain.QueueEntryStatus
	RetryCount   int
	RetryDay     *time.Time
	NextRetryAt  *time.Time
	ErrorMessage *string
}

// BillingSignal is recorded at most once per call; the insert doubles as the
// idempotency gate for the external billing notification.
type BillingSignal struct {
	CallID          uuid.UUID
	ClientID        uuid.UUID
	DurationSeconds int
}

// TerminalResult reports what the terminal application actually changed.
type TerminalResult struct {
	// Applied is false when the call was already terminal (duplicate webhook).
	Applied bool
	// BillingRecorded is true only on the first insert of the billing signal.
	BillingRecorded bool
}

// CampaignRepository manages engine-scoped campaign call settings.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus, at time.Time) error
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
}

// LeadRepository reads externally owned leads and writes their derived status.
type LeadRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error)
}

// ProgressRepository backs the read-only progress reporter.
type ProgressRepository interface {
	CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.QueueEntryStatus]int64, error)
	// CompletionsSince counts queue entries that reached a terminal state
	// after the given instant; feeds the ETA extrapolation.
	CompletionsSince(ctx context.Context, campaignID uuid.UUID, since time.Time) (int64, error)
}

// EventArchive is the append-only observability store. Writes are best
// effort and never gate webhook acknowledgement.
type EventArchive interface {
	AppendWebhookEvent(ctx context.Context, rec WebhookEventRecord) error
	AppendDispatchAttempt(ctx context.Context, rec DispatchAttemptRecord) error
}

// WebhookEventRecord archives one raw provider delivery.
type WebhookEventRecord struct {
	ExternalCallID string
	Status         string
	Outcome        string
	Payload        []byte
	ReceivedAt     time.Time
}

// DispatchAttemptRecord archives one dispatcher attempt against the provider.
type DispatchAttemptRecord struct {
	CampaignID     uuid.UUID
	LeadID         uuid.UUID
	CallID         uuid.UUID
	ExternalCallID string
	Outcome        string
	Error          string
	AttemptedAt    time.Time
}
