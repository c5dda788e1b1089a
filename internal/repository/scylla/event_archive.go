package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/call-orchestrator/internal/repository"
)

// EventArchive appends raw provider deliveries and dispatch attempts to
// Scylla. The archive is observability data: writes are best effort and
// callers must not let a failure here block queue or call state.
type EventArchive struct {
	session *gocql.Session
}

// NewEventArchive creates a new archive.
func NewEventArchive(session *gocql.Session) *EventArchive {
	return &EventArchive{session: session}
}

// AppendWebhookEvent archives one raw webhook delivery, partitioned by
// external call id and day bucket.
func (a *EventArchive) AppendWebhookEvent(ctx context.Context, rec repository.WebhookEventRecord) error {
	if err := a.session.Query(`INSERT INTO webhook_events (external_call_id, bucket, received_at, status, outcome, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ExternalCallID, bucketDate(rec.ReceivedAt), rec.ReceivedAt, rec.Status, rec.Outcome, rec.Payload,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("event archive: insert webhook event: %w", err)
	}
	return nil
}

// AppendDispatchAttempt archives one dispatcher attempt.
func (a *EventArchive) AppendDispatchAttempt(ctx context.Context, rec repository.DispatchAttemptRecord) error {
	if err := a.session.Query(`INSERT INTO dispatch_attempts (campaign_id, bucket, attempted_at, lead_id, call_id, external_call_id, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CampaignID.String(), bucketDate(rec.AttemptedAt), rec.AttemptedAt,
		rec.LeadID.String(), rec.CallID.String(), rec.ExternalCallID, rec.Outcome, rec.Error,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("event archive: insert dispatch attempt: %w", err)
	}
	return nil
}

func bucketDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
