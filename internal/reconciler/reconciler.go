// Package reconciler folds provider webhooks into persisted call state. All
// state transitions flow through here: the dispatcher only records that a call
// was started, and everything after that is webhook-confirmed.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
	"github.com/acme/call-orchestrator/internal/retry"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

// EventPublisher streams call state changes to downstream consumers.
type EventPublisher interface {
	PublishCallEvent(ctx context.Context, call *domain.Call) error
}

// BillingPublisher emits the at-most-once billing signal for connected calls.
type BillingPublisher interface {
	PublishBillingSignal(ctx context.Context, call *domain.Call) error
}

// TerminalDedupe is the fast-path guard against replayed terminal webhooks.
type TerminalDedupe interface {
	SeenTerminal(ctx context.Context, externalCallID string) (bool, error)
	MarkTerminal(ctx context.Context, externalCallID string) error
}

// archive outcomes recorded per webhook delivery.
const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeStale     = "stale"
	outcomeUnmatched = "unmatched"
	outcomeUnmapped  = "unmapped"
)

// Reconciler applies webhook deliveries to the call, queue, lead and billing
// state.
type Reconciler struct {
	calls     repository.CallRepository
	queue     repository.QueueRepository
	campaigns repository.CampaignRepository
	dedupe    TerminalDedupe
	archive   repository.EventArchive
	events    EventPublisher
	billing   BillingPublisher
	log       *zap.Logger
}

// New wires the reconciler.
func New(
	calls repository.CallRepository,
	queue repository.QueueRepository,
	campaigns repository.CampaignRepository,
	dedupe TerminalDedupe,
	archive repository.EventArchive,
	events EventPublisher,
	billing BillingPublisher,
	log *zap.Logger,
) *Reconciler {
	return &Reconciler{
		calls:     calls,
		queue:     queue,
		campaigns: campaigns,
		dedupe:    dedupe,
		archive:   archive,
		events:    events,
		billing:   billing,
		log:       log.Named("reconciler"),
	}
}

// Apply processes one webhook delivery. ErrUnmatched and ErrStale mean the
// delivery was discarded on purpose and must still be acknowledged to the
// provider; any other error means processing genuinely failed and the
// provider should redeliver.
func (r *Reconciler) Apply(ctx context.Context, payload WebhookPayload, raw []byte, now time.Time) error {
	externalID := payload.ExternalCallID()
	if externalID == "" {
		r.archiveEvent(ctx, externalID, payload.Status, outcomeUnmatched, raw, now)
		return fmt.Errorf("reconciler: payload without execution id: %w", apperrors.ErrUnmatched)
	}

	status, known := MapStatus(payload.Status)
	if !known {
		r.archiveEvent(ctx, externalID, payload.Status, outcomeUnmapped, raw, now)
		r.log.Warn("unknown provider status", zap.String("status", payload.Status), zap.String("external_call_id", externalID))
		return fmt.Errorf("reconciler: unknown status %q: %w", payload.Status, apperrors.ErrUnmatched)
	}

	call, err := r.calls.FindByExternalCallID(ctx, externalID)
	if errors.Is(err, repository.ErrNotFound) && payload.CallID != "" && payload.CallID != externalID {
		// The provider ships the execution id under two fields; a miss on the
		// primary retries once against the secondary before discarding.
		call, err = r.calls.FindByExternalCallID(ctx, payload.CallID)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.archiveEvent(ctx, externalID, payload.Status, outcomeUnmatched, raw, now)
			return fmt.Errorf("reconciler: no call for execution %s: %w", externalID, apperrors.ErrUnmatched)
		}
		return fmt.Errorf("reconciler: lookup call: %w", err)
	}

	if !status.IsTerminal() {
		return r.applyProgress(ctx, call, status, payload, raw, now)
	}
	return r.applyTerminal(ctx, call, status, payload, raw, now)
}

func (r *Reconciler) applyProgress(ctx context.Context, call *domain.Call, status domain.CallStatus, payload WebhookPayload, raw []byte, now time.Time) error {
	applied, err := r.calls.ApplyProgress(ctx, call.ID, status)
	if err != nil {
		return fmt.Errorf("reconciler: apply progress: %w", err)
	}
	if !applied {
		r.archiveEvent(ctx, call.ExternalCallID, payload.Status, outcomeStale, raw, now)
		return fmt.Errorf("reconciler: %s does not advance %s: %w", status, call.Status, apperrors.ErrStale)
	}

	r.archiveEvent(ctx, call.ExternalCallID, payload.Status, outcomeApplied, raw, now)

	call.Status = status
	call.UpdatedAt = now
	r.publishCallEvent(ctx, call)
	return nil
}

func (r *Reconciler) applyTerminal(ctx context.Context, call *domain.Call, status domain.CallStatus, payload WebhookPayload, raw []byte, now time.Time) error {
	if r.dedupe != nil {
		seen, err := r.dedupe.SeenTerminal(ctx, call.ExternalCallID)
		if err != nil {
			// Guard down: fall through to the transactional rank guard.
			r.log.Warn("terminal dedupe guard unavailable", zap.Error(err))
		} else if seen {
			r.archiveEvent(ctx, call.ExternalCallID, payload.Status, outcomeDuplicate, raw, now)
			r.log.Info("duplicate terminal webhook",
				zap.String("external_call_id", call.ExternalCallID),
				zap.String("status", string(status)))
			return fmt.Errorf("reconciler: terminal already processed: %w", apperrors.ErrStale)
		}
	}

	duration := time.Duration(payload.TelephonyData.Duration) * time.Second
	connected := domain.IsConnected(status, duration)

	var errMsg *string
	if payload.ErrorMessage != "" {
		errMsg = &payload.ErrorMessage
	}

	app := repository.TerminalApplication{
		Call: repository.TerminalCallUpdate{
			CallID:          call.ID,
			Status:          status,
			Connected:       connected,
			DurationSeconds: payload.TelephonyData.Duration,
			EndedAt:         now,
			RecordingURL:    payload.TelephonyData.RecordingURL,
			Transcript:      payload.Transcript,
			ErrorMessage:    errMsg,
		},
		LeadID:     call.LeadID,
		LeadStatus: domain.DeriveLeadStatus(status, connected),
	}

	if call.QueueEntryID != nil {
		resolution, err := r.resolveQueueEntry(ctx, call, status, connected, errMsg, now)
		if err != nil {
			return err
		}
		app.Queue = resolution
	}

	if connected {
		app.Billing = &repository.BillingSignal{
			CallID:          call.ID,
			ClientID:        call.ClientID,
			DurationSeconds: payload.TelephonyData.Duration,
		}
	}

	result, err := r.calls.ApplyTerminal(ctx, app)
	if err != nil {
		return fmt.Errorf("reconciler: apply terminal: %w", err)
	}

	if !result.Applied {
		r.archiveEvent(ctx, call.ExternalCallID, payload.Status, outcomeDuplicate, raw, now)
		// Backfill the marker so replays stop costing a transaction when an
		// earlier write to the guard failed.
		r.markTerminal(ctx, call.ExternalCallID)
		r.log.Info("terminal webhook for already-terminal call",
			zap.String("call_id", call.ID.String()),
			zap.String("status", string(status)))
		return nil
	}

	r.archiveEvent(ctx, call.ExternalCallID, payload.Status, outcomeApplied, raw, now)
	r.markTerminal(ctx, call.ExternalCallID)

	call.Status = status
	call.Connected = connected
	call.DurationSeconds = payload.TelephonyData.Duration
	call.EndedAt = &now
	call.RecordingURL = payload.TelephonyData.RecordingURL
	call.Transcript = payload.Transcript
	call.UpdatedAt = now
	r.publishCallEvent(ctx, call)

	if result.BillingRecorded {
		if err := r.billing.PublishBillingSignal(ctx, call); err != nil {
			// The signal row is committed; a publisher retry can recover it.
			r.log.Error("publish billing signal", zap.Error(err), zap.String("call_id", call.ID.String()))
		}
	}
	return nil
}

// resolveQueueEntry decides the queue entry's fate. A connected or completed
// conversation closes the entry; every other terminal outcome goes through the
// retry policy.
func (r *Reconciler) resolveQueueEntry(ctx context.Context, call *domain.Call, status domain.CallStatus, connected bool, errMsg *string, now time.Time) (*repository.QueueResolution, error) {
	entry, err := r.queue.Get(ctx, *call.QueueEntryID)
	if err != nil {
		return nil, fmt.Errorf("reconciler: load queue entry: %w", err)
	}

	if connected || status == domain.CallStatusCompleted {
		return &repository.QueueResolution{
			EntryID:    entry.ID,
			Status:     domain.QueueStatusCompleted,
			RetryCount: entry.RetryCount,
			RetryDay:   entry.RetryDay,
		}, nil
	}

	campaign, err := r.campaigns.Get(ctx, call.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("reconciler: load campaign: %w", err)
	}

	resolution := retry.Resolve(*entry, campaign.RetryPolicy, errMsg, now)
	return &resolution, nil
}

// SynthesizeCancellation terminates a call the provider went silent on. The
// synthesized outcome follows the same terminal path a canceled webhook would.
func (r *Reconciler) SynthesizeCancellation(ctx context.Context, call *domain.Call, reason string, now time.Time) error {
	payload := WebhookPayload{
		ID:           call.ExternalCallID,
		Status:       string(domain.CallStatusCanceled),
		ErrorMessage: reason,
	}
	err := r.Apply(ctx, payload, nil, now)
	if err != nil && (errors.Is(err, apperrors.ErrStale) || errors.Is(err, apperrors.ErrUnmatched)) {
		return nil
	}
	return err
}

func (r *Reconciler) markTerminal(ctx context.Context, externalCallID string) {
	if r.dedupe == nil {
		return
	}
	if err := r.dedupe.MarkTerminal(ctx, externalCallID); err != nil {
		r.log.Warn("mark terminal dedupe", zap.Error(err))
	}
}

func (r *Reconciler) publishCallEvent(ctx context.Context, call *domain.Call) {
	if err := r.events.PublishCallEvent(ctx, call); err != nil {
		r.log.Error("publish call event", zap.Error(err), zap.String("call_id", call.ID.String()))
	}
}

func (r *Reconciler) archiveEvent(ctx context.Context, externalID, status, outcome string, raw []byte, now time.Time) {
	if r.archive == nil {
		return
	}
	rec := repository.WebhookEventRecord{
		ExternalCallID: externalID,
		Status:         status,
		Outcome:        outcome,
		Payload:        raw,
		ReceivedAt:     now,
	}
	if err := r.archive.AppendWebhookEvent(ctx, rec); err != nil {
		r.log.Warn("archive webhook event", zap.Error(err))
	}
}
