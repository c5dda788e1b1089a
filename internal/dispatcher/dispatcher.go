// Package dispatcher drains campaign queues into the voice provider. Each
// tick is stateless: capacity and eligibility are recomputed from the store
// every time, so any number of dispatcher replicas can tick the same campaign
// and the queue claim decides who dials.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/provider"
	"github.com/acme/call-orchestrator/internal/reconciler"
	"github.com/acme/call-orchestrator/internal/repository"
)

// TickStats summarizes one dispatch pass over a campaign.
type TickStats struct {
	InFlight          int
	Eligible          int
	Dispatched        int
	TransientFailures int
	PermanentFailures int
}

// Dispatcher places calls for active campaigns.
type Dispatcher struct {
	queue     repository.QueueRepository
	calls     repository.CallRepository
	campaigns repository.CampaignRepository
	leads     repository.LeadRepository
	progress  repository.ProgressRepository
	provider  provider.Client
	archive   repository.EventArchive
	rec       *reconciler.Reconciler
	cfg       config.DispatcherConfig
	log       *zap.Logger
	tracer    trace.Tracer
}

// New wires the dispatcher.
func New(
	queue repository.QueueRepository,
	calls repository.CallRepository,
	campaigns repository.CampaignRepository,
	leads repository.LeadRepository,
	progress repository.ProgressRepository,
	providerClient provider.Client,
	archive repository.EventArchive,
	rec *reconciler.Reconciler,
	cfg config.DispatcherConfig,
	log *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		queue:     queue,
		calls:     calls,
		campaigns: campaigns,
		leads:     leads,
		progress:  progress,
		provider:  providerClient,
		archive:   archive,
		rec:       rec,
		cfg:       cfg,
		log:       log.Named("dispatcher"),
		tracer:    otel.Tracer("dispatcher"),
	}
}

// Run ticks every active campaign on an interval until the context ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.cfg.TickInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.log.Info("dispatcher loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher loop stopped")
			return ctx.Err()
		case <-ticker.C:
			d.tickAll(ctx)
			d.reapStale(ctx)
		}
	}
}

func (d *Dispatcher) tickAll(ctx context.Context) {
	campaigns, err := d.campaigns.ListByStatus(ctx, domain.CampaignStatusInProgress, d.cfg.CampaignLimit)
	if err != nil {
		d.log.Error("list active campaigns", zap.Error(err))
		return
	}
	for _, campaign := range campaigns {
		if _, err := d.Tick(ctx, campaign); err != nil {
			d.log.Error("campaign tick", zap.Error(err), zap.String("campaign_id", campaign.ID.String()))
		}
	}
}

// Tick runs one dispatch pass: recompute capacity, fetch eligible entries,
// claim and dial. Nothing is carried between ticks.
func (d *Dispatcher) Tick(ctx context.Context, campaign *domain.Campaign) (TickStats, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.tick",
		trace.WithAttributes(attribute.String("campaign.id", campaign.ID.String())))
	defer span.End()

	var stats TickStats
	now := time.Now().UTC()

	inFlight, err := d.calls.CountInFlight(ctx, campaign.ID)
	if err != nil {
		return stats, fmt.Errorf("dispatcher: count in flight: %w", err)
	}
	stats.InFlight = inFlight

	limit := campaign.ConcurrencyLimit
	if limit <= 0 {
		limit = d.cfg.DefaultCapacity
	}
	capacity := limit - inFlight
	if capacity <= 0 {
		return stats, nil
	}
	if d.cfg.MaxBatchSize > 0 && capacity > d.cfg.MaxBatchSize {
		capacity = d.cfg.MaxBatchSize
	}

	entries, err := d.queue.FetchEligible(ctx, campaign.ID, now, capacity)
	if err != nil {
		return stats, fmt.Errorf("dispatcher: fetch eligible: %w", err)
	}
	stats.Eligible = len(entries)

	if len(entries) == 0 {
		if inFlight == 0 {
			d.maybeComplete(ctx, campaign, now)
		}
		return stats, nil
	}

	for i := range entries {
		entry := entries[i]
		claimed, err := d.queue.MarkInProgress(ctx, entry.ID, now)
		if err != nil {
			d.log.Error("claim queue entry", zap.Error(err), zap.String("entry_id", entry.ID.String()))
			continue
		}
		if !claimed {
			// Another replica won the entry.
			continue
		}
		d.dispatch(ctx, campaign, &entry, &stats, now)
	}
	return stats, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, campaign *domain.Campaign, entry *domain.QueueEntry, stats *TickStats, now time.Time) {
	lead, err := d.leads.Get(ctx, entry.LeadID)
	if err != nil {
		msg := fmt.Sprintf("load lead: %v", err)
		d.failDispatch(ctx, campaign, entry, msg, errors.Is(err, repository.ErrNotFound), stats, now)
		return
	}

	result, err := d.provider.StartCall(ctx, provider.StartCallRequest{
		PhoneNumber: lead.PhoneNumber,
		AgentID:     campaign.AgentID,
		Metadata: map[string]string{
			"campaign_id": campaign.ID.String(),
			"lead_id":     lead.ID.String(),
		},
	})
	if err != nil {
		d.failDispatch(ctx, campaign, entry, err.Error(), provider.IsPermanent(err), stats, now)
		return
	}

	entryID := entry.ID
	call := &domain.Call{
		ID:             uuid.New(),
		QueueEntryID:   &entryID,
		CampaignID:     campaign.ID,
		LeadID:         lead.ID,
		ClientID:       lead.ClientID,
		ExternalCallID: result.ExternalCallID,
		Status:         domain.CallStatusQueued,
		StartedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.calls.Create(ctx, call); err != nil {
		// The provider call is live but untracked; the stale reaper will not
		// find it, so this is the one failure worth shouting about.
		d.log.Error("record dispatched call",
			zap.Error(err),
			zap.String("external_call_id", result.ExternalCallID),
			zap.String("entry_id", entry.ID.String()))
		return
	}

	stats.Dispatched++
	d.archiveAttempt(ctx, campaign.ID, entry.LeadID, call.ID, result.ExternalCallID, "started", "", now)
}

// failDispatch handles a dispatch attempt that never produced a tracked call.
// Transient failures return the entry to the queue until the attempt budget
// runs out; permanent ones end it immediately.
func (d *Dispatcher) failDispatch(ctx context.Context, campaign *domain.Campaign, entry *domain.QueueEntry, msg string, permanent bool, stats *TickStats, now time.Time) {
	attempts := entry.DispatchAttempts + 1
	maxAttempts := d.cfg.MaxDispatchAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	outcome := "transient_failure"
	if permanent || attempts >= maxAttempts {
		outcome = "permanent_failure"
		if err := d.queue.MarkFailed(ctx, entry.ID, msg); err != nil {
			d.log.Error("mark entry failed", zap.Error(err), zap.String("entry_id", entry.ID.String()))
		}
		stats.PermanentFailures++
	} else {
		if err := d.queue.RevertToPending(ctx, entry.ID, attempts, &msg); err != nil {
			d.log.Error("revert entry to pending", zap.Error(err), zap.String("entry_id", entry.ID.String()))
		}
		stats.TransientFailures++
	}

	d.log.Warn("dispatch failed",
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("entry_id", entry.ID.String()),
		zap.String("outcome", outcome),
		zap.String("error", msg))
	d.archiveAttempt(ctx, campaign.ID, entry.LeadID, uuid.Nil, "", outcome, msg, now)
}

// maybeComplete closes the campaign once nothing is queued, retrying or on the
// wire.
func (d *Dispatcher) maybeComplete(ctx context.Context, campaign *domain.Campaign, now time.Time) {
	counts, err := d.progress.CountByStatus(ctx, campaign.ID)
	if err != nil {
		d.log.Error("count queue statuses", zap.Error(err), zap.String("campaign_id", campaign.ID.String()))
		return
	}

	open := counts[domain.QueueStatusPending] +
		counts[domain.QueueStatusInProgress] +
		counts[domain.QueueStatusRetryPending]
	if open > 0 {
		return
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		// Nothing ever enqueued; leave the campaign alone.
		return
	}

	if err := d.campaigns.UpdateStatus(ctx, campaign.ID, domain.CampaignStatusCompleted, now); err != nil {
		d.log.Error("complete campaign", zap.Error(err), zap.String("campaign_id", campaign.ID.String()))
		return
	}
	d.log.Info("campaign completed", zap.String("campaign_id", campaign.ID.String()))
}

// reapStale resolves calls the provider stopped reporting on. The provider is
// probed first; only when the probe fails is a cancellation synthesized.
func (d *Dispatcher) reapStale(ctx context.Context) {
	grace := d.cfg.StaleCallGrace
	if grace <= 0 {
		grace = 30 * time.Minute
	}
	now := time.Now().UTC()
	cutoff := now.Add(-grace)

	stale, err := d.calls.ListStale(ctx, cutoff, d.cfg.MaxBatchSize)
	if err != nil {
		d.log.Error("list stale calls", zap.Error(err))
		return
	}

	for i := range stale {
		call := stale[i]
		exec, err := d.provider.GetExecution(ctx, call.ExternalCallID)
		if err != nil {
			if !provider.IsPermanent(err) {
				// A transient probe failure says nothing about the call; it
				// stays stale and the next pass probes again.
				d.log.Warn("probe stale call", zap.Error(err), zap.String("call_id", call.ID.String()))
				continue
			}
			if err := d.rec.SynthesizeCancellation(ctx, &call, "no provider update within grace period", now); err != nil {
				d.log.Error("synthesize cancellation", zap.Error(err), zap.String("call_id", call.ID.String()))
			}
			continue
		}

		payload := reconciler.WebhookPayload{
			ID:         exec.ExternalCallID,
			Status:     exec.Status,
			Transcript: exec.Transcript,
		}
		payload.TelephonyData.Duration = exec.DurationSeconds
		payload.TelephonyData.RecordingURL = exec.RecordingURL

		if err := d.rec.Apply(ctx, payload, nil, now); err != nil {
			d.log.Warn("reconcile probed execution", zap.Error(err), zap.String("call_id", call.ID.String()))
		}
	}
}

func (d *Dispatcher) archiveAttempt(ctx context.Context, campaignID, leadID, callID uuid.UUID, externalCallID, outcome, errMsg string, at time.Time) {
	if d.archive == nil {
		return
	}
	rec := repository.DispatchAttemptRecord{
		CampaignID:     campaignID,
		LeadID:         leadID,
		CallID:         callID,
		ExternalCallID: externalCallID,
		Outcome:        outcome,
		Error:          errMsg,
		AttemptedAt:    at,
	}
	if err := d.archive.AppendDispatchAttempt(ctx, rec); err != nil {
		d.log.Warn("archive dispatch attempt", zap.Error(err))
	}
}
