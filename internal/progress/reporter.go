// Package progress aggregates queue state into campaign progress reports. It
// only reads; the numbers are always reproducible from the store.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

// DefaultRateWindow is the lookback used to estimate the completion rate.
const DefaultRateWindow = 15 * time.Minute

// Reporter computes campaign progress snapshots.
type Reporter struct {
	repo   repository.ProgressRepository
	window time.Duration
}

// NewReporter builds a reporter with the given rate window.
func NewReporter(repo repository.ProgressRepository, window time.Duration) *Reporter {
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &Reporter{repo: repo, window: window}
}

// Snapshot aggregates the campaign's queue into a progress report. The ETA is
// a linear extrapolation of the recent completion rate; with no completions in
// the window it is left at zero.
func (r *Reporter) Snapshot(ctx context.Context, campaignID uuid.UUID, now time.Time) (domain.Progress, error) {
	counts, err := r.repo.CountByStatus(ctx, campaignID)
	if err != nil {
		return domain.Progress{}, fmt.Errorf("progress: count by status: %w", err)
	}

	p := domain.Progress{
		Pending:        counts[domain.QueueStatusPending],
		InProgress:     counts[domain.QueueStatusInProgress],
		Completed:      counts[domain.QueueStatusCompleted],
		Failed:         counts[domain.QueueStatusFailed],
		RetryScheduled: counts[domain.QueueStatusRetryPending],
		MaxRetries:     counts[domain.QueueStatusMaxRetriesReached],
	}
	for _, n := range counts {
		p.Total += n
	}
	if p.Total == 0 {
		return p, nil
	}

	terminal := p.Completed + p.Failed + p.MaxRetries
	p.PercentComplete = float64(terminal) / float64(p.Total) * 100

	remaining := p.Total - terminal
	if remaining == 0 {
		return p, nil
	}

	recent, err := r.repo.CompletionsSince(ctx, campaignID, now.Add(-r.window))
	if err != nil {
		return domain.Progress{}, fmt.Errorf("progress: completions since: %w", err)
	}
	if recent > 0 {
		perEntry := r.window / time.Duration(recent)
		p.EstimatedTimeRemaining = perEntry * time.Duration(remaining)
	}
	return p, nil
}
