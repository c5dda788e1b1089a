package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates dial states of a campaign.
type CampaignStatus string

const (
	CampaignStatusPending    CampaignStatus = "pending"
	CampaignStatusInProgress CampaignStatus = "in_progress"
	CampaignStatusPaused     CampaignStatus = "paused"
	CampaignStatusCompleted  CampaignStatus = "completed"
)

// RetryPolicy defines how unconnected calls are re-queued.
type RetryPolicy struct {
	// MaxDailyRetries caps reconciler-scheduled retries per lead per UTC day.
	MaxDailyRetries int
	// Mode selects the backoff shape: "fixed" or "exponential".
	Mode      string
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Campaign holds the call settings the engine needs to dispatch a campaign.
// Everything else about campaigns (ownership, billing, UI metadata) lives
// outside the engine.
type Campaign struct {
	ID               uuid.UUID
	ClientID         uuid.UUID
	Name             string
	AgentID          string
	Status           CampaignStatus
	ConcurrencyLimit int
	RetryPolicy      RetryPolicy
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// Progress aggregates queue counts for dashboards.
type Progress struct {
	Pending        int64
	InProgress     int64
	Completed      int64
	Failed         int64
	RetryScheduled int64
	MaxRetries     int64
	Total          int64
	// PercentComplete counts entries that reached a terminal queue state.
	PercentComplete float64
	// EstimatedTimeRemaining is a best-effort linear extrapolation; zero when
	// no completion rate can be observed yet.
	EstimatedTimeRemaining time.Duration
}
