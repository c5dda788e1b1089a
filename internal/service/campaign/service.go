// Package campaign orchestrates campaign lifecycle and queue population.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
	"github.com/acme/call-orchestrator/internal/retry"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

// Service orchestrates campaign lifecycle operations.
type Service struct {
	repo               repository.CampaignRepository
	queue              repository.QueueRepository
	leads              repository.LeadRepository
	defaultRetry       domain.RetryPolicy
	defaultConcurrency int
}

// NewService constructs a campaign service.
func NewService(
	repo repository.CampaignRepository,
	queue repository.QueueRepository,
	leads repository.LeadRepository,
	defaultRetry domain.RetryPolicy,
	defaultConcurrency int,
) *Service {
	return &Service{
		repo:               repo,
		queue:              queue,
		leads:              leads,
		defaultRetry:       defaultRetry,
		defaultConcurrency: defaultConcurrency,
	}
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	ClientID         uuid.UUID
	Name             string
	AgentID          string
	ConcurrencyLimit int
	RetryPolicy      domain.RetryPolicy
	LeadIDs          []uuid.UUID
}

// EnqueueResult reports what happened to each requested lead.
type EnqueueResult struct {
	Enqueued  int
	Duplicate int
	Rejected  []uuid.UUID
}

// Create provisions a campaign and enqueues its initial leads.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, *EnqueueResult, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	campaign := &domain.Campaign{
		ID:               uuid.New(),
		ClientID:         input.ClientID,
		Name:             input.Name,
		AgentID:          input.AgentID,
		Status:           domain.CampaignStatusPending,
		ConcurrencyLimit: s.resolveConcurrency(input.ConcurrencyLimit),
		RetryPolicy:      s.normalizeRetry(input.RetryPolicy),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}

	result, err := s.enqueue(ctx, campaign.ID, input.LeadIDs)
	if err != nil {
		return nil, nil, err
	}
	return campaign, result, nil
}

// Get retrieves a campaign by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// EnqueueLeads adds leads to an existing campaign's queue.
func (s *Service) EnqueueLeads(ctx context.Context, campaignID uuid.UUID, leadIDs []uuid.UUID) (*EnqueueResult, error) {
	if len(leadIDs) == 0 {
		return nil, fmt.Errorf("campaign service: no leads given: %w", apperrors.ErrValidation)
	}
	if _, err := s.repo.Get(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.enqueue(ctx, campaignID, leadIDs)
}

func (s *Service) enqueue(ctx context.Context, campaignID uuid.UUID, leadIDs []uuid.UUID) (*EnqueueResult, error) {
	result := &EnqueueResult{}
	for _, leadID := range leadIDs {
		if _, err := s.leads.Get(ctx, leadID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				result.Rejected = append(result.Rejected, leadID)
				continue
			}
			return nil, fmt.Errorf("campaign service: load lead: %w", err)
		}

		if _, err := s.queue.Enqueue(ctx, campaignID, leadID); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				result.Duplicate++
				continue
			}
			return nil, fmt.Errorf("campaign service: enqueue lead: %w", err)
		}
		result.Enqueued++
	}
	return result, nil
}

// Start transitions a campaign into the in-progress state, making it visible
// to the dispatcher loop.
func (s *Service) Start(ctx context.Context, id uuid.UUID) error {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	switch campaign.Status {
	case domain.CampaignStatusInProgress:
		return nil
	case domain.CampaignStatusCompleted:
		return fmt.Errorf("campaign service: cannot start completed campaign: %w", apperrors.ErrConflict)
	}

	return s.repo.UpdateStatus(ctx, id, domain.CampaignStatusInProgress, time.Now().UTC())
}

// Pause stops further dispatching. In-flight calls run to completion; their
// webhooks are still reconciled.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) error {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	if campaign.Status != domain.CampaignStatusInProgress {
		return fmt.Errorf("campaign service: only in-progress campaigns can be paused: %w", apperrors.ErrConflict)
	}
	return s.repo.UpdateStatus(ctx, id, domain.CampaignStatusPaused, time.Now().UTC())
}

func (s *Service) resolveConcurrency(requested int) int {
	if requested > 0 {
		return requested
	}
	return s.defaultConcurrency
}

func (s *Service) normalizeRetry(policy domain.RetryPolicy) domain.RetryPolicy {
	out := s.defaultRetry
	if policy.MaxDailyRetries > 0 {
		out.MaxDailyRetries = policy.MaxDailyRetries
	}
	if policy.Mode != "" {
		out.Mode = policy.Mode
	}
	if policy.BaseDelay > 0 {
		out.BaseDelay = policy.BaseDelay
	}
	if policy.MaxDelay > 0 {
		out.MaxDelay = policy.MaxDelay
	}
	return out
}

func validateCreateInput(input CreateCampaignInput) error {
	if input.ClientID == uuid.Nil {
		return fmt.Errorf("campaign service: client id is required: %w", apperrors.ErrValidation)
	}
	if input.Name == "" {
		return fmt.Errorf("campaign service: name is required: %w", apperrors.ErrValidation)
	}
	if input.AgentID == "" {
		return fmt.Errorf("campaign service: agent id is required: %w", apperrors.ErrValidation)
	}
	if input.RetryPolicy.Mode != "" &&
		input.RetryPolicy.Mode != retry.ModeFixed &&
		input.RetryPolicy.Mode != retry.ModeExponential {
		return fmt.Errorf("campaign service: unknown retry mode %q: %w", input.RetryPolicy.Mode, apperrors.ErrValidation)
	}
	return nil
}
