package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	q := `INSERT INTO campaigns (
		id, client_id, name, agent_id, status, concurrency_limit,
		max_daily_retries, retry_mode, retry_base_delay_ms, retry_max_delay_ms,
		created_at, updated_at, started_at, completed_at
	) VALUES (
		:id, :client_id, :name, :agent_id, :status, :concurrency_limit,
		:max_daily_retries, :retry_mode, :retry_base_delay_ms, :retry_max_delay_ms,
		:created_at, :updated_at, :started_at, :completed_at
	)`

	params := map[string]any{
		"id":                  campaign.ID,
		"client_id":           campaign.ClientID,
		"name":                campaign.Name,
		"agent_id":            campaign.AgentID,
		"status":              campaign.Status,
		"concurrency_limit":   campaign.ConcurrencyLimit,
		"max_daily_retries":   campaign.RetryPolicy.MaxDailyRetries,
		"retry_mode":          campaign.RetryPolicy.Mode,
		"retry_base_delay_ms": campaign.RetryPolicy.BaseDelay.Milliseconds(),
		"retry_max_delay_ms":  campaign.RetryPolicy.MaxDelay.Milliseconds(),
		"created_at":          campaign.CreatedAt,
		"updated_at":          campaign.UpdatedAt,
		"started_at":          campaign.StartedAt,
		"completed_at":        campaign.CompletedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT id, client_id, name, agent_id, status, concurrency_limit,
		max_daily_retries, retry_mode, retry_base_delay_ms, retry_max_delay_ms,
		created_at, updated_at, started_at, completed_at
		FROM campaigns WHERE id = $1`, id)

	var rec campaignRecord
	if err := row.StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}
	campaign := rec.toDomain()
	return &campaign, nil
}

// UpdateStatus transitions the campaign dial state.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus, at time.Time) error {
	q := `UPDATE campaigns SET status = $2, updated_at = $3,
		started_at = CASE WHEN $2 = 'in_progress' AND started_at IS NULL THEN $3 ELSE started_at END,
		completed_at = CASE WHEN $2 = 'completed' THEN $3 ELSE completed_at END
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, id, status, at)
	if err != nil {
		return fmt.Errorf("campaign repo: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListByStatus returns campaigns filtered by status.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT id, client_id, name, agent_id, status, concurrency_limit,
		max_daily_retries, retry_mode, retry_base_delay_ms, retry_max_delay_ms,
		created_at, updated_at, started_at, completed_at
		FROM campaigns WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var rec campaignRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := rec.toDomain()
		results = append(results, &campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

type campaignRecord struct {
	ID               uuid.UUID    `db:"id"`
	ClientID         uuid.UUID    `db:"client_id"`
	Name             string       `db:"name"`
	AgentID          string       `db:"agent_id"`
	Status           string       `db:"status"`
	ConcurrencyLimit int          `db:"concurrency_limit"`
	MaxDailyRetries  int          `db:"max_daily_retries"`
	RetryMode        string       `db:"retry_mode"`
	RetryBaseDelayMs int64        `db:"retry_base_delay_ms"`
	RetryMaxDelayMs  int64        `db:"retry_max_delay_ms"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
	StartedAt        sql.NullTime `db:"started_at"`
	CompletedAt      sql.NullTime `db:"completed_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	campaign := domain.Campaign{
		ID:               r.ID,
		ClientID:         r.ClientID,
		Name:             r.Name,
		AgentID:          r.AgentID,
		Status:           domain.CampaignStatus(r.Status),
		ConcurrencyLimit: r.ConcurrencyLimit,
		RetryPolicy: domain.RetryPolicy{
			MaxDailyRetries: r.MaxDailyRetries,
			Mode:            r.RetryMode,
			BaseDelay:       time.Duration(r.RetryBaseDelayMs) * time.Millisecond,
			MaxDelay:        time.Duration(r.RetryMaxDelayMs) * time.Millisecond,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		campaign.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		campaign.CompletedAt = &t
	}
	return campaign
}
