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

// QueueRepository implements repository.QueueRepository using PostgreSQL.
type QueueRepository struct {
	db *sqlx.DB
}

// NewQueueRepository constructs the repository.
func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// Enqueue upserts the (campaign, lead) queue entry.
func (r *QueueRepository) Enqueue(ctx context.Context, campaignID, leadID uuid.UUID) (*domain.QueueEntry, error) {
	var entry *domain.QueueEntry

	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		row := tx.QueryRowxContext(ctx, `SELECT id, campaign_id, lead_id, status, retry_count, retry_day,
			dispatch_attempts, next_retry_at, last_attempt_at, queued_at, error_message
			FROM queue_entries WHERE campaign_id = $1 AND lead_id = $2 FOR UPDATE`, campaignID, leadID)

		var rec queueEntryRecord
		scanErr := row.StructScan(&rec)
		now := time.Now().UTC()

		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
			fresh := domain.QueueEntry{
				ID:         uuid.New(),
				CampaignID: campaignID,
				LeadID:     leadID,
				Status:     domain.QueueStatusPending,
				QueuedAt:   now,
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO queue_entries (id, campaign_id, lead_id, status, retry_count, dispatch_attempts, queued_at)
				VALUES ($1, $2, $3, $4, 0, 0, $5)`,
				fresh.ID, campaignID, leadID, fresh.Status, fresh.QueuedAt); err != nil {
				return fmt.Errorf("queue repo: insert: %w", err)
			}
			entry = &fresh
			return nil
		case scanErr != nil:
			return fmt.Errorf("queue repo: select existing: %w", scanErr)
		}

		existing := rec.toDomain()
		switch existing.Status {
		case domain.QueueStatusCompleted:
			return fmt.Errorf("queue repo: lead already completed: %w", repository.ErrConflict)
		case domain.QueueStatusFailed, domain.QueueStatusMaxRetriesReached:
			// Explicit re-enqueue reactivates a dead entry with fresh counters.
			if _, err := tx.ExecContext(ctx, `UPDATE queue_entries SET status = $2, retry_count = 0, retry_day = NULL,
				dispatch_attempts = 0, next_retry_at = NULL, error_message = NULL, queued_at = $3
				WHERE id = $1`, existing.ID, domain.QueueStatusPending, now); err != nil {
				return fmt.Errorf("queue repo: reactivate: %w", err)
			}
			existing.Status = domain.QueueStatusPending
			existing.RetryCount = 0
			existing.RetryDay = nil
			existing.DispatchAttempts = 0
			existing.NextRetryAt = nil
			existing.ErrorMessage = nil
			existing.QueuedAt = now
			entry = &existing
			return nil
		default:
			// pending / retry_pending / in_progress: idempotent no-op.
			entry = &existing
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Get fetches a queue entry by id.
func (r *QueueRepository) Get(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT id, campaign_id, lead_id, status, retry_count, retry_day,
		dispatch_attempts, next_retry_at, last_attempt_at, queued_at, error_message
		FROM queue_entries WHERE id = $1`, id)

	var rec queueEntryRecord
	if err := row.StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("queue repo: get: %w", err)
	}
	entry := rec.toDomain()
	return &entry, nil
}

// FetchEligible returns dispatchable entries, FIFO by queued_at.
func (r *QueueRepository) FetchEligible(ctx context.Context, campaignID uuid.UUID, now time.Time, limit int) ([]domain.QueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT id, campaign_id, lead_id, status, retry_count, retry_day,
		dispatch_attempts, next_retry_at, last_attempt_at, queued_at, error_message
		FROM queue_entries
		WHERE campaign_id = $1
		  AND (status = 'pending' OR (status = 'retry_pending' AND next_retry_at <= $2))
		ORDER BY queued_at ASC
		LIMIT $3`, campaignID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("queue repo: fetch eligible: %w", err)
	}
	defer rows.Close()

	var results []domain.QueueEntry
	for rows.Next() {
		var rec queueEntryRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("queue repo: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue repo: rows err: %w", err)
	}
	return results, nil
}

// MarkInProgress claims the entry; the WHERE clause is the CAS that keeps
// concurrent dispatchers from double-dialing a lead.
func (r *QueueRepository) MarkInProgress(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE queue_entries SET status = 'in_progress', last_attempt_at = $2
		WHERE id = $1 AND status IN ('pending', 'retry_pending')`, id, at)
	if err != nil {
		return false, fmt.Errorf("queue repo: mark in progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queue repo: rows affected: %w", err)
	}
	return n == 1, nil
}

// RevertToPending returns a claimed entry to the queue after a transient
// dispatch failure.
func (r *QueueRepository) RevertToPending(ctx context.Context, id uuid.UUID, dispatchAttempts int, errorMessage *string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE queue_entries SET status = 'pending', dispatch_attempts = $2, error_message = $3
		WHERE id = $1 AND status = 'in_progress'`, id, dispatchAttempts, errorMessage)
	if err != nil {
		return fmt.Errorf("queue repo: revert to pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkFailed ends the entry after a permanent dispatch failure.
func (r *QueueRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE queue_entries SET status = 'failed', error_message = $2
		WHERE id = $1`, id, errorMessage)
	if err != nil {
		return fmt.Errorf("queue repo: mark failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type queueEntryRecord struct {
	ID               uuid.UUID      `db:"id"`
	CampaignID       uuid.UUID      `db:"campaign_id"`
	LeadID           uuid.UUID      `db:"lead_id"`
	Status           string         `db:"status"`
	RetryCount       int            `db:"retry_count"`
	RetryDay         sql.NullTime   `db:"retry_day"`
	DispatchAttempts int            `db:"dispatch_attempts"`
	NextRetryAt      sql.NullTime   `db:"next_retry_at"`
	LastAttemptAt    sql.NullTime   `db:"last_attempt_at"`
	QueuedAt         time.Time      `db:"queued_at"`
	ErrorMessage     sql.NullString `db:"error_message"`
}

func (r queueEntryRecord) toDomain() domain.QueueEntry {
	entry := domain.QueueEntry{
		ID:               r.ID,
		CampaignID:       r.CampaignID,
		LeadID:           r.LeadID,
		Status:           domain.QueueEntryStatus(r.Status),
		RetryCount:       r.RetryCount,
		DispatchAttempts: r.DispatchAttempts,
		QueuedAt:         r.QueuedAt,
	}
	if r.RetryDay.Valid {
		t := r.RetryDay.Time
		entry.RetryDay = &t
	}
	if r.NextRetryAt.Valid {
		t := r.NextRetryAt.Time
		entry.NextRetryAt = &t
	}
	if r.LastAttemptAt.Valid {
		t := r.LastAttemptAt.Time
		entry.LastAttemptAt = &t
	}
	if r.ErrorMessage.Valid {
		s := r.ErrorMessage.String
		entry.ErrorMessage = &s
	}
	return entry
}
