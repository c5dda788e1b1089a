package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

const uniqueViolation = "23505"

// CallRepository implements repository.CallRepository using PostgreSQL.
type CallRepository struct {
	db *sqlx.DB
}

// NewCallRepository constructs the repository.
func NewCallRepository(db *sqlx.DB) *CallRepository {
	return &CallRepository{db: db}
}

// Create inserts a new in-flight call.
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	q := `INSERT INTO calls (
		id, queue_entry_id, campaign_id, lead_id, client_id, external_call_id,
		status, status_rank, connected, duration_seconds, started_at,
		recording_url, transcript, created_at, updated_at
	) VALUES (
		:id, :queue_entry_id, :campaign_id, :lead_id, :client_id, :external_call_id,
		:status, :status_rank, :connected, :duration_seconds, :started_at,
		:recording_url, :transcript, :created_at, :updated_at
	)`

	params := map[string]any{
		"id":               call.ID,
		"queue_entry_id":   call.QueueEntryID,
		"campaign_id":      call.CampaignID,
		"lead_id":          call.LeadID,
		"client_id":        call.ClientID,
		"external_call_id": call.ExternalCallID,
		"status":           call.Status,
		"status_rank":      call.Status.Rank(),
		"connected":        call.Connected,
		"duration_seconds": call.DurationSeconds,
		"started_at":       call.StartedAt,
		"recording_url":    call.RecordingURL,
		"transcript":       call.Transcript,
		"created_at":       call.CreatedAt,
		"updated_at":       call.UpdatedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("call repo: duplicate external call id %s: %w", call.ExternalCallID, repository.ErrConflict)
		}
		return fmt.Errorf("call repo: insert: %w", err)
	}
	return nil
}

// Get fetches a call by id.
func (r *CallRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	return r.getBy(ctx, `id = $1`, id)
}

// FindByExternalCallID resolves the provider execution id.
func (r *CallRepository) FindByExternalCallID(ctx context.Context, externalCallID string) (*domain.Call, error) {
	return r.getBy(ctx, `external_call_id = $1`, externalCallID)
}

func (r *CallRepository) getBy(ctx context.Context, where string, arg any) (*domain.Call, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT id, queue_entry_id, campaign_id, lead_id, client_id, external_call_id,
		status, connected, duration_seconds, started_at, ended_at, recording_url, transcript,
		error_message, stop_requested_at, created_at, updated_at
		FROM calls WHERE `+where, arg)

	var rec callRecord
	if err := row.StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call repo: get: %w", err)
	}
	call := rec.toDomain()
	return &call, nil
}

// CountInFlight counts non-terminal calls for the campaign. This is the soft
// concurrency gauge: concurrent tickers can each read the same count, so the
// cap may transiently overshoot by the number of extra tickers.
func (r *CallRepository) CountInFlight(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM calls
		WHERE campaign_id = $1 AND status_rank < 5`, campaignID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("call repo: count in flight: %w", err)
	}
	return count, nil
}

// ApplyProgress advances an in-flight call. The rank guard in the WHERE
// clause rejects out-of-order webhooks without a read-modify-write cycle.
func (r *CallRepository) ApplyProgress(ctx context.Context, callID uuid.UUID, status domain.CallStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE calls SET status = $2, status_rank = $3, updated_at = $4
		WHERE id = $1 AND status_rank < $3`, callID, status, status.Rank(), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("call repo: apply progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("call repo: rows affected: %w", err)
	}
	return n == 1, nil
}

// ApplyTerminal applies a terminal outcome atomically across the call, the
// queue entry, the lead and the billing signal. The rank guard on the call
// update makes the whole transaction a no-op for duplicate terminal webhooks.
func (r *CallRepository) ApplyTerminal(ctx context.Context, app repository.TerminalApplication) (*repository.TerminalResult, error) {
	result := &repository.TerminalResult{}

	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `UPDATE calls SET
			status = $2, status_rank = $3, connected = $4, duration_seconds = $5,
			ended_at = $6, recording_url = $7, transcript = $8, error_message = $9, updated_at = $10
			WHERE id = $1 AND status_rank < $3`,
			app.Call.CallID, app.Call.Status, app.Call.Status.Rank(), app.Call.Connected,
			app.Call.DurationSeconds, app.Call.EndedAt, app.Call.RecordingURL,
			app.Call.Transcript, app.Call.ErrorMessage, now)
		if err != nil {
			return fmt.Errorf("call repo: terminal call update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("call repo: rows affected: %w", err)
		}
		if n == 0 {
			// Already terminal: duplicate delivery, nothing else may change.
			return nil
		}
		result.Applied = true

		if app.Queue != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE queue_entries SET
				status = $2, retry_count = $3, retry_day = $4, next_retry_at = $5, error_message = $6
				WHERE id = $1`,
				app.Queue.EntryID, app.Queue.Status, app.Queue.RetryCount,
				app.Queue.RetryDay, app.Queue.NextRetryAt, app.Queue.ErrorMessage); err != nil {
				return fmt.Errorf("call repo: terminal queue update: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE leads SET status = $2 WHERE id = $1`,
			app.LeadID, app.LeadStatus); err != nil {
			return fmt.Errorf("call repo: terminal lead update: %w", err)
		}

		if app.Billing != nil {
			res, err := tx.ExecContext(ctx, `INSERT INTO billing_signals (call_id, client_id, duration_seconds, recorded_at)
				VALUES ($1, $2, $3, $4) ON CONFLICT (call_id) DO NOTHING`,
				app.Billing.CallID, app.Billing.ClientID, app.Billing.DurationSeconds, now)
			if err != nil {
				return fmt.Errorf("call repo: billing signal insert: %w", err)
			}
			inserted, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("call repo: rows affected: %w", err)
			}
			result.BillingRecorded = inserted == 1
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkStopRequested stamps the call with a best-effort stop request.
func (r *CallRepository) MarkStopRequested(ctx context.Context, callID uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE calls SET stop_requested_at = $2, updated_at = $2
		WHERE id = $1 AND status_rank < 5`, callID, at)
	if err != nil {
		return fmt.Errorf("call repo: mark stop requested: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("call repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListStale returns in-flight calls with no update since the cutoff.
func (r *CallRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Call, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT id, queue_entry_id, campaign_id, lead_id, client_id, external_call_id,
		status, connected, duration_seconds, started_at, ended_at, recording_url, transcript,
		error_message, stop_requested_at, created_at, updated_at
		FROM calls WHERE status_rank < 5 AND updated_at <= $1
		ORDER BY updated_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("call repo: list stale: %w", err)
	}
	defer rows.Close()

	var results []domain.Call
	for rows.Next() {
		var rec callRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("call repo: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call repo: rows err: %w", err)
	}
	return results, nil
}

type callRecord struct {
	ID              uuid.UUID      `db:"id"`
	QueueEntryID    *uuid.UUID     `db:"queue_entry_id"`
	CampaignID      uuid.UUID      `db:"campaign_id"`
	LeadID          uuid.UUID      `db:"lead_id"`
	ClientID        uuid.UUID      `db:"client_id"`
	ExternalCallID  string         `db:"external_call_id"`
	Status          string         `db:"status"`
	Connected       bool           `db:"connected"`
	DurationSeconds int            `db:"duration_seconds"`
	StartedAt       time.Time      `db:"started_at"`
	EndedAt         sql.NullTime   `db:"ended_at"`
	RecordingURL    sql.NullString `db:"recording_url"`
	Transcript      sql.NullString `db:"transcript"`
	ErrorMessage    sql.NullString `db:"error_message"`
	StopRequestedAt sql.NullTime   `db:"stop_requested_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r callRecord) toDomain() domain.Call {
	call := domain.Call{
		ID:              r.ID,
		QueueEntryID:    r.QueueEntryID,
		CampaignID:      r.CampaignID,
		LeadID:          r.LeadID,
		ClientID:        r.ClientID,
		ExternalCallID:  r.ExternalCallID,
		Status:          domain.CallStatus(r.Status),
		Connected:       r.Connected,
		DurationSeconds: r.DurationSeconds,
		StartedAt:       r.StartedAt,
		RecordingURL:    r.RecordingURL.String,
		Transcript:      r.Transcript.String,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time
		call.EndedAt = &t
	}
	if r.ErrorMessage.Valid {
		s := r.ErrorMessage.String
		call.ErrorMessage = &s
	}
	if r.StopRequestedAt.Valid {
		t := r.StopRequestedAt.Time
		call.StopRequestedAt = &t
	}
	return call
}
