package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/call-orchestrator/internal/domain"
)

// ProgressRepository backs the read-only progress reporter.
type ProgressRepository struct {
	db *sqlx.DB
}

// NewProgressRepository constructs the repository.
func NewProgressRepository(db *sqlx.DB) *ProgressRepository {
	return &ProgressRepository{db: db}
}

// CountByStatus aggregates queue entries per status.
func (r *ProgressRepository) CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.QueueEntryStatus]int64, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT status, COUNT(*) AS count
		FROM queue_entries WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("progress repo: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.QueueEntryStatus]int64)
	for rows.Next() {
		var row struct {
			Status string `db:"status"`
			Count  int64  `db:"count"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("progress repo: scan: %w", err)
		}
		counts[domain.QueueEntryStatus(row.Status)] = row.Count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("progress repo: rows err: %w", err)
	}
	return counts, nil
}

// CompletionsSince counts entries that reached a terminal queue state after
// the given instant, using the last attempt stamp as the completion proxy.
func (r *ProgressRepository) CompletionsSince(ctx context.Context, campaignID uuid.UUID, since time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM queue_entries
		WHERE campaign_id = $1
		  AND status IN ('completed', 'failed', 'max_retries_reached')
		  AND last_attempt_at >= $2`, campaignID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("progress repo: completions since: %w", err)
	}
	return count, nil
}
