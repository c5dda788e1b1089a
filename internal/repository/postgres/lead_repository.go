package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

// LeadRepository reads externally owned leads. The leads table belongs to
// lead management; the engine reads phone/client here and writes the derived
// status only inside the reconciliation transaction.
type LeadRepository struct {
	db *sqlx.DB
}

// NewLeadRepository constructs the repository.
func NewLeadRepository(db *sqlx.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

// Get fetches a lead by id.
func (r *LeadRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT id, client_id, phone_number, name, status
		FROM leads WHERE id = $1`, id)

	var rec leadRecord
	if err := row.StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("lead repo: get: %w", err)
	}

	lead := domain.Lead{
		ID:          rec.ID,
		ClientID:    rec.ClientID,
		PhoneNumber: rec.PhoneNumber,
		Name:        rec.Name.String,
		Status:      domain.LeadStatus(rec.Status.String),
	}
	return &lead, nil
}

type leadRecord struct {
	ID          uuid.UUID      `db:"id"`
	ClientID    uuid.UUID      `db:"client_id"`
	PhoneNumber string         `db:"phone_number"`
	Name        sql.NullString `db:"name"`
	Status      sql.NullString `db:"status"`
}
