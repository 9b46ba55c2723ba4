// Package callsessions persists call session lifecycle records.
package callsessions

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fancall/backend/internal/models"
)

// Repository handles call session persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a call session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `id, creator_id, fan_id, queue_entry_id, started_at,
	ended_at, COALESCE(end_reason,''), created_at, updated_at`

func scanSession(row pgx.Row) (*models.CallSession, error) {
	var s models.CallSession
	err := row.Scan(&s.ID, &s.CreatorID, &s.FanID, &s.QueueEntryID, &s.StartedAt,
		&s.EndedAt, &s.EndReason, &s.CreatedAt, &s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a session for a claimed queue entry.
func (r *Repository) Create(ctx context.Context, creatorID, fanID, queueEntryID uuid.UUID) (*models.CallSession, error) {
	const q = `INSERT INTO call_sessions (creator_id, fan_id, queue_entry_id, started_at)
		VALUES ($1, $2, $3, now())
		RETURNING ` + sessionColumns
	return scanSession(r.pool.QueryRow(ctx, q, creatorID, fanID, queueEntryID))
}

// GetByID returns a session, or (nil, nil) when no row matches.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.CallSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM call_sessions WHERE id = $1`
	return scanSession(r.pool.QueryRow(ctx, q, id))
}

// GetActiveByCreator returns the creator's open session, if any.
func (r *Repository) GetActiveByCreator(ctx context.Context, creatorID uuid.UUID) (*models.CallSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM call_sessions
		WHERE creator_id = $1 AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1`
	return scanSession(r.pool.QueryRow(ctx, q, creatorID))
}

// End closes a session with a reason. Closing an already-ended session is a
// no-op returning (nil, nil).
func (r *Repository) End(ctx context.Context, id uuid.UUID, reason string) (*models.CallSession, error) {
	const q = `UPDATE call_sessions SET ended_at = now(), end_reason = $2, updated_at = now()
		WHERE id = $1 AND ended_at IS NULL
		RETURNING ` + sessionColumns
	return scanSession(r.pool.QueryRow(ctx, q, id, reason))
}

// ListByCreator returns the creator's sessions, newest first.
func (r *Repository) ListByCreator(ctx context.Context, creatorID uuid.UUID, limit int) ([]models.CallSession, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT ` + sessionColumns + ` FROM call_sessions
		WHERE creator_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, creatorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.CallSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}
