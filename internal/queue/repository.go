// Package queue is the server side of the waiting queue: persistence,
// HTTP handlers, and the realtime change feed published on every mutation.
package queue

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fancall/backend/internal/models"
)

// Repository handles queue entry persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a queue repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const entryColumns = `id, creator_id, fan_id, status, priority, joined_at,
	COALESCE(discussion_topic,''), created_at, updated_at`

func scanEntry(row pgx.Row) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := row.Scan(&e.ID, &e.CreatorID, &e.FanID, &e.Status, &e.Priority,
		&e.JoinedAt, &e.DiscussionTopic, &e.CreatedAt, &e.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Create inserts a waiting entry.
func (r *Repository) Create(ctx context.Context, creatorID, fanID uuid.UUID, priority int, topic string) (*models.QueueEntry, error) {
	const q = `INSERT INTO queue_entries (creator_id, fan_id, status, priority, discussion_topic)
		VALUES ($1, $2, $3, $4, NULLIF($5,''))
		RETURNING ` + entryColumns
	return scanEntry(r.pool.QueryRow(ctx, q, creatorID, fanID, models.QueueStatusWaiting, priority, topic))
}

// GetByID returns an entry, or (nil, nil) when no row matches.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.QueueEntry, error) {
	const q = `SELECT ` + entryColumns + ` FROM queue_entries WHERE id = $1`
	return scanEntry(r.pool.QueryRow(ctx, q, id))
}

// GetWaitingByFan returns the fan's waiting entry for a creator, if any.
func (r *Repository) GetWaitingByFan(ctx context.Context, creatorID, fanID uuid.UUID) (*models.QueueEntry, error) {
	const q = `SELECT ` + entryColumns + ` FROM queue_entries
		WHERE creator_id = $1 AND fan_id = $2 AND status = $3`
	return scanEntry(r.pool.QueryRow(ctx, q, creatorID, fanID, models.QueueStatusWaiting))
}

// ListWaiting returns the creator's waiting entries, highest priority first,
// oldest first within a priority.
func (r *Repository) ListWaiting(ctx context.Context, creatorID uuid.UUID) ([]models.QueueEntry, error) {
	const q = `SELECT ` + entryColumns + ` FROM queue_entries
		WHERE creator_id = $1 AND status = $2
		ORDER BY priority DESC, joined_at ASC`
	rows, err := r.pool.Query(ctx, q, creatorID, models.QueueStatusWaiting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *e)
	}
	return list, rows.Err()
}

// CountWaiting returns the creator's waiting count.
func (r *Repository) CountWaiting(ctx context.Context, creatorID uuid.UUID) (int, error) {
	const q = `SELECT COUNT(*) FROM queue_entries WHERE creator_id = $1 AND status = $2`
	var n int
	err := r.pool.QueryRow(ctx, q, creatorID, models.QueueStatusWaiting).Scan(&n)
	return n, err
}

// Claim transitions an entry waiting -> in_call. The status guard in the
// WHERE clause makes the transition happen exactly once per entry even under
// concurrent claims; a lost race returns (nil, nil).
func (r *Repository) Claim(ctx context.Context, id uuid.UUID) (*models.QueueEntry, error) {
	const q = `UPDATE queue_entries SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING ` + entryColumns
	return scanEntry(r.pool.QueryRow(ctx, q, id, models.QueueStatusInCall, models.QueueStatusWaiting))
}

// SetStatus transitions an entry to a terminal status from a required prior
// status; returns (nil, nil) if the entry was not in that status.
func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, from, to string) (*models.QueueEntry, error) {
	const q = `UPDATE queue_entries SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING ` + entryColumns
	return scanEntry(r.pool.QueryRow(ctx, q, id, from, to))
}
