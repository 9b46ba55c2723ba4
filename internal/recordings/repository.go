// Package recordings persists call recordings and moves provider files to S3.
package recordings

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fancall/backend/internal/models"
)

// Repository handles recording persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recordings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordingColumns = `id, call_session_id, COALESCE(provider_recording_id,''),
	COALESCE(original_url,''), COALESCE(s3_url,''), COALESCE(s3_key,''),
	duration, file_size, status, created_at, updated_at`

func scanRecording(row pgx.Row) (*models.Recording, error) {
	var rec models.Recording
	err := row.Scan(&rec.ID, &rec.CallSessionID, &rec.ProviderRecordingID,
		&rec.OriginalURL, &rec.S3URL, &rec.S3Key,
		&rec.Duration, &rec.FileSize, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create inserts a new recording row.
func (r *Repository) Create(ctx context.Context, rec *models.Recording) error {
	const q = `INSERT INTO call_recordings (id, call_session_id, provider_recording_id, original_url, s3_url, s3_key, duration, file_size, status)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, rec.CallSessionID, rec.ProviderRecordingID, rec.OriginalURL,
		rec.S3URL, rec.S3Key, rec.Duration, rec.FileSize, rec.Status).
		Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
}

// GetByID returns a recording, or (nil, nil) when no row matches.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	const q = `SELECT ` + recordingColumns + ` FROM call_recordings WHERE id = $1`
	return scanRecording(r.pool.QueryRow(ctx, q, id))
}

// GetByProviderID returns a recording by provider_recording_id.
func (r *Repository) GetByProviderID(ctx context.Context, providerID string) (*models.Recording, error) {
	const q = `SELECT ` + recordingColumns + ` FROM call_recordings WHERE provider_recording_id = $1`
	return scanRecording(r.pool.QueryRow(ctx, q, providerID))
}

// ListBySession returns all recordings for a call session, newest first.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Recording, error) {
	const q = `SELECT ` + recordingColumns + ` FROM call_recordings
		WHERE call_session_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

// UpdateStatus sets recording status.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	const q = `UPDATE call_recordings SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, status, id)
	return err
}

// UpdateS3Result sets the S3 location, size and status to completed.
func (r *Repository) UpdateS3Result(ctx context.Context, id uuid.UUID, s3URL, s3Key string, fileSize int64, duration int) error {
	const q = `UPDATE call_recordings SET s3_url = $1, s3_key = $2, file_size = $3, duration = $4, status = $5, updated_at = NOW()
		WHERE id = $6`
	_, err := r.pool.Exec(ctx, q, s3URL, s3Key, fileSize, duration, models.RecordingStatusCompleted, id)
	return err
}

// UpdateOriginalURL sets original_url from the provider webhook and marks the
// recording as processing.
func (r *Repository) UpdateOriginalURL(ctx context.Context, id uuid.UUID, originalURL string) error {
	const q = `UPDATE call_recordings SET original_url = $1, status = $2, updated_at = NOW() WHERE id = $3`
	_, err := r.pool.Exec(ctx, q, originalURL, models.RecordingStatusProcessing, id)
	return err
}
