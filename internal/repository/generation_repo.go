package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/refbot/moderator-backend/internal/models"
)

type GenerationRepo struct {
	pool *pgxpool.Pool
}

func NewGenerationRepo(pool *pgxpool.Pool) *GenerationRepo {
	return &GenerationRepo{pool: pool}
}

const jobColumns = `id, user_id, category, bot_hash, status, reservation_amount, hold_released, media_path, created_at, completed_at`

func scanJob(row pgx.Row) (*models.GenerationJob, error) {
	var j models.GenerationJob
	err := row.Scan(&j.ID, &j.UserID, &j.Category, &j.BotHash, &j.Status, &j.ReservationAmount,
		&j.HoldReleased, &j.MediaPath, &j.CreatedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Create inserts a queued job inside the given transaction and fills in the
// generated id and timestamps.
func (r *GenerationRepo) Create(ctx context.Context, tx pgx.Tx, j *models.GenerationJob) error {
	return tx.QueryRow(ctx, `
		INSERT INTO generation_queue (user_id, category, bot_hash, status, reservation_amount, hold_released)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		RETURNING id, created_at
	`, j.UserID, j.Category, j.BotHash, j.Status, j.ReservationAmount).Scan(&j.ID, &j.CreatedAt)
}

func (r *GenerationRepo) GetByID(ctx context.Context, id int64) (*models.GenerationJob, error) {
	return scanJob(r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM generation_queue WHERE id = $1
	`, id))
}

// GetForUpdate locks the job row. Call within a transaction.
func (r *GenerationRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*models.GenerationJob, error) {
	j, err := scanJob(tx.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM generation_queue WHERE id = $1 FOR UPDATE
	`, id))
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, pgx.ErrNoRows
	}
	return j, nil
}

func (r *GenerationRepo) SetStatus(ctx context.Context, tx pgx.Tx, id int64, status string, mediaPath *string) error {
	_, err := tx.Exec(ctx, `
		UPDATE generation_queue
		SET status = $2,
			media_path = COALESCE($3, media_path),
			completed_at = CASE WHEN $2 IN ('done', 'failed', 'cancelled') THEN now() ELSE completed_at END,
			updated_at = now()
		WHERE id = $1
	`, id, status, mediaPath)
	return err
}

// ListByUserForUpdate locks all of the user's job rows for a reconcile pass.
// Call within a transaction.
func (r *GenerationRepo) ListByUserForUpdate(ctx context.Context, tx pgx.Tx, userID int64) ([]*models.GenerationJob, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+jobColumns+` FROM generation_queue
		WHERE user_id = $1 ORDER BY id ASC FOR UPDATE
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// MarkHoldReleased flips the hold flag after the accountant released it, in
// the same transaction.
func (r *GenerationRepo) MarkHoldReleased(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE generation_queue SET hold_released = TRUE, updated_at = now() WHERE id = $1
	`, id)
	return err
}

// ListByUser returns the user's most recent jobs, newest first.
func (r *GenerationRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.GenerationJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM generation_queue
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// HasActive reports whether the user has any job still in flight.
func (r *GenerationRepo) HasActive(ctx context.Context, userID int64) (bool, error) {
	var active bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM generation_queue
			WHERE user_id = $1 AND status IN ($2, $3)
		)
	`, userID, models.JobStatusQueued, models.JobStatusRunning).Scan(&active)
	return active, err
}

func collectJobs(rows pgx.Rows) ([]*models.GenerationJob, error) {
	var list []*models.GenerationJob
	for rows.Next() {
		var j models.GenerationJob
		if err := rows.Scan(&j.ID, &j.UserID, &j.Category, &j.BotHash, &j.Status, &j.ReservationAmount,
			&j.HoldReleased, &j.MediaPath, &j.CreatedAt, &j.CompletedAt); err != nil {
			return nil, err
		}
		list = append(list, &j)
	}
	return list, rows.Err()
}
