package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/refbot/moderator-backend/internal/models"
)

type ComplaintRepo struct {
	pool *pgxpool.Pool
}

func NewComplaintRepo(pool *pgxpool.Pool) *ComplaintRepo {
	return &ComplaintRepo{pool: pool}
}

const complaintColumns = `id, user_id, generation_id, category, bot_hash, file_path, source_path,
	status, dispatched, assigned_moderator, resolution_amount, resolution_note, created_at, resolved_at`

func scanComplaint(row pgx.Row) (*models.Complaint, error) {
	var c models.Complaint
	err := row.Scan(&c.ID, &c.UserID, &c.GenerationID, &c.Category, &c.BotHash, &c.FilePath, &c.SourcePath,
		&c.Status, &c.Dispatched, &c.AssignedModerator, &c.ResolutionAmount, &c.ResolutionNote, &c.CreatedAt, &c.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ComplaintRepo) GetByID(ctx context.Context, id int64) (*models.Complaint, error) {
	return scanComplaint(r.pool.QueryRow(ctx, `
		SELECT `+complaintColumns+` FROM complaints WHERE id = $1
	`, id))
}

// GetForUpdate locks the complaint row. Call within a transaction.
func (r *ComplaintRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*models.Complaint, error) {
	c, err := scanComplaint(tx.QueryRow(ctx, `
		SELECT `+complaintColumns+` FROM complaints WHERE id = $1 FOR UPDATE
	`, id))
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, pgx.ErrNoRows
	}
	return c, nil
}

func (r *ComplaintRepo) SetUnderReview(ctx context.Context, tx pgx.Tx, id, moderator int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE complaints SET status = $2, assigned_moderator = $3, updated_at = now()
		WHERE id = $1
	`, id, models.ComplaintStatusUnderReview, moderator)
	return err
}

// SetResolution records the decision. resolution_amount is written exactly
// once; the guard keeps a racing duplicate from overwriting it.
func (r *ComplaintRepo) SetResolution(ctx context.Context, tx pgx.Tx, id int64, status string, moderator int64, amount *int64, note *string) error {
	_, err := tx.Exec(ctx, `
		UPDATE complaints
		SET status = $2, assigned_moderator = $3,
			resolution_amount = COALESCE(resolution_amount, $4),
			resolution_note = COALESCE(resolution_note, $5),
			resolved_at = COALESCE(resolved_at, now()),
			updated_at = now()
		WHERE id = $1 AND status = $6
	`, id, status, moderator, amount, note, models.ComplaintStatusUnderReview)
	return err
}

func (r *ComplaintRepo) SetClosed(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE complaints SET status = $2, updated_at = now() WHERE id = $1
	`, id, models.ComplaintStatusClosed)
	return err
}

// ListPending returns open complaints oldest first, optionally only those not
// yet pushed to the moderator feed.
func (r *ComplaintRepo) ListPending(ctx context.Context, notDispatchedOnly bool, limit int) ([]*models.Complaint, error) {
	q := `SELECT ` + complaintColumns + ` FROM complaints WHERE status = $1`
	args := []any{models.ComplaintStatusNew}
	if notDispatchedOnly {
		q += ` AND dispatched = FALSE`
	}
	q += ` ORDER BY created_at ASC LIMIT $2`
	args = append(args, limit)
	return r.list(ctx, q, args...)
}

// ListByUser returns the user's complaints, newest first, resolved included.
func (r *ComplaintRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Complaint, error) {
	return r.list(ctx, `
		SELECT `+complaintColumns+` FROM complaints
		WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
}

// MarkDispatched flags complaints as already pushed to moderators.
func (r *ComplaintRepo) MarkDispatched(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE complaints SET dispatched = TRUE, updated_at = now() WHERE id = ANY($1)
	`, ids)
	return err
}

// ListStaleReviews returns complaints stuck under_review longer than the
// given age. The recovery sweep pairs this with the in-process session map.
func (r *ComplaintRepo) ListStaleReviews(ctx context.Context, olderThan time.Duration) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM complaints
		WHERE status = $1 AND updated_at < now() - $2::interval
		ORDER BY updated_at ASC
	`, models.ComplaintStatusUnderReview, olderThan.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetToNew returns a stale complaint to the claimable queue.
func (r *ComplaintRepo) ResetToNew(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE complaints SET status = $2, assigned_moderator = NULL, updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, models.ComplaintStatusNew, models.ComplaintStatusUnderReview)
	return err
}

func (r *ComplaintRepo) list(ctx context.Context, q string, args ...any) ([]*models.Complaint, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Complaint
	for rows.Next() {
		var c models.Complaint
		if err := rows.Scan(&c.ID, &c.UserID, &c.GenerationID, &c.Category, &c.BotHash, &c.FilePath, &c.SourcePath,
			&c.Status, &c.Dispatched, &c.AssignedModerator, &c.ResolutionAmount, &c.ResolutionNote, &c.CreatedAt, &c.ResolvedAt); err != nil {
			return nil, err
		}
		list = append(list, &c)
	}
	return list, rows.Err()
}
