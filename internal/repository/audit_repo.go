package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/refbot/moderator-backend/internal/models"
)

// AuditRepo persists balance mutations. balance_audit.idempotency_key carries
// a unique constraint; together with the row lock taken before writes it is
// the compare-and-swap guard against duplicate application.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// ByKey returns the audit row for the key, or nil when the key is unused.
func (r *AuditRepo) ByKey(ctx context.Context, tx pgx.Tx, key string) (*models.BalanceAudit, error) {
	var a models.BalanceAudit
	err := tx.QueryRow(ctx, `
		SELECT id, idempotency_key, user_id, reason, delta, available_after, reserved_after, created_at
		FROM balance_audit WHERE idempotency_key = $1
	`, key).Scan(&a.ID, &a.IdempotencyKey, &a.UserID, &a.Reason, &a.Delta, &a.AvailableAfter, &a.ReservedAfter, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Insert records an applied mutation inside the given transaction.
func (r *AuditRepo) Insert(ctx context.Context, tx pgx.Tx, a *models.BalanceAudit) error {
	return tx.QueryRow(ctx, `
		INSERT INTO balance_audit (id, idempotency_key, user_id, reason, delta, available_after, reserved_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, a.ID, a.IdempotencyKey, a.UserID, a.Reason, a.Delta, a.AvailableAfter, a.ReservedAfter).Scan(&a.CreatedAt)
}

// ListByUser returns the user's most recent mutations, newest first.
func (r *AuditRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.BalanceAudit, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, idempotency_key, user_id, reason, delta, available_after, reserved_after, created_at
		FROM balance_audit WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.BalanceAudit
	for rows.Next() {
		var a models.BalanceAudit
		if err := rows.Scan(&a.ID, &a.IdempotencyKey, &a.UserID, &a.Reason, &a.Delta, &a.AvailableAfter, &a.ReservedAfter, &a.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &a)
	}
	return list, rows.Err()
}
