package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/refbot/moderator-backend/internal/models"
)

type PaymentRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentRepo(pool *pgxpool.Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

const paymentColumns = `id, user_id, amount, payment_provider, status, external_payment_id, bot_hash, created_at, updated_at`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.UserID, &p.Amount, &p.Provider, &p.Status, &p.ExternalID, &p.BotHash, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepo) GetByID(ctx context.Context, id int64) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE id = $1
	`, id))
}

// GetForUpdate locks the payment row. Call within a transaction.
func (r *PaymentRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*models.Payment, error) {
	p, err := scanPayment(tx.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE
	`, id))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, pgx.ErrNoRows
	}
	return p, nil
}

func (r *PaymentRepo) SetStatus(ctx context.Context, tx pgx.Tx, id int64, status string) error {
	_, err := tx.Exec(ctx, `
		UPDATE payments SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	return err
}

// ListByUser returns the user's most recent payments, newest first.
func (r *PaymentRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Payment
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.ID, &p.UserID, &p.Amount, &p.Provider, &p.Status, &p.ExternalID, &p.BotHash, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &p)
	}
	return list, rows.Err()
}
