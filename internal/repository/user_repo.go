package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/refbot/moderator-backend/internal/models"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

const userColumns = `user_id, username, lang, balance, COALESCE(reserved_balance, 0), joined_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.Lang, &u.Balance, &u.ReservedBalance, &u.JoinedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByID returns the user, or nil when unknown.
func (r *UserRepo) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE user_id = $1
	`, id))
}

// GetByUsername looks a user up by handle, case-insensitively and with or
// without the leading @.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	normalized := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
	if normalized == "" {
		return nil, nil
	}
	return scanUser(r.pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE LOWER(username) = $1
	`, normalized))
}

// BalancesForUpdate locks the user row and returns both pools. Call within a
// transaction; the lock is what serializes concurrent applies per user.
func (r *UserRepo) BalancesForUpdate(ctx context.Context, tx pgx.Tx, userID int64) (models.Balances, error) {
	var b models.Balances
	err := tx.QueryRow(ctx, `
		SELECT balance, COALESCE(reserved_balance, 0)
		FROM users WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&b.Available, &b.Reserved)
	return b, err
}

// WriteBalances sets both pools. Call after BalancesForUpdate in the same tx.
func (r *UserRepo) WriteBalances(ctx context.Context, tx pgx.Tx, userID int64, b models.Balances) error {
	_, err := tx.Exec(ctx, `
		UPDATE users SET balance = $2, reserved_balance = $3, updated_at = now()
		WHERE user_id = $1
	`, userID, b.Available, b.Reserved)
	return err
}

// UsersWithReserve lists users still carrying a reserved earmark, oldest
// update first so stuck holds surface before fresh ones.
func (r *UserRepo) UsersWithReserve(ctx context.Context, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id FROM users
		WHERE COALESCE(reserved_balance, 0) > 0
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
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
