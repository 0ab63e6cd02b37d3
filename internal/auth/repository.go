package auth

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// IsActiveAdmin reports whether the user id is an active admin.
func (r *Repository) IsActiveAdmin(ctx context.Context, userID int64) (bool, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM admins WHERE user_id = $1 AND is_active = TRUE
	`, userID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetDashboardCredentials returns the admin's dashboard password hash, or
// ("", nil) when the admin has no dashboard access set up.
func (r *Repository) GetDashboardCredentials(ctx context.Context, userID int64) (string, error) {
	var hash *string
	err := r.pool.QueryRow(ctx, `
		SELECT dashboard_password_hash FROM admins WHERE user_id = $1 AND is_active = TRUE
	`, userID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if hash == nil {
		return "", nil
	}
	return *hash, nil
}
