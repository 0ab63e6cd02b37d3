package bots

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/refbot/moderator-backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListActive returns the active child bots, newest first.
func (r *Repository) ListActive(ctx context.Context) ([]*models.BotRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, token, is_active, created_at, updated_at
		FROM bot WHERE is_active = TRUE
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.BotRecord
	for rows.Next() {
		var b models.BotRecord
		if err := rows.Scan(&b.ID, &b.Name, &b.Token, &b.IsActive, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &b)
	}
	return list, rows.Err()
}
