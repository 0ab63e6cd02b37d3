// Package bots resolves the fleet of child generation bots. Complaints and
// payments carry a short hash of the originating bot's token, so user
// notifications can be routed through the right bot without raw tokens ever
// appearing in callback data or logs.
package bots

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"

	"github.com/refbot/moderator-backend/internal/models"
)

// ErrBotNotFound is returned when no active bot matches the token hash.
var ErrBotNotFound = errors.New("bot not found")

// TokenHash is the legacy 12-hex-char identifier derived from a bot token.
// It identifies, it does not protect: the format is fixed by the data already
// stored on complaints and payments.
func TokenHash(token string) string {
	sum := md5.Sum([]byte(token))
	return hex.EncodeToString(sum[:])[:12]
}

// Store is the durable fleet surface.
type Store interface {
	ListActive(ctx context.Context) ([]*models.BotRecord, error)
}

type Service struct {
	repo Store
}

func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

// ByTokenHash finds the active bot whose token hashes to the given value.
func (s *Service) ByTokenHash(ctx context.Context, hash string) (*models.BotRecord, error) {
	list, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range list {
		if TokenHash(b.Token) == hash {
			return b, nil
		}
	}
	return nil, ErrBotNotFound
}

// ListActive exposes the active fleet.
func (s *Service) ListActive(ctx context.Context) ([]*models.BotRecord, error) {
	return s.repo.ListActive(ctx)
}
