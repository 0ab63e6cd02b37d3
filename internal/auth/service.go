// Package auth answers who may moderate. Webhook actions authorize against
// the admins table; the dashboard additionally logs in with a password and a
// signed token.
package auth

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials covers unknown admins, missing dashboard access and
// wrong passwords alike, so login failures are indistinguishable.
var ErrInvalidCredentials = errors.New("invalid credentials")

type Service interface {
	IsModerator(ctx context.Context, userID int64) (bool, error)
	Login(ctx context.Context, userID int64, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (int64, error)
}

type service struct {
	repo   *Repository
	secret []byte
}

func NewService(repo *Repository) *service {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "moderator-dashboard-dev"
	}
	return &service{repo: repo, secret: []byte(secret)}
}

var _ Service = (*service)(nil)

func (s *service) IsModerator(ctx context.Context, userID int64) (bool, error) {
	return s.repo.IsActiveAdmin(ctx, userID)
}

func (s *service) Login(ctx context.Context, userID int64, password string) (string, error) {
	hash, err := s.repo.GetDashboardCredentials(ctx, userID)
	if err != nil {
		return "", err
	}
	if hash == "" {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(userID)
}

func (s *service) issueToken(userID int64) (string, error) {
	c := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(12 * time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (int64, error) {
	tok, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return 0, err
	}
	c, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || !tok.Valid {
		return 0, errors.New("invalid token")
	}
	return strconv.ParseInt(c.Subject, 10, 64)
}
