// Package generation tracks the generation queue the moderation core
// reconciles against. Enqueueing charges the user and places the reservation
// hold in one transaction; terminal transitions schedule a reconcile pass for
// the user so the hold is released exactly once.
package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/refbot/moderator-backend/internal/accounting"
	"github.com/refbot/moderator-backend/internal/models"
	"github.com/refbot/moderator-backend/internal/reconcile"
)

// ErrInvalidTransition is returned for a status change the job's current
// status does not allow.
var ErrInvalidTransition = errors.New("invalid job transition")

// Store is the durable generation-queue surface.
type Store interface {
	Create(ctx context.Context, tx pgx.Tx, j *models.GenerationJob) error
	GetByID(ctx context.Context, id int64) (*models.GenerationJob, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id int64, status string, mediaPath *string) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*models.GenerationJob, error)
}

// Accountant is the slice of the accounting service enqueue/start use.
type Accountant interface {
	ApplyTx(ctx context.Context, tx pgx.Tx, userID, delta int64, reason, key string) (models.Balances, error)
}

// EnqueueReconcileTxFunc schedules a reconcile pass for the user within the
// given transaction. Wired in main as a closure over river.Client.InsertTx.
type EnqueueReconcileTxFunc func(ctx context.Context, tx pgx.Tx, args reconcile.UserArgs) error

type Service struct {
	db               accounting.TxBeginner
	store            Store
	acct             Accountant
	enqueueReconcile EnqueueReconcileTxFunc
}

func NewService(db accounting.TxBeginner, store Store, acct Accountant, enqueueReconcile EnqueueReconcileTxFunc) *Service {
	return &Service{db: db, store: store, acct: acct, enqueueReconcile: enqueueReconcile}
}

func chargeKey(jobID int64) string {
	return fmt.Sprintf("job:%d:charge", jobID)
}

func holdKey(jobID int64) string {
	return fmt.Sprintf("job:%d:hold", jobID)
}

// Enqueue creates a queued job, debits its cost from the available pool and
// earmarks the same amount as reserved, all in one transaction. A user who
// cannot cover the cost gets ErrInsufficientFunds and no job.
func (s *Service) Enqueue(ctx context.Context, userID, cost int64, category, botHash *string) (*models.GenerationJob, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	job := &models.GenerationJob{
		UserID:            userID,
		Category:          category,
		BotHash:           botHash,
		Status:            models.JobStatusQueued,
		ReservationAmount: cost,
	}
	if err := s.store.Create(ctx, tx, job); err != nil {
		return nil, err
	}
	if _, err := s.acct.ApplyTx(ctx, tx, userID, cost, models.ReasonDebit, chargeKey(job.ID)); err != nil {
		return nil, err
	}
	if _, err := s.acct.ApplyTx(ctx, tx, userID, cost, models.ReasonReserve, holdKey(job.ID)); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

// Start marks a queued job running.
func (s *Service) Start(ctx context.Context, jobID int64) error {
	return s.transition(ctx, jobID, models.JobStatusRunning, nil, models.JobStatusQueued)
}

// Complete marks the job done and schedules the user's hold release.
func (s *Service) Complete(ctx context.Context, jobID int64, mediaPath *string) error {
	return s.transition(ctx, jobID, models.JobStatusDone, mediaPath, models.JobStatusQueued, models.JobStatusRunning)
}

// Fail marks the job failed and schedules the user's hold release.
func (s *Service) Fail(ctx context.Context, jobID int64) error {
	return s.transition(ctx, jobID, models.JobStatusFailed, nil, models.JobStatusQueued, models.JobStatusRunning)
}

// Cancel marks a queued job cancelled and schedules the user's hold release.
func (s *Service) Cancel(ctx context.Context, jobID int64) error {
	return s.transition(ctx, jobID, models.JobStatusCancelled, nil, models.JobStatusQueued)
}

func (s *Service) transition(ctx context.Context, jobID int64, to string, mediaPath *string, from ...string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	job, err := s.store.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.Status == to {
		return nil
	}
	allowed := false
	for _, f := range from {
		if job.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("job %d: cannot move %s -> %s: %w", jobID, job.Status, to, ErrInvalidTransition)
	}
	if err := s.store.SetStatus(ctx, tx, jobID, to, mediaPath); err != nil {
		return err
	}
	if terminalStatus(to) {
		// The hold itself is released by the reconciler, not here, so the
		// release path is the same whether the trigger is this transition,
		// the periodic sweep, or a moderator decision.
		if err := s.enqueueReconcile(ctx, tx, reconcile.UserArgs{UserID: job.UserID}); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func terminalStatus(status string) bool {
	switch status {
	case models.JobStatusDone, models.JobStatusFailed, models.JobStatusCancelled:
		return true
	}
	return false
}
