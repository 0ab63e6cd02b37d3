// Package reconcile releases reservation holds left behind by finished
// generation jobs. It runs both on a schedule and synchronously before any
// decision that would free reserved balance, so a moderator cannot unlock
// funds still backing an active job.
package reconcile

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/refbot/moderator-backend/internal/accounting"
	"github.com/refbot/moderator-backend/internal/events"
	"github.com/refbot/moderator-backend/internal/models"
)

// JobStore is the generation-queue surface the reconciler needs. The listing
// locks the user's job rows so two reconcilers for the same user serialize.
type JobStore interface {
	ListByUserForUpdate(ctx context.Context, tx pgx.Tx, userID int64) ([]*models.GenerationJob, error)
	MarkHoldReleased(ctx context.Context, tx pgx.Tx, jobID int64) error
}

// Accountant is the slice of the accounting service the reconciler uses.
type Accountant interface {
	ApplyTx(ctx context.Context, tx pgx.Tx, userID, delta int64, reason, key string) (models.Balances, error)
}

// Result reports what one reconcile pass did: the total reservation amount
// released and the ids of in-flight jobs whose holds stay pinned.
type Result struct {
	Released int64
	Blocking []int64
}

type Service struct {
	db   accounting.TxBeginner
	jobs JobStore
	acct Accountant
	sink events.Sink
}

func NewService(db accounting.TxBeginner, jobs JobStore, acct Accountant, sink events.Sink) *Service {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Service{db: db, jobs: jobs, acct: acct, sink: sink}
}

// Reconcile runs one pass in its own transaction and emits a summary event.
func (s *Service) Reconcile(ctx context.Context, userID int64) (Result, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback(ctx)
	res, err := s.ReconcileTx(ctx, tx, userID)
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, err
	}
	s.sink.ReconcileSummary(ctx, events.ReconcileSummary{
		UserID:   userID,
		Released: res.Released,
		Blocking: res.Blocking,
	})
	return res, nil
}

// ReconcileTx scans the user's jobs inside the caller's transaction. Every
// terminal job with an outstanding hold has its reservation released through
// the accountant, keyed by job id, and the hold marked cleared in the same
// transaction; queued and running jobs are reported as blocking and left
// untouched.
func (s *Service) ReconcileTx(ctx context.Context, tx pgx.Tx, userID int64) (Result, error) {
	jobsList, err := s.jobs.ListByUserForUpdate(ctx, tx, userID)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, job := range jobsList {
		if !job.Terminal() {
			if job.HoldOutstanding() {
				res.Blocking = append(res.Blocking, job.ID)
			}
			continue
		}
		if !job.HoldOutstanding() {
			continue
		}
		if _, err := s.acct.ApplyTx(ctx, tx, userID, job.ReservationAmount, models.ReasonRelease, ReleaseKey(job.ID)); err != nil {
			return Result{}, fmt.Errorf("release hold for job %d: %w", job.ID, err)
		}
		if err := s.jobs.MarkHoldReleased(ctx, tx, job.ID); err != nil {
			return Result{}, err
		}
		res.Released += job.ReservationAmount
	}
	return res, nil
}

// ReleaseKey is the idempotency key under which a job's hold release is
// recorded. Deriving it from the job id makes a double release impossible even
// across concurrent reconcile passes.
func ReleaseKey(jobID int64) string {
	return fmt.Sprintf("job:%d:release", jobID)
}
