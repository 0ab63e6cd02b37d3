package reconcile

import (
	"context"
	"log/slog"

	"github.com/riverqueue/river"
)

// UserArgs reconciles a single user's holds. Enqueued transactionally when a
// generation job reaches a terminal status, and by the periodic sweep.
type UserArgs struct {
	UserID int64 `json:"user_id"`
}

func (UserArgs) Kind() string { return "reconcile_user" }

type UserWorker struct {
	river.WorkerDefaults[UserArgs]
	svc *Service
	log *slog.Logger
}

func NewUserWorker(svc *Service, log *slog.Logger) *UserWorker {
	if log == nil {
		log = slog.Default()
	}
	return &UserWorker{svc: svc, log: log}
}

func (w *UserWorker) Work(ctx context.Context, job *river.Job[UserArgs]) error {
	res, err := w.svc.Reconcile(ctx, job.Args.UserID)
	if err != nil {
		return err
	}
	if res.Released > 0 || len(res.Blocking) > 0 {
		w.log.Info("reconciled user holds",
			"user_id", job.Args.UserID, "released", res.Released, "blocking", len(res.Blocking))
	}
	return nil
}

// SweepStore lists users that still carry a reserved earmark.
type SweepStore interface {
	UsersWithReserve(ctx context.Context, limit int) ([]int64, error)
}

// SweepArgs is the periodic pass over every user with reserved balance.
type SweepArgs struct{}

func (SweepArgs) Kind() string { return "reconcile_sweep" }

func (SweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	svc   *Service
	users SweepStore
	log   *slog.Logger
}

func NewSweepWorker(svc *Service, users SweepStore, log *slog.Logger) *SweepWorker {
	if log == nil {
		log = slog.Default()
	}
	return &SweepWorker{svc: svc, users: users, log: log}
}

const sweepBatchSize = 500

func (w *SweepWorker) Work(ctx context.Context, job *river.Job[SweepArgs]) error {
	userIDs, err := w.users.UsersWithReserve(ctx, sweepBatchSize)
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		if _, err := w.svc.Reconcile(ctx, userID); err != nil {
			// One stuck user must not starve the rest of the sweep.
			w.log.Error("sweep reconcile failed", "user_id", userID, "error", err)
		}
	}
	return nil
}
