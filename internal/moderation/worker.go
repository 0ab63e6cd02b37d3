package moderation

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// StaleReviewStore re-surfaces complaints a dead process left under_review.
type StaleReviewStore interface {
	ListStaleReviews(ctx context.Context, olderThan time.Duration) ([]int64, error)
	ResetToNew(ctx context.Context, complaintID int64) error
}

// StaleReviewArgs is the periodic recovery sweep. Sessions die with the
// process while the durable under_review status survives; anything under
// review longer than the timeout with no live session goes back to new.
type StaleReviewArgs struct{}

func (StaleReviewArgs) Kind() string { return "stale_review_sweep" }

func (StaleReviewArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

type StaleReviewWorker struct {
	river.WorkerDefaults[StaleReviewArgs]
	store    StaleReviewStore
	sessions *Sessions
	timeout  time.Duration
	log      *slog.Logger
}

func NewStaleReviewWorker(store StaleReviewStore, sessions *Sessions, timeout time.Duration, log *slog.Logger) *StaleReviewWorker {
	if log == nil {
		log = slog.Default()
	}
	return &StaleReviewWorker{store: store, sessions: sessions, timeout: timeout, log: log}
}

func (w *StaleReviewWorker) Work(ctx context.Context, job *river.Job[StaleReviewArgs]) error {
	w.sessions.Reap()

	ids, err := w.store.ListStaleReviews(ctx, w.timeout)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if w.sessions.Held(id) {
			continue
		}
		if err := w.store.ResetToNew(ctx, id); err != nil {
			w.log.Error("reset stale review failed", "complaint_id", id, "error", err)
			continue
		}
		w.log.Info("stale review returned to queue", "complaint_id", id)
	}
	return nil
}
