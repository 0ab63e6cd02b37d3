package payments

import (
	"context"
	"errors"
	"log/slog"

	"github.com/riverqueue/river"
)

// RecheckArgs carries one payment re-verification attempt.
type RecheckArgs struct {
	PaymentID int64 `json:"payment_id"`
}

func (RecheckArgs) Kind() string { return "payment_recheck" }

func (RecheckArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: recheckMaxAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// After the attempt budget runs out the payment stays rechecking and is never
// auto-resolved; a moderator re-triggering the recheck enqueues a fresh job.
const recheckMaxAttempts = 10

type RecheckWorker struct {
	river.WorkerDefaults[RecheckArgs]
	orch *Orchestrator
	log  *slog.Logger
}

func NewRecheckWorker(orch *Orchestrator, log *slog.Logger) *RecheckWorker {
	if log == nil {
		log = slog.Default()
	}
	return &RecheckWorker{orch: orch, log: log}
}

func (w *RecheckWorker) Work(ctx context.Context, job *river.Job[RecheckArgs]) error {
	outcome, err := w.orch.Execute(ctx, job.Args.PaymentID)
	if err != nil {
		if errors.Is(err, ErrVerifierUnavailable) {
			// Returning the error hands the retry (with backoff) to the queue.
			w.log.Warn("verifier unavailable, recheck stays pending",
				"payment_id", job.Args.PaymentID, "attempt", job.Attempt)
			return err
		}
		return err
	}
	w.log.Info("payment recheck resolved", "payment_id", job.Args.PaymentID, "outcome", outcome)
	return nil
}
