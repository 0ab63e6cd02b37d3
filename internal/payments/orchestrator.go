// Package payments re-verifies disputed payments against the external
// processor. The processor is the source of truth for transaction validity;
// this package only orchestrates re-checks and never mutates balances; the
// outcome feeds the complaint decision instead.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/refbot/moderator-backend/internal/accounting"
	"github.com/refbot/moderator-backend/internal/events"
	"github.com/refbot/moderator-backend/internal/models"
)

// ErrVerifierUnavailable marks a transient verifier failure (timeout,
// 5xx-equivalent). The payment stays rechecking and the attempt is retried
// with the same request key; it never degrades into resolved_invalid.
var ErrVerifierUnavailable = errors.New("payment verifier unavailable")

// ErrInvalidTransition is returned for recheck requests on payments that are
// not disputed (or already resolved).
var ErrInvalidTransition = errors.New("invalid payment transition")

// Verifier is the external payment-verification collaborator. It may be
// called more than once per payment and must be idempotent on requestKey.
type Verifier interface {
	Verify(ctx context.Context, p *models.Payment, requestKey string) (valid bool, err error)
}

// Store is the durable payment surface.
type Store interface {
	GetByID(ctx context.Context, id int64) (*models.Payment, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*models.Payment, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id int64, status string) error
}

// EnqueueRecheckTxFunc inserts the verification job within the given
// transaction. Wired in main as a closure over river.Client.InsertTx.
type EnqueueRecheckTxFunc func(ctx context.Context, tx pgx.Tx, args RecheckArgs) error

type Orchestrator struct {
	db       accounting.TxBeginner
	store    Store
	verifier Verifier
	enqueue  EnqueueRecheckTxFunc
	sink     events.Sink
}

func NewOrchestrator(db accounting.TxBeginner, store Store, verifier Verifier, enqueue EnqueueRecheckTxFunc, sink events.Sink) *Orchestrator {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Orchestrator{db: db, store: store, verifier: verifier, enqueue: enqueue, sink: sink}
}

// RequestKey is the processor-side idempotency key for a payment's recheck.
func RequestKey(paymentID int64) string {
	return fmt.Sprintf("payment:%d:recheck", paymentID)
}

// Start moves a disputed payment to rechecking and schedules the external
// verification, both in one transaction. Starting an already-rechecking
// payment re-enqueues the verification job: the job is unique by args, so an
// in-flight attempt absorbs the insert, while a payment whose retry budget
// ran out gets a fresh job and can still reach a terminal status.
func (o *Orchestrator) Start(ctx context.Context, paymentID int64) error {
	tx, err := o.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	p, err := o.store.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	switch p.Status {
	case models.PaymentStatusRechecking:
		if err := o.enqueue(ctx, tx, RecheckArgs{PaymentID: paymentID}); err != nil {
			return err
		}
		return tx.Commit(ctx)
	case models.PaymentStatusDisputed:
	default:
		return fmt.Errorf("%w: recheck from %s", ErrInvalidTransition, p.Status)
	}

	if err := o.store.SetStatus(ctx, tx, paymentID, models.PaymentStatusRechecking); err != nil {
		return err
	}
	if err := o.enqueue(ctx, tx, RecheckArgs{PaymentID: paymentID}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Execute performs one verification attempt. Called from the river worker, so
// the handler pool never blocks on the external call. A transient failure
// leaves the payment rechecking and surfaces ErrVerifierUnavailable for the
// queue to retry with backoff; two executions racing on one payment converge
// to a single terminal outcome because the second observes the first's write.
func (o *Orchestrator) Execute(ctx context.Context, paymentID int64) (string, error) {
	p, err := o.store.GetByID(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if p.RecheckTerminal() {
		return p.Status, nil
	}
	if p.Status != models.PaymentStatusRechecking {
		return "", fmt.Errorf("%w: execute recheck from %s", ErrInvalidTransition, p.Status)
	}

	valid, err := o.verifier.Verify(ctx, p, RequestKey(paymentID))
	if err != nil {
		return "", fmt.Errorf("verify payment %d: %w", paymentID, err)
	}

	outcome := models.PaymentStatusResolvedInvalid
	if valid {
		outcome = models.PaymentStatusResolvedValid
	}

	tx, err := o.db.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	cur, err := o.store.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return "", err
	}
	if cur.RecheckTerminal() {
		// Lost the race against a concurrent attempt; keep its outcome.
		return cur.Status, tx.Commit(ctx)
	}
	if err := o.store.SetStatus(ctx, tx, paymentID, outcome); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}

	o.sink.RecheckOutcome(ctx, events.RecheckOutcome{
		PaymentID: paymentID,
		UserID:    p.UserID,
		Outcome:   outcome,
	})
	return outcome, nil
}
