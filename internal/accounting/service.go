package accounting

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/refbot/moderator-backend/internal/events"
	"github.com/refbot/moderator-backend/internal/models"
)

// ErrInsufficientFunds is returned when a debit would drive the available pool
// below zero.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrInvariantViolation is returned when an apply would leave a balance pool
// negative in a way that only a bug can cause (e.g. releasing more than is
// reserved). It is surfaced verbatim, never clamped.
var ErrInvariantViolation = errors.New("balance invariant violation")

// UserStore is the minimal user-balance surface the accountant needs.
// BalancesForUpdate must lock the user row so concurrent applies against the
// same user serialize on the store.
type UserStore interface {
	BalancesForUpdate(ctx context.Context, tx pgx.Tx, userID int64) (models.Balances, error)
	WriteBalances(ctx context.Context, tx pgx.Tx, userID int64, b models.Balances) error
}

// AuditStore records applied mutations keyed by idempotency key. The key
// carries a uniqueness constraint.
type AuditStore interface {
	ByKey(ctx context.Context, tx pgx.Tx, key string) (*models.BalanceAudit, error)
	Insert(ctx context.Context, tx pgx.Tx, a *models.BalanceAudit) error
}

// TxBeginner opens store transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Accountant applies balance deltas to a user's available or reserved pool,
// exactly once per idempotency key.
type Accountant struct {
	db     TxBeginner
	users  UserStore
	audits AuditStore
	sink   events.Sink
}

func NewAccountant(db TxBeginner, users UserStore, audits AuditStore, sink events.Sink) *Accountant {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Accountant{db: db, users: users, audits: audits, sink: sink}
}

// Apply runs one balance mutation in its own transaction. The balance-changed
// event is emitted only after commit, and only when the delta actually landed
// (a replayed idempotency key produces no event).
func (a *Accountant) Apply(ctx context.Context, userID, delta int64, reason, key string) (models.Balances, error) {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return models.Balances{}, err
	}
	defer tx.Rollback(ctx)
	before, after, applied, err := a.applyTx(ctx, tx, userID, delta, reason, key)
	if err != nil {
		return models.Balances{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Balances{}, err
	}
	if applied {
		a.sink.BalanceChanged(ctx, events.BalanceChanged{
			UserID: userID,
			Reason: reason,
			Delta:  delta,
			Before: before,
			After:  after,
			Key:    key,
		})
	}
	return after, nil
}

// ApplyTx applies delta inside the caller's transaction. No event is emitted;
// the caller owns the commit and reports its own outcome.
func (a *Accountant) ApplyTx(ctx context.Context, tx pgx.Tx, userID, delta int64, reason, key string) (models.Balances, error) {
	_, after, _, err := a.applyTx(ctx, tx, userID, delta, reason, key)
	return after, err
}

// applyTx locks the balance row before the audit-key lookup, so a concurrent
// duplicate blocks on the lock and then sees the winner's audit row: the delta
// lands exactly once and every retry observes the same resulting balances.
func (a *Accountant) applyTx(ctx context.Context, tx pgx.Tx, userID, delta int64, reason, key string) (before, after models.Balances, applied bool, err error) {
	if delta < 0 {
		return before, after, false, fmt.Errorf("%w: negative delta %d for %s", ErrInvariantViolation, delta, reason)
	}

	before, err = a.users.BalancesForUpdate(ctx, tx, userID)
	if err != nil {
		return before, after, false, err
	}

	prev, err := a.audits.ByKey(ctx, tx, key)
	if err != nil {
		return before, after, false, err
	}
	if prev != nil {
		after = models.Balances{Available: prev.AvailableAfter, Reserved: prev.ReservedAfter}
		return before, after, false, nil
	}

	after = before
	switch reason {
	case models.ReasonCredit:
		after.Available += delta
	case models.ReasonDebit:
		if before.Available < delta {
			return before, after, false, fmt.Errorf("%w: debit %d exceeds available %d for user %d",
				ErrInsufficientFunds, delta, before.Available, userID)
		}
		after.Available -= delta
	case models.ReasonReserve:
		after.Reserved += delta
	case models.ReasonRelease:
		if before.Reserved < delta {
			return before, after, false, fmt.Errorf("%w: release %d exceeds reserved %d for user %d",
				ErrInvariantViolation, delta, before.Reserved, userID)
		}
		after.Reserved -= delta
	default:
		return before, after, false, fmt.Errorf("unknown balance reason %q", reason)
	}

	if err := a.users.WriteBalances(ctx, tx, userID, after); err != nil {
		return before, after, false, err
	}
	if err := a.audits.Insert(ctx, tx, &models.BalanceAudit{
		ID:             uuid.New(),
		IdempotencyKey: key,
		UserID:         userID,
		Reason:         reason,
		Delta:          delta,
		AvailableAfter: after.Available,
		ReservedAfter:  after.Reserved,
	}); err != nil {
		return before, after, false, err
	}
	return before, after, true, nil
}
