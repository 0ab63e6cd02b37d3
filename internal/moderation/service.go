// Package moderation drives the complaint resolution workflow:
// new -> under_review -> accepted|rejected -> closed. Transitions validate
// against a closed table, claims serialize through the in-process session
// coordinator, and every balance effect goes through the accountant so there
// is a single mutation path.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/refbot/moderator-backend/internal/accounting"
	"github.com/refbot/moderator-backend/internal/events"
	"github.com/refbot/moderator-backend/internal/models"
	"github.com/refbot/moderator-backend/internal/reconcile"
)

// ErrInvalidTransition is state machine misuse: the complaint is not in a
// status the requested operation can act on.
var ErrInvalidTransition = errors.New("invalid complaint transition")

// ErrNotAuthorized is returned when the caller is not a moderator.
var ErrNotAuthorized = errors.New("not authorized")

// ComplaintStore is the durable complaint surface. Reads lock the row; the
// in-process session lock layers on top of, not instead of, durable state.
type ComplaintStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*models.Complaint, error)
	SetUnderReview(ctx context.Context, tx pgx.Tx, id, moderator int64) error
	SetResolution(ctx context.Context, tx pgx.Tx, id int64, status string, moderator int64, amount *int64, note *string) error
	SetClosed(ctx context.Context, tx pgx.Tx, id int64) error
}

// BalanceStore reads a user's pools under lock, for the residual-release
// policy check on reject.
type BalanceStore interface {
	BalancesForUpdate(ctx context.Context, tx pgx.Tx, userID int64) (models.Balances, error)
}

// Accountant is the slice of the accounting service decisions use.
type Accountant interface {
	ApplyTx(ctx context.Context, tx pgx.Tx, userID, delta int64, reason, key string) (models.Balances, error)
}

// Reconciler gates every release of reserved funds on the generation queue.
type Reconciler interface {
	ReconcileTx(ctx context.Context, tx pgx.Tx, userID int64) (reconcile.Result, error)
}

// Authorizer answers whether a chat user may moderate.
type Authorizer interface {
	IsModerator(ctx context.Context, userID int64) (bool, error)
}

// Decision is the outcome of an accept or reject, with enough data for the
// transport layer to report to the moderator and the user.
type Decision struct {
	Complaint *models.Complaint
	Balances  models.Balances
	Released  int64
	Blocking  []int64
	Replayed  bool
}

type Service struct {
	db       accounting.TxBeginner
	store    ComplaintStore
	balances BalanceStore
	acct     Accountant
	rec      Reconciler
	sessions *Sessions
	authz    Authorizer
	sink     events.Sink

	// releaseOnReject controls what happens to residual reserved balance when
	// a complaint without a linked generation is rejected. Policy knob, not an
	// assumption: the reserved funds may back work the queue no longer tracks.
	releaseOnReject bool
}

func NewService(
	db accounting.TxBeginner,
	store ComplaintStore,
	balances BalanceStore,
	acct Accountant,
	rec Reconciler,
	sessions *Sessions,
	authz Authorizer,
	sink events.Sink,
	releaseOnReject bool,
) *Service {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Service{
		db:              db,
		store:           store,
		balances:        balances,
		acct:            acct,
		rec:             rec,
		sessions:        sessions,
		authz:           authz,
		sink:            sink,
		releaseOnReject: releaseOnReject,
	}
}

// DecisionKey is the idempotency key under which a complaint's balance effect
// is recorded. One complaint settles at most once, so accept and the
// reject-side residual release derive distinct keys from it.
func DecisionKey(complaintID int64) string {
	return fmt.Sprintf("complaint:%d", complaintID)
}

func residualKey(complaintID int64) string {
	return fmt.Sprintf("complaint:%d:residual", complaintID)
}

// Claim moves the complaint to under_review for the moderator. The session
// lock is taken first; on any store failure it is released again so the
// complaint does not stay claimed by a failed request.
func (s *Service) Claim(ctx context.Context, moderator, complaintID int64) (*models.Complaint, error) {
	if err := s.authorize(ctx, moderator); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Claim(moderator, complaintID)
	if err != nil {
		return nil, err
	}

	c, err := s.claimTx(ctx, moderator, complaintID)
	if err != nil {
		s.sessions.Release(sess)
		return nil, err
	}
	return c, nil
}

func (s *Service) claimTx(ctx context.Context, moderator, complaintID int64) (*models.Complaint, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.store.GetForUpdate(ctx, tx, complaintID)
	if err != nil {
		return nil, err
	}
	// under_review is claimable too: after a restart the durable status
	// survives while the session does not, and the moderator re-claims.
	if c.Status != models.ComplaintStatusNew && c.Status != models.ComplaintStatusUnderReview {
		return nil, fmt.Errorf("%w: claim from %s", ErrInvalidTransition, c.Status)
	}
	from := c.Status
	if err := s.store.SetUnderReview(ctx, tx, complaintID, moderator); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	c.Status = models.ComplaintStatusUnderReview
	c.AssignedModerator = &moderator
	s.sink.ComplaintStateChanged(ctx, events.ComplaintStateChanged{
		ComplaintID: c.ID,
		UserID:      c.UserID,
		Moderator:   moderator,
		From:        from,
		To:          c.Status,
		BotHash:     c.BotHash,
	})
	return c, nil
}

// Accept credits the user with amount and moves the complaint to accepted.
// Re-delivering the same accept (a duplicate webhook) replays the stored
// result without a second credit.
func (s *Service) Accept(ctx context.Context, moderator, complaintID, amount int64) (*Decision, error) {
	if err := s.authorize(ctx, moderator); err != nil {
		return nil, err
	}
	if amount < 0 {
		return nil, fmt.Errorf("%w: negative accept amount %d", accounting.ErrInvariantViolation, amount)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.store.GetForUpdate(ctx, tx, complaintID)
	if err != nil {
		return nil, err
	}

	if replay, ok := s.replayedDecision(c, models.ComplaintStatusAccepted); ok {
		bal, err := s.acct.ApplyTx(ctx, tx, c.UserID, *c.ResolutionAmount, models.ReasonCredit, DecisionKey(c.ID))
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		replay.Balances = bal
		return replay, nil
	}

	sess, err := s.heldSession(moderator, c)
	if err != nil {
		return nil, err
	}

	bal, err := s.acct.ApplyTx(ctx, tx, c.UserID, amount, models.ReasonCredit, DecisionKey(c.ID))
	if err != nil {
		return nil, err
	}
	if err := s.store.SetResolution(ctx, tx, c.ID, models.ComplaintStatusAccepted, moderator, &amount, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.sessions.Release(sess)
	s.finishDecision(ctx, c, moderator, models.ComplaintStatusAccepted, &amount)
	c.Status = models.ComplaintStatusAccepted
	c.ResolutionAmount = &amount
	return &Decision{Complaint: c, Balances: bal}, nil
}

// Reject moves the complaint to rejected with no balance effect by default.
// When the complaint links a generation job, the reconciler runs first so any
// hold the decision frees is released through the single mutation path; a
// complaint without a linked job falls under the releaseOnReject policy.
func (s *Service) Reject(ctx context.Context, moderator, complaintID int64, note string) (*Decision, error) {
	if err := s.authorize(ctx, moderator); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.store.GetForUpdate(ctx, tx, complaintID)
	if err != nil {
		return nil, err
	}

	if replay, ok := s.replayedDecision(c, models.ComplaintStatusRejected); ok {
		return replay, nil
	}

	sess, err := s.heldSession(moderator, c)
	if err != nil {
		return nil, err
	}

	var res reconcile.Result
	if c.GenerationID != nil {
		if res, err = s.rec.ReconcileTx(ctx, tx, c.UserID); err != nil {
			return nil, err
		}
	} else if s.releaseOnReject {
		if res, err = s.rec.ReconcileTx(ctx, tx, c.UserID); err != nil {
			return nil, err
		}
		if len(res.Blocking) == 0 {
			bal, err := s.balances.BalancesForUpdate(ctx, tx, c.UserID)
			if err != nil {
				return nil, err
			}
			if bal.Reserved > 0 {
				if _, err := s.acct.ApplyTx(ctx, tx, c.UserID, bal.Reserved, models.ReasonRelease, residualKey(c.ID)); err != nil {
					return nil, err
				}
				res.Released += bal.Reserved
			}
		}
	}

	noteCopy := note
	if err := s.store.SetResolution(ctx, tx, c.ID, models.ComplaintStatusRejected, moderator, nil, &noteCopy); err != nil {
		return nil, err
	}

	bal, err := s.balances.BalancesForUpdate(ctx, tx, c.UserID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.sessions.Release(sess)
	s.finishDecision(ctx, c, moderator, models.ComplaintStatusRejected, nil)
	c.Status = models.ComplaintStatusRejected
	c.ResolutionNote = &noteCopy
	return &Decision{Complaint: c, Balances: bal, Released: res.Released, Blocking: res.Blocking}, nil
}

// Close is terminal and idempotent: closing a closed complaint is a no-op.
func (s *Service) Close(ctx context.Context, complaintID int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	c, err := s.store.GetForUpdate(ctx, tx, complaintID)
	if err != nil {
		return err
	}
	switch c.Status {
	case models.ComplaintStatusClosed:
		return nil
	case models.ComplaintStatusAccepted, models.ComplaintStatusRejected:
	default:
		return fmt.Errorf("%w: close from %s", ErrInvalidTransition, c.Status)
	}
	if err := s.store.SetClosed(ctx, tx, complaintID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Cancel abandons the moderator's live session, if any. Already-applied
// balance mutations stay applied: decisions are never speculative.
func (s *Service) Cancel(ctx context.Context, moderator int64) bool {
	sess := s.sessions.Lookup(moderator)
	if sess == nil {
		return false
	}
	s.sessions.Release(sess)
	return true
}

// Lookup exposes the moderator's live session to the transport layer.
func (s *Service) Lookup(moderator int64) *Session {
	return s.sessions.Lookup(moderator)
}

func (s *Service) authorize(ctx context.Context, moderator int64) error {
	ok, err := s.authz.IsModerator(ctx, moderator)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %d is not a moderator", ErrNotAuthorized, moderator)
	}
	return nil
}

// replayedDecision matches a duplicate delivery of an already-applied
// decision. A decision of the other kind on a settled complaint is misuse.
func (s *Service) replayedDecision(c *models.Complaint, want string) (*Decision, bool) {
	switch c.Status {
	case want:
		return &Decision{Complaint: c, Replayed: true}, true
	case models.ComplaintStatusNew, models.ComplaintStatusUnderReview:
		return nil, false
	default:
		return nil, false
	}
}

// heldSession verifies the moderator holds the live session for the
// complaint, and that the complaint is actually under review.
func (s *Service) heldSession(moderator int64, c *models.Complaint) (*Session, error) {
	if c.Status != models.ComplaintStatusUnderReview {
		return nil, fmt.Errorf("%w: decide from %s", ErrInvalidTransition, c.Status)
	}
	sess := s.sessions.Lookup(moderator)
	if sess == nil || sess.ComplaintID != c.ID {
		return nil, fmt.Errorf("%w: complaint %d is not claimed by moderator %d", ErrInvalidTransition, c.ID, moderator)
	}
	return sess, nil
}

func (s *Service) finishDecision(ctx context.Context, c *models.Complaint, moderator int64, to string, amount *int64) {
	now := time.Now()
	c.ResolvedAt = &now
	s.sink.ComplaintStateChanged(ctx, events.ComplaintStateChanged{
		ComplaintID: c.ID,
		UserID:      c.UserID,
		Moderator:   moderator,
		From:        models.ComplaintStatusUnderReview,
		To:          to,
		Amount:      amount,
		BotHash:     c.BotHash,
	})
}
