// Package events defines the observable side effects the core hands to the
// transport layer. Each event carries enough data for a human-readable
// notification; the core never learns how (or whether) it is displayed.
package events

import (
	"context"

	"github.com/refbot/moderator-backend/internal/models"
)

type BalanceChanged struct {
	UserID int64
	Reason string
	Delta  int64
	Before models.Balances
	After  models.Balances
	Key    string
}

type ComplaintStateChanged struct {
	ComplaintID int64
	UserID      int64
	Moderator   int64
	From        string
	To          string
	Amount      *int64
	BotHash     *string
}

type ReconcileSummary struct {
	UserID   int64
	Released int64
	Blocking []int64
}

type RecheckOutcome struct {
	PaymentID int64
	UserID    int64
	Outcome   string
}

// Sink receives events fire-and-forget: implementations must not block the
// caller on delivery and the core never depends on delivery success.
type Sink interface {
	BalanceChanged(ctx context.Context, ev BalanceChanged)
	ComplaintStateChanged(ctx context.Context, ev ComplaintStateChanged)
	ReconcileSummary(ctx context.Context, ev ReconcileSummary)
	RecheckOutcome(ctx context.Context, ev RecheckOutcome)
}

// Nop discards every event.
type Nop struct{}

func (Nop) BalanceChanged(context.Context, BalanceChanged)               {}
func (Nop) ComplaintStateChanged(context.Context, ComplaintStateChanged) {}
func (Nop) ReconcileSummary(context.Context, ReconcileSummary)           {}
func (Nop) RecheckOutcome(context.Context, RecheckOutcome)               {}

var _ Sink = Nop{}
