package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/refbot/moderator-backend/internal/events"
)

// Notifier renders core events into moderator-channel messages. It satisfies
// events.Sink; the core hands it structured data and never sees the text.
// Sends are dispatched on a goroutine so event emission never waits on the
// Bot API.
type Notifier struct {
	client          *Client
	moderatorChatID int64
}

func NewNotifier(client *Client, moderatorChatID int64) *Notifier {
	return &Notifier{client: client, moderatorChatID: moderatorChatID}
}

var _ events.Sink = (*Notifier)(nil)

// send detaches from the caller's cancellation: the emitting request may
// finish before delivery does.
func (n *Notifier) send(ctx context.Context, text string) {
	go n.client.Notify(context.WithoutCancel(ctx), n.moderatorChatID, text)
}

func (n *Notifier) BalanceChanged(ctx context.Context, ev events.BalanceChanged) {
	n.send(ctx, fmt.Sprintf(
		"💰 Balance change for user %d: %s %+d\nAvailable: %d → %d, reserved: %d → %d",
		ev.UserID, ev.Reason, ev.Delta,
		ev.Before.Available, ev.After.Available,
		ev.Before.Reserved, ev.After.Reserved,
	))
}

func (n *Notifier) ComplaintStateChanged(ctx context.Context, ev events.ComplaintStateChanged) {
	var b strings.Builder
	fmt.Fprintf(&b, "📋 Complaint #%d: %s → %s (moderator %d)", ev.ComplaintID, ev.From, ev.To, ev.Moderator)
	if ev.Amount != nil {
		fmt.Fprintf(&b, "\nCredited: %d", *ev.Amount)
	}
	n.send(ctx, b.String())
}

func (n *Notifier) ReconcileSummary(ctx context.Context, ev events.ReconcileSummary) {
	if ev.Released == 0 && len(ev.Blocking) == 0 {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🧹 Reserve reconciliation for user %d: released %d", ev.UserID, ev.Released)
	if len(ev.Blocking) > 0 {
		fmt.Fprintf(&b, "\n⚠️ Still blocked by %d active generation(s)", len(ev.Blocking))
	}
	n.send(ctx, b.String())
}

func (n *Notifier) RecheckOutcome(ctx context.Context, ev events.RecheckOutcome) {
	icon := "✅"
	if ev.Outcome == "resolved_invalid" {
		icon = "❌"
	}
	n.send(ctx, fmt.Sprintf(
		"%s Payment #%d recheck finished: %s (user %d)", icon, ev.PaymentID, ev.Outcome, ev.UserID))
}
