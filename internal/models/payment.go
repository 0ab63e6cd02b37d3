package models

import "time"

// Payment statuses. rechecking is only reachable from disputed and is left
// through exactly one of the two resolved states.
const (
	PaymentStatusPending         = "pending"
	PaymentStatusConfirmed       = "confirmed"
	PaymentStatusDisputed        = "disputed"
	PaymentStatusRechecking      = "rechecking"
	PaymentStatusResolvedValid   = "resolved_valid"
	PaymentStatusResolvedInvalid = "resolved_invalid"
)

type Payment struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	Amount     int64     `json:"amount"`
	Provider   *string   `json:"payment_provider,omitempty"`
	Status     string    `json:"status"`
	ExternalID *string   `json:"external_payment_id,omitempty"`
	BotHash    *string   `json:"bot_hash,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RecheckTerminal reports whether a recheck already produced its outcome.
func (p *Payment) RecheckTerminal() bool {
	return p.Status == PaymentStatusResolvedValid || p.Status == PaymentStatusResolvedInvalid
}
