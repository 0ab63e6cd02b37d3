package models

import (
	"time"

	"github.com/google/uuid"
)

// Balance mutation reasons. credit and debit move the available pool,
// reserve and release move the reserved earmark.
const (
	ReasonReserve = "reserve"
	ReasonRelease = "release"
	ReasonDebit   = "debit"
	ReasonCredit  = "credit"
)

// BalanceAudit is one applied balance mutation. The idempotency key carries a
// uniqueness constraint in the store; a retry that hits an existing key reads
// the row back instead of reapplying the delta.
type BalanceAudit struct {
	ID             uuid.UUID `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	UserID         int64     `json:"user_id"`
	Reason         string    `json:"reason"`
	Delta          int64     `json:"delta"`
	AvailableAfter int64     `json:"available_after"`
	ReservedAfter  int64     `json:"reserved_after"`
	CreatedAt      time.Time `json:"created_at"`
}
