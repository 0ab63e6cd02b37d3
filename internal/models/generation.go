package models

import "time"

// Generation job statuses. queued and running are in-flight; the rest are
// terminal. A job carries its reservation hold from enqueue until a terminal
// status, after which the hold is released exactly once (HoldReleased flips).
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusDone      = "done"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

type GenerationJob struct {
	ID                int64      `json:"id"`
	UserID            int64      `json:"user_id"`
	Category          *string    `json:"category,omitempty"`
	BotHash           *string    `json:"bot_hash,omitempty"`
	Status            string     `json:"status"`
	ReservationAmount int64      `json:"reservation_amount"`
	HoldReleased      bool       `json:"hold_released"`
	MediaPath         *string    `json:"media_path,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether no further status transition is possible.
func (j *GenerationJob) Terminal() bool {
	switch j.Status {
	case JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// HoldOutstanding reports whether the job still pins reserved balance.
func (j *GenerationJob) HoldOutstanding() bool {
	return j.ReservationAmount > 0 && !j.HoldReleased
}
