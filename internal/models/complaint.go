package models

import "time"

// Complaint statuses. The resolution workflow only ever moves forward:
// new -> under_review -> accepted|rejected -> closed.
const (
	ComplaintStatusNew         = "new"
	ComplaintStatusUnderReview = "under_review"
	ComplaintStatusAccepted    = "accepted"
	ComplaintStatusRejected    = "rejected"
	ComplaintStatusClosed      = "closed"
)

type Complaint struct {
	ID                int64      `json:"id"`
	UserID            int64      `json:"user_id"`
	GenerationID      *int64     `json:"generation_id,omitempty"`
	Category          *string    `json:"category,omitempty"`
	BotHash           *string    `json:"bot_hash,omitempty"`
	FilePath          *string    `json:"file_path,omitempty"`
	SourcePath        *string    `json:"source_path,omitempty"`
	Status            string     `json:"status"`
	Dispatched        bool       `json:"dispatched"`
	AssignedModerator *int64     `json:"assigned_moderator,omitempty"`
	ResolutionAmount  *int64     `json:"resolution_amount,omitempty"`
	ResolutionNote    *string    `json:"resolution_note,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the complaint has passed through a decision.
func (c *Complaint) Resolved() bool {
	return c.Status == ComplaintStatusAccepted ||
		c.Status == ComplaintStatusRejected ||
		c.Status == ComplaintStatusClosed
}
