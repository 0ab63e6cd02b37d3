package models

import "time"

// BotRecord is a child generation bot registered in the fleet. Users are
// notified through the bot a complaint or payment originated from, identified
// by a short hash of its token so raw tokens never travel in callback data.
type BotRecord struct {
	ID        int64     `json:"id"`
	Name      *string   `json:"name,omitempty"`
	Token     string    `json:"-"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
