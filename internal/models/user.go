package models

import (
	"strconv"
	"time"
)

// User is an end user of one of the generation bots. IDs come from the chat
// platform, so they are int64 rather than generated.
type User struct {
	ID              int64     `json:"user_id"`
	Username        *string   `json:"username,omitempty"`
	Lang            string    `json:"lang"`
	Balance         int64     `json:"balance"`
	ReservedBalance int64     `json:"reserved_balance"`
	JoinedAt        time.Time `json:"joined_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Balances is the pair of credit pools held per user. Reserved is an earmark
// against in-flight work, not a second account: releasing a hold clears the
// earmark without crediting the available pool.
type Balances struct {
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
}

// UsernameDisplay returns the handle shown to moderators, falling back to a
// synthetic label when the user has no username.
func (u *User) UsernameDisplay() string {
	if u.Username != nil && *u.Username != "" {
		return "@" + *u.Username
	}
	return "user_" + strconv.FormatInt(u.ID, 10)
}
