package model

import "time"

// SessionEvent is an audit entry for one session state transition.
type SessionEvent struct {
	// ID is the unique identifier for this entry.
	ID string `json:"id"`

	// State is the state the session moved into.
	State string `json:"state"`

	// Reason explains the transition ("user_initiated", "expired",
	// "rejected", or empty for logins and refreshes).
	Reason string `json:"reason"`

	// Detail carries the underlying error message, if any.
	Detail string `json:"detail"`

	// CreatedAt is when the transition happened.
	CreatedAt time.Time `json:"created_at"`
}
