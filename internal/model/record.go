package model

import (
	"encoding/json"
	"time"
)

// ResourceKind identifies a live collection served by the permit API.
type ResourceKind string

const (
	ResourceProjects      ResourceKind = "projects"
	ResourceNotifications ResourceKind = "notifications"
	ResourcePermits       ResourceKind = "permits"
)

// Record is the schema-agnostic representation of one item in a
// fetched collection. The permit/project schema itself belongs to the
// server; the client only needs enough to show what changed.
type Record struct {
	// ID is the server identifier of the item.
	ID string `json:"id"`

	// Title is the human-readable label (project name, permit number,
	// notification text).
	Title string `json:"title"`

	// Status is the server-side workflow status, if any.
	Status string `json:"status,omitempty"`

	// UpdatedAt is the last server modification time.
	UpdatedAt time.Time `json:"updated_at"`

	// Raw holds the untouched JSON object for callers that need more.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the raw object next to the decoded
// fields.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Record(p)
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}
