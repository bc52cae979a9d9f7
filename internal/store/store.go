package store

import (
	"context"

	"github.com/rupak1811/permiso/internal/model"
)

// Store is the single-process durable storage used by the client: a
// small key/value table for session state plus the session audit log.
type Store interface {
	// === Key/value ===

	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error

	// === Session audit ===

	RecordSessionEvent(ctx context.Context, ev model.SessionEvent) error
	RecentSessionEvents(ctx context.Context, limit int) ([]model.SessionEvent, error)
}
