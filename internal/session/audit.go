package session

import (
	"context"
	"log/slog"

	"github.com/rupak1811/permiso/internal/logging"
	"github.com/rupak1811/permiso/internal/model"
)

// Recorder persists session audit entries.
type Recorder interface {
	RecordSessionEvent(ctx context.Context, ev model.SessionEvent) error
}

// AuditObserver returns an observer that appends every event to rec.
// Optimistic boot events are skipped; only settled transitions are
// recorded.
func AuditObserver(rec Recorder, log *slog.Logger) func(Event) {
	if log == nil {
		log = logging.L("session")
	}
	return func(ev Event) {
		if ev.State == StateActive && !ev.Verified {
			return
		}
		entry := model.SessionEvent{
			State:     ev.State.String(),
			Reason:    string(ev.Reason),
			CreatedAt: ev.At,
		}
		if ev.Err != nil {
			entry.Detail = ev.Err.Error()
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := rec.RecordSessionEvent(ctx, entry); err != nil {
			log.Warn("recording session event", logging.KeyError, err)
		}
	}
}
