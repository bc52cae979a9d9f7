package sync

import (
	"context"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/rupak1811/permiso/internal/clock"
	"github.com/rupak1811/permiso/internal/logging"
	"github.com/rupak1811/permiso/internal/push"
	"github.com/rupak1811/permiso/internal/source"
)

// SyncState represents the current state of a view's refresh cycle.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "unknown"
	}
}

// ViewStatus holds the sync state for a single view.
type ViewStatus struct {
	Key             string
	State           SyncState
	LastSync        time.Time
	Error           error
	Queued          bool
	FetchSeq        uint64
	LastAcceptedSeq uint64
}

type view struct {
	c    *Coordinator
	spec ViewSpec
	seq  *sequence
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       gosync.Mutex
	mounted  bool
	inFlight bool
	queued   bool
	timer    *clock.Timer
	offs     []func()
	lastSync time.Time
	lastErr  error
}

func (v *view) handleEvent(ev push.Event) {
	v.log.Debug("push event", "event", ev.Name)
	v.request()
}

func (v *view) tick() {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return
	}
	v.timer = v.c.clock.AfterFunc(v.spec.PollInterval, v.tick)
	v.mu.Unlock()

	v.request()
}

func (v *view) request() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.mounted {
		return
	}
	if v.inFlight {
		v.queued = true
		return
	}
	v.issueLocked()
}

// issueLocked marks the view in flight and starts a fetch.
func (v *view) issueLocked() {
	v.inFlight = true
	seq := v.seq.next()
	go v.fetch(seq)
}

func (v *view) fetch(seq uint64) {
	ctx, cancel := context.WithTimeout(v.ctx, v.c.fetchTimeout)
	result, err := v.spec.Fetch(ctx)
	cancel()

	authErr := v.complete(seq, result, err)
	if authErr != nil && v.c.onAuthError != nil {
		v.c.onAuthError(v.spec.Key, authErr)
	}
}

// complete records a finished fetch and starts the queued follow-up,
// if any. It returns err when it is an auth error that should be
// reported.
func (v *view) complete(seq uint64, result any, err error) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.mounted {
		return nil
	}
	v.inFlight = false

	var report error
	switch {
	case err != nil:
		v.lastErr = err
		v.log.Warn("fetch failed", logging.KeySeq, seq, logging.KeyError, err)
		if source.IsAuthError(err) {
			report = err
		}
	case v.seq.accept(seq):
		v.spec.Apply(result)
		v.lastErr = nil
		v.lastSync = v.c.clock.Now()
	default:
		v.log.Debug("discarding stale response", logging.KeySeq, seq)
	}

	if v.queued {
		v.queued = false
		v.issueLocked()
	}
	return report
}

// unmount stops the timer, drops push subscriptions and cancels any
// in-flight fetch. Once it returns, Apply is never called again.
func (v *view) unmount() {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return
	}
	v.mounted = false
	v.queued = false
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
	offs := v.offs
	v.offs = nil
	v.mu.Unlock()

	v.cancel()
	for _, off := range offs {
		off()
	}
}

func (v *view) status() ViewStatus {
	v.mu.Lock()
	defer v.mu.Unlock()

	issued, accepted := v.seq.snapshot()
	st := ViewStatus{
		Key:             v.spec.Key,
		LastSync:        v.lastSync,
		Error:           v.lastErr,
		Queued:          v.queued,
		FetchSeq:        issued,
		LastAcceptedSeq: accepted,
	}
	switch {
	case v.inFlight:
		st.State = SyncRunning
	case v.lastErr != nil:
		st.State = SyncError
	default:
		st.State = SyncIdle
	}
	return st
}
