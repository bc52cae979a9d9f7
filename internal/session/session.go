// Package session decides whether the client-held credential is still
// good. Inactivity is measured as the gap between two observed
// timestamps, the last persisted activity and now, never as a running
// countdown: timers do not fire while the process is suspended or the
// window is hidden.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rupak1811/permiso/internal/source"
)

// State is the derived authentication state of the client.
type State int

const (
	StateUnauthenticated State = iota
	StateActive
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason explains why a session left the Active state.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonUserInitiated Reason = "user_initiated"
	ReasonExpired       Reason = "expired"
	ReasonRejected      Reason = "rejected"
)

// Failure kinds. Every failure resolves into a State; these are
// attached to the emitted Event so callers can tell them apart.
var (
	ErrExpiredSession        = errors.New("session expired after inactivity")
	ErrCredentialRejected    = errors.New("credential rejected by server")
	ErrTransientNetwork      = errors.New("credential validation unavailable")
	ErrMissingActivityMarker = errors.New("activity marker missing or corrupt")
)

// Event is delivered to observers on every state change.
type Event struct {
	State  State
	Reason Reason

	// Err is one of the Err* kinds (possibly wrapping the cause) when
	// the transition was caused by a failure.
	Err error

	// Verified is set once the server has confirmed the credential.
	// The optimistic Active event emitted at boot is not verified.
	Verified bool

	Principal *source.Principal
	At        time.Time
}

// Store is the persisted session store. It must survive process
// restart; it has a single writer, the Manager.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Keys under which the Manager persists its state.
const (
	KeyCredential   = "session.credential"
	KeyLastActivity = "session.last_activity_at"
)

// Rejection ties a server-side refusal to the session epoch under
// which the request was issued, so a late response cannot log out a
// newer session.
type Rejection struct {
	Epoch uint64
	Err   error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected under session epoch %d: %v", r.Epoch, r.Err)
}

func (r *Rejection) Unwrap() error { return r.Err }
