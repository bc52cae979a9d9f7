package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/rupak1811/permiso/internal/clock"
	"github.com/rupak1811/permiso/internal/logging"
	"github.com/rupak1811/permiso/internal/source"
)

const (
	// DefaultWindow is the inactivity gap after which a session expires.
	DefaultWindow = 10 * time.Minute

	// DefaultDebounce bounds persisted activity writes.
	DefaultDebounce = time.Second

	validateTimeout = 15 * time.Second
	storeTimeout    = 5 * time.Second
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	Window   time.Duration
	Debounce time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Manager owns the session state machine:
//
//	Unauthenticated --login--> Active --activity--> Active
//	Active --gap > window / rejected at check--> Expired --logout--> Unauthenticated
//	Active --logout--> Unauthenticated
//
// It never returns failures past its boundary; every failure resolves
// into a State and is reported once through Subscribe.
type Manager struct {
	store    Store
	auth     source.Authenticator
	clock    clock.Clock
	window   time.Duration
	debounce time.Duration
	log      *slog.Logger

	mu           sync.Mutex
	state        State
	credential   string
	principal    *source.Principal
	lastActivity time.Time

	// epoch changes on every transition into or out of Active.
	// Work started under an older epoch may not mutate state.
	epoch uint64

	pendingWrite *clock.Timer
	pendingAt    time.Time
	writeGen     uint64

	observers    []observer
	nextObserver int
}

type observer struct {
	id int
	fn func(Event)
}

// NewManager creates a Manager in the Unauthenticated state. Call
// Initialize to load any persisted session.
func NewManager(store Store, auth source.Authenticator, opts Options) *Manager {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.L("session")
	}

	return &Manager{
		store:    store,
		auth:     auth,
		clock:    opts.Clock,
		window:   opts.Window,
		debounce: opts.Debounce,
		log:      opts.Logger,
	}
}

// Subscribe registers fn for every state change. Observers run on the
// goroutine that caused the change, with no Manager lock held, so they
// may call back into the Manager. The returned func unregisters fn.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextObserver
	m.nextObserver++
	m.observers = append(m.observers, observer{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Principal returns the confirmed principal, or nil.
func (m *Manager) Principal() *source.Principal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.principal
}

// Credential returns the credential while Active, otherwise "".
func (m *Manager) Credential() string {
	cred, _ := m.Token()
	return cred
}

// Token returns the credential together with the current epoch. Pass
// the epoch back through a Rejection if the server refuses the
// credential.
func (m *Manager) Token() (string, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return "", m.epoch
	}
	return m.credential, m.epoch
}

// Initialize loads the persisted session at process start.
//
// No credential means Unauthenticated. A missing or unreadable activity
// marker, or a gap longer than the window, clears the credential and
// moves to Expired. Otherwise the session is optimistically Active
// while the credential is validated; a rejection or a failed call fails
// closed to Expired, and success re-stamps activity.
func (m *Manager) Initialize(ctx context.Context) State {
	now := m.clock.Now()

	m.mu.Lock()
	cred, ok, err := m.store.Get(ctx, KeyCredential)
	if err != nil {
		m.log.Warn("reading persisted credential", logging.KeyError, err)
	}
	if err != nil || !ok || cred == "" {
		events := m.becomeUnauthenticatedLocked(ctx, ReasonNone, now)
		m.mu.Unlock()
		m.notify(events)
		return StateUnauthenticated
	}

	last, err := m.readLastActivityLocked(ctx)
	if err != nil {
		events := m.expireLocked(ctx, ReasonExpired, err, now)
		m.mu.Unlock()
		m.notify(events)
		return StateExpired
	}
	if gap := now.Sub(last); gap > m.window {
		events := m.expireLocked(ctx, ReasonExpired, fmt.Errorf("%w: idle %s", ErrExpiredSession, gap.Round(time.Second)), now)
		m.mu.Unlock()
		m.notify(events)
		return StateExpired
	}

	m.epoch++
	epoch := m.epoch
	m.state = StateActive
	m.credential = cred
	m.lastActivity = last
	events := []Event{{State: StateActive, At: now}}
	m.mu.Unlock()
	m.notify(events)

	return m.confirm(ctx, cred, epoch)
}

// confirm validates cred with the server and applies the result if the
// session is still in the epoch it was started under.
func (m *Manager) confirm(ctx context.Context, cred string, epoch uint64) State {
	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	principal, err := m.auth.Validate(vctx, cred)
	cancel()

	now := m.clock.Now()

	m.mu.Lock()
	if m.epoch != epoch {
		state := m.state
		m.mu.Unlock()
		m.log.Debug("discarding validation result from a previous session")
		return state
	}

	var events []Event
	switch {
	case err != nil && source.IsAuthError(err):
		events = m.expireLocked(ctx, ReasonRejected, fmt.Errorf("%w: %v", ErrCredentialRejected, err), now)
	case err != nil:
		events = m.expireLocked(ctx, ReasonExpired, fmt.Errorf("%w: %v", ErrTransientNetwork, err), now)
	default:
		m.principal = principal
		m.lastActivity = now
		m.cancelPendingWriteLocked()
		m.writeLastActivityLocked(ctx, now)
		events = []Event{{State: StateActive, Verified: true, Principal: principal, At: now}}
	}
	state := m.state
	m.mu.Unlock()

	m.notify(events)
	return state
}

// Login exchanges identifier and secret for a credential and starts an
// Active session. On failure the state is unchanged.
func (m *Manager) Login(ctx context.Context, identifier, secret string) (*source.Principal, error) {
	cred, principal, err := m.auth.Login(ctx, identifier, secret)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()

	m.mu.Lock()
	m.cancelPendingWriteLocked()
	if err := m.store.Set(ctx, KeyCredential, cred); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("persisting credential: %w", err)
	}
	m.writeLastActivityLocked(ctx, now)

	m.epoch++
	m.state = StateActive
	m.credential = cred
	m.principal = principal
	m.lastActivity = now
	events := []Event{{State: StateActive, Verified: true, Principal: principal, At: now}}
	m.mu.Unlock()

	if principal != nil {
		m.log.Info("logged in", "principal", principal.Email)
	}
	m.notify(events)
	return principal, nil
}

// RecordActivity notes a user interaction. It only acts while Active.
// Persisted writes are debounced: the first signal schedules a write
// one debounce interval out and later signals only move the timestamp
// it will store, so the persisted marker trails real activity by at
// most one interval.
//
// If the gap since the previous observed activity already exceeds the
// window (the process was suspended without a visibility change), the
// session expires instead.
func (m *Manager) RecordActivity() {
	now := m.clock.Now()

	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	if gap := now.Sub(m.lastActivity); gap > m.window {
		events := m.expireLocked(context.Background(), ReasonExpired,
			fmt.Errorf("%w: idle %s", ErrExpiredSession, gap.Round(time.Second)), now)
		m.mu.Unlock()
		m.notify(events)
		return
	}

	m.lastActivity = now
	m.pendingAt = now

	// A scheduled write, fired or not, reads pendingAt under m.mu.
	if m.pendingWrite != nil {
		m.mu.Unlock()
		return
	}

	m.writeGen++
	gen := m.writeGen
	m.pendingWrite = m.clock.AfterFunc(m.debounce, func() { m.flushActivity(gen) })
	m.mu.Unlock()
}

// flushActivity persists the latest activity timestamp.
func (m *Manager) flushActivity(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.writeGen {
		return
	}
	m.pendingWrite = nil
	if m.state != StateActive {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	m.writeLastActivityLocked(ctx, m.pendingAt)
}

// OnBecameVisible re-derives expiry when the window regains focus.
// No timer runs while hidden, so the gap is measured against the last
// observed activity. Within the window the activity is stamped.
func (m *Manager) OnBecameVisible(ctx context.Context) State {
	now := m.clock.Now()

	m.mu.Lock()
	if m.state != StateActive {
		state := m.state
		m.mu.Unlock()
		return state
	}

	if gap := now.Sub(m.lastActivity); gap > m.window {
		events := m.expireLocked(ctx, ReasonExpired,
			fmt.Errorf("%w: hidden for %s", ErrExpiredSession, gap.Round(time.Second)), now)
		m.mu.Unlock()
		m.notify(events)
		return StateExpired
	}

	m.lastActivity = now
	m.cancelPendingWriteLocked()
	m.writeLastActivityLocked(ctx, now)
	m.mu.Unlock()
	return StateActive
}

// Check applies the gap test without recording activity. It catches
// a foreground session that has simply sat idle past the window.
func (m *Manager) Check() State {
	now := m.clock.Now()

	m.mu.Lock()
	if m.state != StateActive {
		state := m.state
		m.mu.Unlock()
		return state
	}
	if gap := now.Sub(m.lastActivity); gap > m.window {
		events := m.expireLocked(context.Background(), ReasonExpired,
			fmt.Errorf("%w: idle %s", ErrExpiredSession, gap.Round(time.Second)), now)
		m.mu.Unlock()
		m.notify(events)
		return StateExpired
	}
	m.mu.Unlock()
	return StateActive
}

// Watch runs Check every interval until ctx is done.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Reject handles a server refusal reported by some other request. If
// err carries a Rejection from an older epoch it is ignored; otherwise
// an Active session fails closed to Expired with ReasonRejected.
func (m *Manager) Reject(err error) State {
	now := m.clock.Now()

	m.mu.Lock()
	var rej *Rejection
	if errors.As(err, &rej) && rej.Epoch != m.epoch {
		state := m.state
		m.mu.Unlock()
		return state
	}
	if m.state != StateActive {
		state := m.state
		m.mu.Unlock()
		return state
	}
	events := m.expireLocked(context.Background(), ReasonRejected,
		fmt.Errorf("%w: %v", ErrCredentialRejected, err), now)
	m.mu.Unlock()
	m.notify(events)
	return StateExpired
}

// Logout clears the credential and activity marker and moves to
// Unauthenticated. Any validation or activity write still pending from
// before the call is invalidated.
func (m *Manager) Logout(reason Reason) {
	now := m.clock.Now()

	m.mu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	events := m.becomeUnauthenticatedLocked(ctx, reason, now)
	cancel()
	m.mu.Unlock()

	m.notify(events)
}

// expireLocked clears persisted state and moves to Expired.
func (m *Manager) expireLocked(ctx context.Context, reason Reason, cause error, now time.Time) []Event {
	m.clearLocked(ctx)
	m.state = StateExpired
	m.log.Info("session expired", logging.KeyReason, string(reason), logging.KeyError, cause)
	return []Event{{State: StateExpired, Reason: reason, Err: cause, At: now}}
}

// becomeUnauthenticatedLocked clears persisted state and moves to
// Unauthenticated, emitting an event only on an actual change.
func (m *Manager) becomeUnauthenticatedLocked(ctx context.Context, reason Reason, now time.Time) []Event {
	prev := m.state
	m.clearLocked(ctx)
	m.state = StateUnauthenticated
	if prev == StateUnauthenticated && reason != ReasonNone {
		return nil
	}
	if prev != StateUnauthenticated {
		m.log.Info("logged out", logging.KeyReason, string(reason))
	}
	return []Event{{State: StateUnauthenticated, Reason: reason, At: now}}
}

func (m *Manager) clearLocked(ctx context.Context) {
	m.cancelPendingWriteLocked()
	m.epoch++
	m.credential = ""
	m.principal = nil
	m.lastActivity = time.Time{}

	if err := m.store.Remove(ctx, KeyCredential); err != nil {
		m.log.Error("clearing persisted credential", logging.KeyError, err)
	}
	if err := m.store.Remove(ctx, KeyLastActivity); err != nil {
		m.log.Error("clearing activity marker", logging.KeyError, err)
	}
}

func (m *Manager) cancelPendingWriteLocked() {
	if m.pendingWrite != nil {
		m.pendingWrite.Stop()
		m.pendingWrite = nil
	}
	m.writeGen++
}

// readLastActivityLocked parses the persisted marker (Unix milliseconds).
func (m *Manager) readLastActivityLocked(ctx context.Context) (time.Time, error) {
	raw, ok, err := m.store.Get(ctx, KeyLastActivity)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMissingActivityMarker, err)
	}
	if !ok {
		return time.Time{}, ErrMissingActivityMarker
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMissingActivityMarker, raw)
	}
	return time.UnixMilli(ms), nil
}

func (m *Manager) writeLastActivityLocked(ctx context.Context, at time.Time) {
	value := strconv.FormatInt(at.UnixMilli(), 10)
	if err := m.store.Set(ctx, KeyLastActivity, value); err != nil {
		// The in-memory timestamp still governs this process; a lost
		// write only shortens the session across a restart.
		m.log.Warn("persisting activity marker", logging.KeyError, err)
	}
}

func (m *Manager) notify(events []Event) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	observers := append([]observer(nil), m.observers...)
	m.mu.Unlock()

	for _, ev := range events {
		for _, o := range observers {
			o.fn(ev)
		}
	}
}
