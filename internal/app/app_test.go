package app

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/rupak1811/permiso/internal/clock"
	"github.com/rupak1811/permiso/internal/logging"
	"github.com/rupak1811/permiso/internal/model"
	"github.com/rupak1811/permiso/internal/push"
	"github.com/rupak1811/permiso/internal/session"
	"github.com/rupak1811/permiso/internal/source"
	appsync "github.com/rupak1811/permiso/internal/sync"
)

type memStore struct {
	mu   gosync.Mutex
	data map[string]string
}

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

type stubAuth struct{}

func (stubAuth) Login(_ context.Context, id, secret string) (string, *source.Principal, error) {
	if secret != "correct horse" {
		return "", nil, &source.AuthError{Operation: "login", Message: "bad credentials"}
	}
	return "cred-" + id, &source.Principal{ID: "u1", Email: id, Name: "Ada"}, nil
}

func (stubAuth) Validate(context.Context, string) (*source.Principal, error) {
	return &source.Principal{ID: "u1", Name: "Ada"}, nil
}

type stubFetcher struct {
	mu  gosync.Mutex
	err error
}

func (f *stubFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *stubFetcher) Fetch(_ context.Context, q source.Query) (*source.Collection, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &source.Collection{
		Resource: q.Resource,
		Items:    []model.Record{{ID: "1", Title: string(q.Resource) + "-1"}},
		Total:    1,
	}, nil
}

type harness struct {
	model   Model
	mgr     *session.Manager
	coord   *appsync.Coordinator
	bridge  *Bridge
	msgs    chan tea.Msg
	done    chan struct{}
	clock   *clock.FakeClock
	fetcher *stubFetcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fc := clock.Fake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	store := &memStore{data: make(map[string]string)}
	mgr := session.NewManager(store, stubAuth{}, session.Options{Clock: fc, Logger: logging.Discard()})
	coord := appsync.New(nil, appsync.Options{
		Clock:       fc,
		Logger:      logging.Discard(),
		OnAuthError: func(_ string, err error) { mgr.Reject(err) },
	})
	t.Cleanup(coord.Close)

	bridge := NewBridge(64)
	mgr.Subscribe(bridge.SessionObserver())

	fetcher := &stubFetcher{}
	m := New(Deps{
		Session:     mgr,
		Coordinator: coord,
		Fetcher:     fetcher,
		Bridge:      bridge,
		Views:       model.DefaultViews(),
		Logger:      logging.Discard(),
	})
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})

	h := &harness{
		model:   next.(Model),
		mgr:     mgr,
		coord:   coord,
		bridge:  bridge,
		msgs:    make(chan tea.Msg),
		done:    make(chan struct{}),
		clock:   fc,
		fetcher: fetcher,
	}
	go h.pump()
	t.Cleanup(func() {
		close(h.done)
		bridge.Send(stopPump{})
	})
	return h
}

type stopPump struct{}

// pump runs the bridge's Wait loop the way the tea runtime would.
func (h *harness) pump() {
	for {
		msg := h.bridge.Wait()()
		if _, ok := msg.(stopPump); ok {
			return
		}
		select {
		case h.msgs <- msg:
		case <-h.done:
			return
		}
	}
}

func (h *harness) update(msg tea.Msg) tea.Cmd {
	next, cmd := h.model.Update(msg)
	h.model = next.(Model)
	return cmd
}

// nextSession feeds bridged messages to the model until a session
// event with the wanted state arrives.
func (h *harness) nextSession(t *testing.T, want session.State) session.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-h.msgs:
			if ev, ok := msg.(SessionEventMsg); ok && ev.Event.State == want {
				return ev.Event
			}
			h.update(msg)
		case <-deadline:
			t.Fatalf("no %s session event", want)
		}
	}
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	if _, err := h.mgr.Login(context.Background(), "ada@example.com", "correct horse"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	ev := h.nextSession(t, session.StateActive)
	h.update(SessionEventMsg{Event: ev})
}

func TestActiveSessionMountsViews(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	if h.model.Screen() != ScreenViews {
		t.Fatalf("screen = %v, want views", h.model.Screen())
	}
	if n := len(h.coord.Statuses()); n != 3 {
		t.Fatalf("%d views mounted, want 3", n)
	}

	loaded := 0
	deadline := time.After(2 * time.Second)
	for loaded < 3 {
		select {
		case msg := <-h.msgs:
			if _, ok := msg.(ViewUpdatedMsg); ok {
				loaded++
			}
			h.update(msg)
		case <-deadline:
			t.Fatalf("only %d views loaded", loaded)
		}
	}
	for _, l := range h.model.lists {
		if !l.Loaded() || l.Len() != 1 {
			t.Errorf("view %s: loaded=%v len=%d", l.Key(), l.Loaded(), l.Len())
		}
	}
}

func TestExpiredSessionUnmountsAndLogsOut(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.clock.Advance(11 * time.Minute)
	h.mgr.Check()
	ev := h.nextSession(t, session.StateExpired)

	cmd := h.model.handleSession(ev)
	if n := len(h.coord.Statuses()); n != 0 {
		t.Errorf("%d views still mounted", n)
	}
	if h.model.Screen() != ScreenLogin {
		t.Errorf("screen = %v, want login", h.model.Screen())
	}
	if cmd == nil {
		t.Fatal("expected logout command")
	}
	cmd()

	ev = h.nextSession(t, session.StateUnauthenticated)
	if ev.Reason != session.ReasonExpired {
		t.Errorf("reason = %q, want expired", ev.Reason)
	}
	h.update(SessionEventMsg{Event: ev})
	if h.model.notice != "Your session expired after inactivity." {
		t.Errorf("notice = %q", h.model.notice)
	}
}

func TestKeyPressCountsAsActivity(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.clock.Advance(5 * time.Minute)
	h.update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})

	h.clock.Advance(6 * time.Minute)
	if got := h.mgr.Check(); got != session.StateActive {
		t.Errorf("state after key press = %v, want active", got)
	}
}

func TestTabSwitchesViews(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.update(tea.KeyMsg{Type: tea.KeyTab})
	if h.model.active != 1 {
		t.Errorf("active = %d after tab, want 1", h.model.active)
	}
	h.update(tea.KeyMsg{Type: tea.KeyShiftTab})
	h.update(tea.KeyMsg{Type: tea.KeyShiftTab})
	if h.model.active != 2 {
		t.Errorf("active = %d after wrapping back, want 2", h.model.active)
	}
}

func TestFetchRejectionExpiresSession(t *testing.T) {
	h := newHarness(t)
	h.fetcher.setErr(&source.AuthError{Operation: "fetch", Message: "token revoked"})
	h.login(t)

	ev := h.nextSession(t, session.StateExpired)
	if ev.Reason != session.ReasonRejected {
		t.Errorf("reason = %q, want rejected", ev.Reason)
	}
}

func TestDescribeEnd(t *testing.T) {
	tests := []struct {
		name string
		ev   session.Event
		want string
	}{
		{"network", session.Event{Reason: session.ReasonExpired, Err: session.ErrTransientNetwork}, "Could not confirm your session with the server. Please sign in again."},
		{"rejected", session.Event{Reason: session.ReasonRejected}, "Your session is no longer valid. Please sign in again."},
		{"idle", session.Event{Reason: session.ReasonExpired}, "Your session expired after inactivity."},
		{"user", session.Event{Reason: session.ReasonUserInitiated}, "Signed out."},
		{"boot", session.Event{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describeEnd(tt.ev); got != tt.want {
				t.Errorf("describeEnd = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBridgeSendNeverBlocks(t *testing.T) {
	b := NewBridge(1)
	b.Send(ViewUpdatedMsg{Key: "a"})

	done := make(chan struct{})
	go func() {
		b.Send(ViewUpdatedMsg{Key: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full buffer")
	}

	for _, want := range []string{"a", "b"} {
		if got := b.Wait()().(ViewUpdatedMsg).Key; got != want {
			t.Errorf("received %s, want %s", got, want)
		}
	}
}

func TestBridgeKeepsSessionEventsInOrder(t *testing.T) {
	b := NewBridge(1)
	observe := b.SessionObserver()
	for i := 0; i < 20; i++ {
		b.Send(ViewUpdatedMsg{Key: "projects"})
		observe(session.Event{State: session.StateActive})
		observe(session.Event{State: session.StateExpired})
	}

	var states []session.State
	var updates int
	for i := 0; i < 41; i++ {
		switch msg := b.Wait()().(type) {
		case SessionEventMsg:
			states = append(states, msg.Event.State)
		case ViewUpdatedMsg:
			updates++
		}
	}
	if updates != 1 {
		t.Errorf("view updates = %d, want 1 coalesced", updates)
	}
	if len(states) != 40 {
		t.Fatalf("session events = %d, want 40", len(states))
	}
	for i, st := range states {
		want := session.StateActive
		if i%2 == 1 {
			want = session.StateExpired
		}
		if st != want {
			t.Fatalf("event %d = %s, want %s", i, st, want)
		}
	}
}

func TestSyncSummaryReportsPushOffline(t *testing.T) {
	h := newHarness(t)
	if got := h.model.syncSummary(); got != "no views" {
		t.Errorf("summary without push = %q", got)
	}

	coord := appsync.New(offlineChannel{}, appsync.Options{Clock: h.clock, Logger: logging.Discard()})
	t.Cleanup(coord.Close)
	h.model.deps.Coordinator = coord
	if got := h.model.syncSummary(); got != "no views · push offline" {
		t.Errorf("summary = %q, want push offline", got)
	}
}

type offlineChannel struct{}

func (offlineChannel) On(string, push.Handler) func() { return func() {} }

func (offlineChannel) OnReconnect(func()) func() { return func() {} }

func (offlineChannel) Connected() bool { return false }
