package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/rupak1811/permiso/internal/keys"
	"github.com/rupak1811/permiso/internal/logging"
	"github.com/rupak1811/permiso/internal/model"
	"github.com/rupak1811/permiso/internal/session"
	"github.com/rupak1811/permiso/internal/source"
	appsync "github.com/rupak1811/permiso/internal/sync"
	"github.com/rupak1811/permiso/internal/theme"
	"github.com/rupak1811/permiso/internal/ui"
	helpview "github.com/rupak1811/permiso/internal/ui/help"
	"github.com/rupak1811/permiso/internal/ui/login"
	"github.com/rupak1811/permiso/internal/ui/recordlist"
)

// loginTimeout bounds a single sign-in request.
const loginTimeout = 20 * time.Second

// Screen is the top-level screen being shown.
type Screen int

const (
	ScreenBooting Screen = iota
	ScreenLogin
	ScreenViews
	ScreenHelp
)

// loginResultMsg reports the outcome of a sign-in attempt.
type loginResultMsg struct {
	err error
}

// Deps are the collaborators the root model drives.
type Deps struct {
	Session     *session.Manager
	Coordinator *appsync.Coordinator
	Fetcher     source.Fetcher
	Bridge      *Bridge
	Views       []model.ViewConfig
	Window      time.Duration
	PageSize    int
	Logger      *slog.Logger
}

// Model is the root Bubble Tea model. It forwards input to the session
// manager and mounts the synced views while a session is active.
type Model struct {
	deps    Deps
	keys    *keys.KeyMap
	layout  ui.Layout
	cache   *viewCache
	log     *slog.Logger
	screen  Screen
	lists   []recordlist.Model
	active  int
	login   login.Model
	help    helpview.Model
	spinner spinner.Model
	mounted bool
	notice  string
	ready   bool
}

// New creates the root model.
func New(deps Deps) Model {
	if deps.Window <= 0 {
		deps.Window = model.DefaultWindow
	}
	if deps.Logger == nil {
		deps.Logger = logging.L("app")
	}
	k := keys.DefaultKeyMap()

	lists := make([]recordlist.Model, len(deps.Views))
	for i, v := range deps.Views {
		lists[i] = recordlist.New(v.Key, 80, 20)
	}

	return Model{
		deps:   deps,
		keys:   k,
		layout: ui.NewLayout(80, 24),
		cache:  newViewCache(),
		log:    deps.Logger,
		lists:  lists,
		login:  login.New(80, 20),
		help:   helpview.New(k, deps.Window, 80, 20),
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(theme.HelpStyle),
		),
	}
}

// Screen returns the screen being shown.
func (m Model) Screen() Screen { return m.screen }

// Init starts listening on the bridge and loads the persisted session.
func (m Model) Init() tea.Cmd {
	mgr := m.deps.Session
	return tea.Batch(
		m.deps.Bridge.Wait(),
		m.spinner.Tick,
		func() tea.Msg {
			mgr.Initialize(context.Background())
			return nil
		},
	)
}

// Update handles messages and dispatches to the active screen.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.ready = true
		w, h := m.layout.ContentWidth(), m.layout.ContentHeight()
		for i := range m.lists {
			m.lists[i].SetSize(w, h)
		}
		m.login.SetSize(w, h)
		m.help.SetSize(w, h)
		if m.screen == ScreenLogin {
			var cmd tea.Cmd
			m.login, cmd = m.login.Update(msg)
			return m, cmd
		}
		return m, nil

	case spinner.TickMsg:
		if m.screen != ScreenBooting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case SessionEventMsg:
		cmd := m.handleSession(msg.Event)
		return m, tea.Batch(cmd, m.deps.Bridge.Wait())

	case ViewUpdatedMsg:
		var cmd tea.Cmd
		if i := m.viewIndex(msg.Key); i >= 0 && m.mounted {
			cmd = m.lists[i].SetCollection(m.cache.get(msg.Key))
		}
		return m, tea.Batch(cmd, m.deps.Bridge.Wait())

	case login.SubmitMsg:
		return m, m.submitLogin(msg)

	case loginResultMsg:
		if msg.err != nil {
			return m, m.login.Failed(describeLoginError(msg.err))
		}
		return m, nil

	case login.CancelMsg:
		return m, tea.Quit

	case tea.FocusMsg:
		mgr := m.deps.Session
		return m, func() tea.Msg {
			mgr.OnBecameVisible(context.Background())
			return nil
		}

	case tea.MouseMsg:
		m.deps.Session.RecordActivity()
		return m.updateActiveScreen(msg)

	case tea.KeyMsg:
		if m.screen != ScreenLogin {
			m.deps.Session.RecordActivity()
		}
		if next, cmd, handled := m.handleKey(msg); handled {
			return next, cmd
		}
	}

	return m.updateActiveScreen(msg)
}

// handleKey processes global keys. It reports whether msg was consumed.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	if msg.String() == "ctrl+c" {
		return m, tea.Quit, true
	}
	if m.screen == ScreenLogin || m.screen == ScreenBooting {
		return m, nil, false
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit, true

	case key.Matches(msg, m.keys.Help):
		if m.screen == ScreenHelp {
			m.screen = ScreenViews
		} else {
			m.screen = ScreenHelp
		}
		return m, nil, true

	case key.Matches(msg, m.keys.Back):
		if m.screen == ScreenHelp {
			m.screen = ScreenViews
			return m, nil, true
		}

	case key.Matches(msg, m.keys.Logout):
		mgr := m.deps.Session
		return m, func() tea.Msg {
			mgr.Logout(session.ReasonUserInitiated)
			return nil
		}, true
	}

	if m.screen != ScreenViews || len(m.lists) == 0 {
		return m, nil, false
	}

	switch {
	case key.Matches(msg, m.keys.NextView):
		m.active = (m.active + 1) % len(m.lists)
		return m, nil, true
	case key.Matches(msg, m.keys.PrevView):
		m.active = (m.active - 1 + len(m.lists)) % len(m.lists)
		return m, nil, true
	case key.Matches(msg, m.keys.Refresh):
		m.deps.Coordinator.RequestRefresh(m.lists[m.active].Key())
		return m, nil, true
	case key.Matches(msg, m.keys.RefreshAll):
		m.deps.Coordinator.RefreshAll()
		return m, nil, true
	}
	return m, nil, false
}

// handleSession reacts to a session transition.
func (m *Model) handleSession(ev session.Event) tea.Cmd {
	switch ev.State {
	case session.StateActive:
		m.notice = ""
		if !m.mounted {
			m.mountViews()
		}
		if m.screen != ScreenHelp {
			m.screen = ScreenViews
		}
		return nil

	case session.StateExpired:
		m.unmountViews()
		m.notice = describeEnd(ev)
		m.screen = ScreenLogin
		mgr := m.deps.Session
		reason := ev.Reason
		return func() tea.Msg {
			mgr.Logout(reason)
			return nil
		}

	default:
		m.unmountViews()
		if m.notice == "" {
			m.notice = describeEnd(ev)
		}
		m.screen = ScreenLogin
		return m.login.Start(m.notice)
	}
}

func (m *Model) mountViews() {
	for _, v := range m.deps.Views {
		if _, err := m.deps.Coordinator.MountView(viewSpec(v, m.deps, m.cache)); err != nil {
			m.log.Error("mounting view", logging.KeyView, v.Key, logging.KeyError, err)
		}
	}
	m.mounted = true
}

// unmountViews drops every view and any data shown for the previous
// session.
func (m *Model) unmountViews() {
	m.deps.Coordinator.UnmountAll()
	m.cache.clear()
	if m.mounted {
		w, h := m.layout.ContentWidth(), m.layout.ContentHeight()
		for i, v := range m.deps.Views {
			m.lists[i] = recordlist.New(v.Key, w, h)
		}
	}
	m.mounted = false
	m.active = 0
}

func (m Model) submitLogin(msg login.SubmitMsg) tea.Cmd {
	mgr := m.deps.Session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
		defer cancel()
		_, err := mgr.Login(ctx, msg.Identifier, msg.Secret)
		return loginResultMsg{err: err}
	}
}

// updateActiveScreen dispatches msg to the current screen.
func (m Model) updateActiveScreen(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.screen {
	case ScreenLogin:
		m.login, cmd = m.login.Update(msg)
	case ScreenViews:
		if len(m.lists) > 0 {
			m.lists[m.active], cmd = m.lists[m.active].Update(msg)
		}
	}
	return m, cmd
}

// View renders the full terminal UI using the layout manager.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	state := m.deps.Session.State()
	badges := []string{theme.SessionStyle(state.String()).Render(state.String())}
	if m.mounted {
		badges = append(badges, theme.HeaderStyle.Render(m.syncSummary()))
	}
	header := m.layout.RenderHeader(m.title(), badges...)

	var tabs, content string
	switch m.screen {
	case ScreenBooting:
		content = m.spinner.View() + theme.HelpStyle.Render(" Restoring session...")
	case ScreenLogin:
		content = m.login.View()
	case ScreenHelp:
		content = m.help.View()
	case ScreenViews:
		tabs = m.layout.RenderTabs(m.viewLabels(), m.active)
		if len(m.lists) > 0 {
			content = m.lists[m.active].View()
		}
	}

	return m.layout.RenderWithFrame(header, tabs, content, m.layout.RenderStatusBar(m.statusText()))
}

func (m Model) title() string {
	if p := m.deps.Session.Principal(); p != nil && p.Name != "" {
		return "permiso · " + p.Name
	}
	return "permiso"
}

// syncSummary condenses per-view sync state for the header.
func (m Model) syncSummary() string {
	statuses := m.deps.Coordinator.Statuses()

	running := 0
	var failing []string
	for _, s := range statuses {
		switch s.State {
		case appsync.SyncRunning:
			running++
		case appsync.SyncError:
			failing = append(failing, s.Key)
		}
	}

	var summary string
	switch {
	case len(statuses) == 0:
		summary = "no views"
	case running > 0:
		summary = fmt.Sprintf("syncing (%d)", running)
	case len(failing) > 0:
		summary = "stale: " + strings.Join(failing, ", ")
	default:
		summary = "up to date"
	}
	if configured, connected := m.deps.Coordinator.PushStatus(); configured && !connected {
		summary += " · push offline"
	}
	return summary
}

func (m Model) viewLabels() []string {
	labels := make([]string, len(m.lists))
	for i, l := range m.lists {
		labels[i] = l.Key()
	}
	return labels
}

func (m Model) viewIndex(key string) int {
	for i, l := range m.lists {
		if l.Key() == key {
			return i
		}
	}
	return -1
}

// statusText returns keyboard hints for the status bar.
func (m Model) statusText() string {
	switch m.screen {
	case ScreenLogin:
		return "enter submit | esc quit"
	case ScreenHelp:
		return "? close help | esc back"
	case ScreenViews:
		return "tab next view | r refresh | R refresh all | L log out | ? help | q quit"
	default:
		return ""
	}
}

// describeEnd turns the transition that ended a session into a notice.
func describeEnd(ev session.Event) string {
	switch {
	case errors.Is(ev.Err, session.ErrTransientNetwork):
		return "Could not confirm your session with the server. Please sign in again."
	case ev.Reason == session.ReasonRejected:
		return "Your session is no longer valid. Please sign in again."
	case ev.Reason == session.ReasonExpired:
		return "Your session expired after inactivity."
	case ev.Reason == session.ReasonUserInitiated:
		return "Signed out."
	default:
		return ""
	}
}

func describeLoginError(err error) error {
	if source.IsAuthError(err) {
		return errors.New("invalid email or password")
	}
	return fmt.Errorf("sign-in failed: %w", err)
}
