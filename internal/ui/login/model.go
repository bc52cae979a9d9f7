// Package login is the sign-in form shown while no session is active.
package login

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/rupak1811/permiso/internal/theme"
)

// SubmitMsg is dispatched when the user completes the form.
type SubmitMsg struct {
	Identifier string
	Secret     string
}

// CancelMsg is dispatched when the user aborts the form.
type CancelMsg struct{}

// formBindings holds form field values on the heap so that huh's Value()
// pointers remain valid across Bubble Tea model copies.
type formBindings struct {
	identifier string
	secret     string
}

// Model is the Bubble Tea model for the login form.
type Model struct {
	form   *huh.Form
	fb     *formBindings
	notice string
	err    string
	busy   bool
	width  int
	height int
}

// New creates a login form model. Call Start to show it.
func New(width, height int) Model {
	return Model{
		fb:     &formBindings{},
		width:  width,
		height: height,
	}
}

// Start resets the form. notice is shown above it, typically the
// reason the previous session ended. The identifier is kept.
func (m *Model) Start(notice string) tea.Cmd {
	m.notice = notice
	m.err = ""
	m.busy = false
	m.fb.secret = ""
	m.form = m.buildForm()
	return m.form.Init()
}

// Failed reopens the form after a rejected login.
func (m *Model) Failed(err error) tea.Cmd {
	cmd := m.Start(m.notice)
	m.err = err.Error()
	return cmd
}

// Busy reports whether a submitted login is being checked.
func (m Model) Busy() bool { return m.busy }

// Update handles messages for the login form.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if m.form == nil || m.busy {
		return m, nil
	}

	mdl, cmd := m.form.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		m.busy = true
		submit := SubmitMsg{
			Identifier: strings.TrimSpace(m.fb.identifier),
			Secret:     m.fb.secret,
		}
		return m, func() tea.Msg { return submit }
	case huh.StateAborted:
		return m, func() tea.Msg { return CancelMsg{} }
	}

	return m, cmd
}

// View renders the login form.
func (m Model) View() string {
	if m.form == nil {
		return ""
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginBottom(1)

	parts := []string{titleStyle.Render("Sign in")}
	if m.notice != "" {
		parts = append(parts, theme.NoticeStyle.Render(m.notice))
	}
	if m.err != "" {
		parts = append(parts, lipgloss.NewStyle().Foreground(theme.ColorRed).Render(m.err))
	}
	if m.busy {
		parts = append(parts, theme.HelpStyle.Render("Signing in..."))
	} else {
		parts = append(parts, m.form.View())
	}

	return lipgloss.NewStyle().
		Padding(1, 2).
		Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

// SetSize updates the form dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
}

func (m *Model) buildForm() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Email").
				Placeholder("you@example.com").
				Value(&m.fb.identifier).
				Validate(validateRequired("Email")),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&m.fb.secret).
				Validate(validateRequired("Password")),
		),
	).WithWidth(m.formWidth()).WithShowHelp(false)
}

func (m Model) formWidth() int {
	w := m.width - 4
	if w < 40 {
		w = 40
	}
	if w > 80 {
		w = 80
	}
	return w
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}
