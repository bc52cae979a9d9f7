package help

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/lipgloss"

	"github.com/rupak1811/permiso/internal/keys"
	"github.com/rupak1811/permiso/internal/theme"
)

// Model is the help overlay view.
type Model struct {
	keys   *keys.KeyMap
	help   help.Model
	window time.Duration
	width  int
	height int
}

// New creates a help view. window is the inactivity limit shown to
// the user.
func New(keys *keys.KeyMap, window time.Duration, width, height int) Model {
	h := help.New()
	h.Width = width
	return Model{
		keys:   keys,
		help:   h,
		window: window,
		width:  width,
		height: height,
	}
}

// View renders the help overlay.
func (m Model) View() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginBottom(1)

	title := titleStyle.Render("Keyboard Shortcuts")

	m.help.Width = m.width - 4
	m.help.ShowAll = true
	helpText := m.help.View(m.keys)

	note := theme.HelpStyle.Render(fmt.Sprintf(
		"Sessions end after %s without keyboard or mouse input.", m.window))

	content := lipgloss.JoinVertical(lipgloss.Left, title, helpText, "", note)

	return theme.PanelStyle.
		Width(m.width - 4).
		Height(m.height - 4).
		Render(content)
}

// SetSize updates the help view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.help.Width = width - 4
}
