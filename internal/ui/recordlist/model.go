// Package recordlist renders one synced resource collection.
package recordlist

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rupak1811/permiso/internal/source"
	"github.com/rupak1811/permiso/internal/theme"
)

// Model is the list view for a single view key.
type Model struct {
	key       string
	list      list.Model
	total     int
	fetchedAt time.Time
	loaded    bool
	width     int
	height    int
}

// New creates an empty list titled with the view key.
func New(key string, width, height int) Model {
	l := list.New([]list.Item{}, Delegate{}, width, height-1)
	l.Title = key
	l.SetShowTitle(false)
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)

	return Model{
		key:    key,
		list:   l,
		width:  width,
		height: height,
	}
}

// Key returns the view key.
func (m Model) Key() string { return m.key }

// Loaded reports whether any collection has been applied.
func (m Model) Loaded() bool { return m.loaded }

// Len returns the number of records shown.
func (m Model) Len() int { return len(m.list.Items()) }

// SetCollection replaces the shown records.
func (m *Model) SetCollection(c *source.Collection) tea.Cmd {
	if c == nil {
		return nil
	}
	items := make([]list.Item, len(c.Items))
	for i, r := range c.Items {
		items[i] = Item{Record: r}
	}
	m.total = c.Total
	m.fetchedAt = c.FetchedAt
	m.loaded = true
	return m.list.SetItems(items)
}

// Update forwards navigation keys to the list.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// View renders the list with a one-line summary.
func (m Model) View() string {
	if !m.loaded {
		return m.placeholder("Loading " + m.key + "...")
	}
	if len(m.list.Items()) == 0 {
		return m.placeholder("No " + m.key + ".")
	}

	summary := lipgloss.NewStyle().
		Foreground(theme.ColorGray).
		PaddingLeft(2).
		Render(fmt.Sprintf("%d of %d, fetched %s", len(m.list.Items()), m.total, m.fetchedAt.Format("15:04:05")))

	return lipgloss.JoinVertical(lipgloss.Left, summary, m.list.View())
}

func (m Model) placeholder(text string) string {
	return lipgloss.NewStyle().
		Width(m.width).
		Height(m.height).
		Align(lipgloss.Center, lipgloss.Center).
		Foreground(theme.ColorGray).
		Render(text)
}

// SetSize updates the list dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.list.SetSize(width, height-1)
}
