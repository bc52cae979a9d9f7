package recordlist

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rupak1811/permiso/internal/model"
	"github.com/rupak1811/permiso/internal/theme"
)

// Item wraps a model.Record so it can be used in a bubbles/list.
type Item struct {
	Record model.Record
}

// FilterValue returns the string used for fuzzy filtering.
func (i Item) FilterValue() string { return i.Record.Title }

// Title returns the record title for the list.
func (i Item) Title() string { return i.Record.Title }

// Description returns the status and age of the record.
func (i Item) Description() string {
	return fmt.Sprintf("%s | %s", i.Record.Status, relativeTime(i.Record.UpdatedAt, time.Now()))
}

// Delegate implements list.ItemDelegate with one line per record.
type Delegate struct {
	// Now returns the reference time for relative ages.
	Now func() time.Time
}

// Height returns the number of lines each item takes.
func (d Delegate) Height() int { return 1 }

// Spacing returns the number of blank lines between items.
func (d Delegate) Spacing() int { return 0 }

// Update handles per-item messages (unused).
func (d Delegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd {
	return nil
}

// Render draws a single list item line.
func (d Delegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	it, ok := item.(Item)
	if !ok {
		return
	}
	fmt.Fprint(w, d.renderLine(it.Record, index == m.Index()))
}

func (d Delegate) renderLine(r model.Record, selected bool) string {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}

	status := ""
	if r.Status != "" {
		status = theme.StatusStyle(r.Status).Render(r.Status) + " "
	}
	age := lipgloss.NewStyle().
		Foreground(theme.ColorGray).
		Render(relativeTime(r.UpdatedAt, now()))

	line := fmt.Sprintf("%s%s  %s", status, r.Title, age)
	if selected {
		return theme.SelectedItemStyle.Render(line)
	}
	return theme.ListItemStyle.Render(line)
}

// relativeTime returns a human-friendly age of t as seen at now.
func relativeTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}

	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return fmt.Sprintf("%dw ago", int(d.Hours()/24/7))
	}
}
