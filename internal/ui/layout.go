package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/rupak1811/permiso/internal/theme"
)

// Layout holds the terminal dimensions and the fixed chrome heights.
type Layout struct {
	Width           int
	Height          int
	HeaderHeight    int
	TabsHeight      int
	StatusBarHeight int
}

// NewLayout creates a Layout with single-line header, tabs and status bar.
func NewLayout(width, height int) Layout {
	return Layout{
		Width:           width,
		Height:          height,
		HeaderHeight:    1,
		TabsHeight:      1,
		StatusBarHeight: 1,
	}
}

// ContentWidth returns the full available width.
func (l Layout) ContentWidth() int {
	return l.Width
}

// ContentHeight returns the rows left for the active screen.
func (l Layout) ContentHeight() int {
	h := l.Height - l.HeaderHeight - l.TabsHeight - l.StatusBarHeight
	if h < 0 {
		return 0
	}
	return h
}

// RenderHeader renders the title on the left and badges on the right,
// padded to the full width.
func (l Layout) RenderHeader(title string, badges ...string) string {
	left := theme.HeaderStyle.Render(title)
	right := strings.Join(badges, " ")

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		left,
		l.fill(l.Width-lipgloss.Width(left)-lipgloss.Width(right), theme.HeaderStyle),
		right,
	)
}

// RenderTabs renders one tab per view label, highlighting active.
func (l Layout) RenderTabs(labels []string, active int) string {
	tabs := make([]string, len(labels))
	for i, label := range labels {
		if i == active {
			tabs[i] = theme.ActiveTabStyle.Render(label)
		} else {
			tabs[i] = theme.TabStyle.Render(label)
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

// RenderStatusBar renders the bottom status bar.
func (l Layout) RenderStatusBar(text string) string {
	rendered := theme.StatusBarStyle.Render(text)
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		rendered,
		l.fill(l.Width-lipgloss.Width(rendered), theme.StatusBarStyle),
	)
}

// RenderWithFrame stacks header, tabs, content and status bar.
func (l Layout) RenderWithFrame(header, tabs, content, statusBar string) string {
	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		tabs,
		lipgloss.NewStyle().Height(l.ContentHeight()).Render(content),
		statusBar,
	)
}

func (l Layout) fill(width int, style lipgloss.Style) string {
	if width < 0 {
		width = 0
	}
	return lipgloss.NewStyle().
		Width(width).
		Background(style.GetBackground()).
		Render("")
}
