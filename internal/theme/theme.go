package theme

import "github.com/charmbracelet/lipgloss"

// Adaptive color pairs (dark terminal value, light terminal value).
var (
	ColorBlue    = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorGreen   = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorYellow  = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorRed     = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorOrange  = lipgloss.AdaptiveColor{Dark: "#FFA94D", Light: "#C05621"}
	ColorMagenta = lipgloss.AdaptiveColor{Dark: "#CC5DE8", Light: "#805AD5"}
	ColorGray    = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	ColorWhite   = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	ColorSubtle  = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#CBD5E0"}
	ColorBorder  = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#E2E8F0"}
)

// HeaderStyle is used for the top header bar and the application title.
var HeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorWhite).
	Background(ColorBlue).
	Padding(0, 1)

// StatusBarStyle is used for the bottom status bar.
var StatusBarStyle = lipgloss.NewStyle().
	Foreground(ColorWhite).
	Background(ColorSubtle).
	Padding(0, 1)

// PanelStyle wraps bordered content areas such as help and login.
var PanelStyle = lipgloss.NewStyle().
	Padding(1, 2).
	Border(lipgloss.RoundedBorder()).
	BorderForeground(ColorBorder)

// TabStyle renders an inactive view tab.
var TabStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Padding(0, 1)

// ActiveTabStyle renders the selected view tab.
var ActiveTabStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorBlue).
	Padding(0, 1).
	Underline(true)

// SelectedItemStyle highlights the focused list row.
var SelectedItemStyle = lipgloss.NewStyle().
	PaddingLeft(1).
	Bold(true).
	Foreground(ColorBlue).
	Border(lipgloss.NormalBorder(), false, false, false, true).
	BorderForeground(ColorBlue)

// ListItemStyle is the base style for list rows.
var ListItemStyle = lipgloss.NewStyle().
	PaddingLeft(2)

// HelpStyle is used for keyboard shortcut hints and help text.
var HelpStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Italic(true)

// NoticeStyle is used for session notices in the status bar.
var NoticeStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorOrange)

// StatusStyle returns a color-coded style for a permit workflow status.
func StatusStyle(status string) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true).Padding(0, 1)

	switch status {
	case "draft":
		return base.Foreground(ColorGray)
	case "submitted", "pending":
		return base.Foreground(ColorBlue)
	case "under_review", "in_review":
		return base.Foreground(ColorYellow)
	case "approved", "issued":
		return base.Foreground(ColorGreen)
	case "rejected", "revoked":
		return base.Foreground(ColorRed)
	case "unread":
		return base.Foreground(ColorMagenta)
	default:
		return base.Foreground(ColorGray)
	}
}

// SessionStyle returns the header badge style for a session state name.
func SessionStyle(state string) lipgloss.Style {
	base := HeaderStyle.Padding(0, 1)

	switch state {
	case "active":
		return base.Background(ColorGreen)
	case "expired":
		return base.Background(ColorOrange)
	default:
		return base.Background(ColorSubtle)
	}
}

// SyncStyle returns a color for a view's sync state name.
func SyncStyle(state string) lipgloss.Style {
	switch state {
	case "running":
		return lipgloss.NewStyle().Foreground(ColorYellow)
	case "error":
		return lipgloss.NewStyle().Foreground(ColorRed)
	default:
		return lipgloss.NewStyle().Foreground(ColorGreen)
	}
}
