// Package styles holds the viewer's lipgloss palette. Colors adapt to light
// and dark terminals; severity bands use the conventional CEF colors.
package styles

import "github.com/charmbracelet/lipgloss"

var (
	Accent     = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	MutedColor = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}
	Ink        = lipgloss.AdaptiveColor{Light: "#111827", Dark: "#F9FAFB"}
	Paper      = lipgloss.AdaptiveColor{Light: "#F9FAFB", Dark: "#111827"}

	// Severity band colors, low to very-high.
	SevLow      = lipgloss.AdaptiveColor{Light: "#047857", Dark: "#34D399"}
	SevMedium   = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"}
	SevHigh     = lipgloss.AdaptiveColor{Light: "#C2410C", Dark: "#FB923C"}
	SevVeryHigh = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
)

func fg(c lipgloss.TerminalColor) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c)
}

var (
	Muted    = fg(MutedColor)
	Title    = fg(Accent).Bold(true).MarginBottom(1)
	Subtitle = fg(MutedColor).Italic(true)
	Help     = fg(MutedColor).MarginTop(1)

	StatusOK      = fg(SevLow).Bold(true)
	StatusWarning = fg(SevMedium).Bold(true)
	StatusError   = fg(SevVeryHigh).Bold(true)

	Box          = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(Accent).Padding(0, 1)
	Input        = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(MutedColor).Padding(0, 1)
	InputFocused = Input.BorderForeground(Accent)
	Cursor       = lipgloss.NewStyle().Foreground(Paper).Background(Ink)

	TabActive   = lipgloss.NewStyle().Foreground(Paper).Background(Accent).Bold(true).Padding(0, 2)
	TabInactive = fg(MutedColor).Padding(0, 2)

	TableHeader = fg(Accent).Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(MutedColor)
	TableRowSelected = lipgloss.NewStyle().Foreground(Paper).Background(Accent)

	// UnknownKey marks extension keys missing from the dictionary.
	UnknownKey = fg(SevMedium).Underline(true)

	MetricLabel = fg(MutedColor)
	MetricValue = fg(Ink).Bold(true)
)

var severity = map[string]lipgloss.Style{
	"low":       fg(SevLow),
	"medium":    fg(SevMedium),
	"high":      fg(SevHigh).Bold(true),
	"very-high": fg(SevVeryHigh).Bold(true),
}

// Severity returns the style for a severity band name.
func Severity(level string) lipgloss.Style {
	if s, ok := severity[level]; ok {
		return s
	}
	return Muted
}
