package scenes

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"cef-viewer/internal/tui/api"
	"cef-viewer/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const systemRefresh = 2 * time.Second

// SystemScene shows how lines are flowing through cef-ingest: the parse
// funnel, queue pressure and per-listener counters.
type SystemScene struct {
	client  *api.Client
	health  *api.HealthResponse
	stats   *api.SystemStats
	err     error
	fetched time.Time
	loading bool
}

func NewSystemScene(client *api.Client) *SystemScene {
	return &SystemScene{client: client, loading: true}
}

func (s *SystemScene) Init() tea.Cmd {
	return s.refresh()
}

type systemMsg struct {
	health *api.HealthResponse
	stats  *api.SystemStats
	err    error
}

func (s *SystemScene) refresh() tea.Cmd {
	return func() tea.Msg {
		health, err := s.client.GetHealth()
		if err != nil {
			return systemMsg{err: err}
		}
		stats, err := s.client.GetSystemStats()
		return systemMsg{health: health, stats: stats, err: err}
	}
}

// TickCmd schedules the next refresh.
func (s *SystemScene) TickCmd() tea.Cmd {
	return tea.Tick(systemRefresh, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "system", Time: t}
	})
}

func (s *SystemScene) Update(msg tea.Msg) (*SystemScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "r" {
			return s, s.refresh()
		}
	case TickMsg:
		if msg.Scene == "system" {
			return s, s.refresh()
		}
	case systemMsg:
		s.loading = false
		s.health, s.stats, s.err = msg.health, msg.stats, msg.err
		s.fetched = time.Now()
	}
	return s, nil
}

func (s *SystemScene) View() string {
	var b strings.Builder
	b.WriteString(styles.Title.Render("  System"))
	b.WriteString("\n\n")

	if s.loading {
		b.WriteString(styles.Muted.Render("  Asking " + s.client.BaseURL() + " for stats..."))
		return b.String()
	}

	section(&b, "Server")
	if s.health == nil {
		fmt.Fprintf(&b, "  %s Not connected to %s\n", styles.StatusError.Render("●"), s.client.BaseURL())
		if s.err != nil {
			fmt.Fprintf(&b, "    %s\n", styles.Muted.Render(s.err.Error()))
		}
		return b.String()
	}

	dot := styles.StatusOK
	if s.health.Status != "healthy" {
		dot = styles.StatusWarning
	}
	fmt.Fprintf(&b, "  %s %s  %s  up %s\n\n",
		dot.Render("●"), s.client.BaseURL(), s.health.Status, api.FormatUptime(s.health.UptimeSeconds))

	if s.err != nil {
		b.WriteString(styles.StatusError.Render("  Stats unavailable: " + s.err.Error()))
		b.WriteString("\n")
		return b.String()
	}
	if s.stats == nil {
		return b.String()
	}

	s.funnel(&b)
	s.queue(&b)
	s.listeners(&b)

	if s.stats.Description != "" {
		section(&b, "Activity")
		b.WriteString("  " + s.stats.Description + "\n\n")
	}
	b.WriteString(styles.Muted.Render("  Updated " + s.fetched.Format("15:04:05") + "  (r to refresh)"))
	return b.String()
}

func section(b *strings.Builder, title string) {
	b.WriteString(styles.Subtitle.Render("  " + title))
	b.WriteString("\n")
}

// funnel renders received lines and where they went.
func (s *SystemScene) funnel(b *strings.Builder) {
	p := s.stats.Pipeline
	cards := []string{
		card("received", humanCount(p.Received), styles.MetricValue),
		card("parsed", humanCount(p.Parsed), styles.MetricValue),
		card("queued", humanCount(p.Queued), styles.StatusOK),
		card("rejected", humanCount(p.Rejected), warnIf(p.Rejected > 0)),
		card("dropped", humanCount(p.Dropped), errIf(p.Dropped > 0)),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cards...))
	fmt.Fprintf(b, "\n  %s lines/s\n\n", styles.MetricValue.Render(fmt.Sprintf("%.1f", s.stats.LinesPerSec)))
}

func (s *SystemScene) queue(b *strings.Builder) {
	q := s.stats.Queue
	section(b, "Queue")

	usage := styles.StatusOK
	switch {
	case s.stats.QueueUsage >= 90:
		usage = styles.StatusError
	case s.stats.QueueUsage >= 70:
		usage = styles.StatusWarning
	}
	fmt.Fprintf(b, "  %s %s  %d/%d\n", usage.Render(meter(s.stats.QueueUsage, 24)),
		usage.Render(fmt.Sprintf("%5.1f%%", s.stats.QueueUsage)), q.Depth, q.Capacity)
	fmt.Fprintf(b, "  %s pushed  %s popped  %s dropped\n\n",
		humanCount(q.Pushed), humanCount(q.Popped), errIf(q.Dropped > 0).Render(humanCount(q.Dropped)))
}

func (s *SystemScene) listeners(b *strings.Builder) {
	section(b, "Listeners")
	if len(s.stats.Listeners) == 0 {
		b.WriteString(styles.Muted.Render("  none running") + "\n\n")
		return
	}

	names := make([]string, 0, len(s.stats.Listeners))
	for name := range s.stats.Listeners {
		names = append(names, name)
	}
	slices.Sort(names)

	b.WriteString(styles.MetricLabel.Render(fmt.Sprintf("    %-7s %8s %8s %8s %8s %8s", "", "conns", "lines", "queued", "errors", "limited")))
	b.WriteString("\n")
	for _, name := range names {
		l := s.stats.Listeners[name]
		dot := styles.StatusOK
		if l.Errors > 0 || l.Limited > 0 {
			dot = styles.StatusWarning
		}
		fmt.Fprintf(b, "  %s %-7s %8s %8s %8s %8s %8s\n", dot.Render("●"), name,
			humanCount(l.Connections), humanCount(l.Received), humanCount(l.Queued),
			humanCount(l.Errors), humanCount(l.Limited))
	}
	b.WriteString("\n")
}

func card(label, value string, vs lipgloss.Style) string {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(styles.MutedColor).
		Width(12).
		Align(lipgloss.Center).
		Render(vs.Render(value) + "\n" + styles.MetricLabel.Render(label))
}

// meter draws a fixed-width bar for a 0-100 percentage.
func meter(pct float64, width int) string {
	filled := int(pct / 100 * float64(width))
	filled = max(0, min(width, filled))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func warnIf(bad bool) lipgloss.Style {
	if bad {
		return styles.StatusWarning
	}
	return styles.MetricValue
}

func errIf(bad bool) lipgloss.Style {
	if bad {
		return styles.StatusError
	}
	return styles.MetricValue
}

// humanCount abbreviates large counters: 1500 becomes 1.5K.
func humanCount(n uint64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}
