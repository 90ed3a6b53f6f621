package scenes

import (
	"fmt"
	"strings"
	"time"

	"cef-viewer/internal/ingest/cef"
	"cef-viewer/internal/schema"
	"cef-viewer/internal/tui/api"
	"cef-viewer/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

// TickMsg is sent on each tick. Exported for use by the parent model.
type TickMsg struct {
	Scene string
	Time  time.Time
}

// recentLimit is how many records are requested per refresh.
const recentLimit = 100

// RecentScene lists records recently ingested by the server.
type RecentScene struct {
	client     *api.Client
	records    []*schema.Record
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	detail     bool
	lastUpdate time.Time
}

// recentMsg carries refreshed records
type recentMsg struct {
	records []*schema.Record
	err     string
}

// NewRecentScene creates a new recent scene.
func NewRecentScene(client *api.Client) *RecentScene {
	return &RecentScene{
		client:  client,
		loading: true,
		maxRows: 10,
	}
}

// Init fetches the first page.
func (r *RecentScene) Init() tea.Cmd {
	return r.fetchRecent()
}

func (r *RecentScene) fetchRecent() tea.Cmd {
	return func() tea.Msg {
		records, err := r.client.GetRecent(recentLimit)
		if err != nil {
			return recentMsg{err: err.Error()}
		}
		return recentMsg{records: records}
	}
}

// TickCmd returns a command that ticks every interval.
func (r *RecentScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "recent", Time: t}
	})
}

// Selected returns the record under the cursor, or nil.
func (r *RecentScene) Selected() *schema.Record {
	if r.cursor < 0 || r.cursor >= len(r.records) {
		return nil
	}
	return r.records[r.cursor]
}

// Update handles messages for the recent scene.
func (r *RecentScene) Update(msg tea.Msg) (*RecentScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		r.width = msg.Width
		r.height = msg.Height
		r.maxRows = max(5, r.height-12)
		return r, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if r.cursor > 0 {
				r.cursor--
				if r.cursor < r.offset {
					r.offset = r.cursor
				}
			}
		case "down", "j":
			if r.cursor < len(r.records)-1 {
				r.cursor++
				if r.cursor >= r.offset+r.maxRows {
					r.offset = r.cursor - r.maxRows + 1
				}
			}
		case "pgup":
			r.cursor = max(0, r.cursor-r.maxRows)
			r.offset = max(0, r.offset-r.maxRows)
		case "pgdown":
			r.cursor = max(0, min(len(r.records)-1, r.cursor+r.maxRows))
			r.offset = min(max(0, len(r.records)-r.maxRows), r.offset+r.maxRows)
		case "enter":
			r.detail = !r.detail
		case "esc":
			r.detail = false
		case "r":
			r.loading = true
			return r, r.fetchRecent()
		}
		return r, nil

	case recentMsg:
		r.loading = false
		r.err = msg.err
		r.lastUpdate = time.Now()
		if msg.err == "" {
			r.records = msg.records
		}
		if r.cursor >= len(r.records) {
			r.cursor = max(0, len(r.records)-1)
		}
		if r.offset > r.cursor {
			r.offset = r.cursor
		}
		return r, nil

	case TickMsg:
		if msg.Scene == "recent" {
			return r, r.fetchRecent()
		}
		return r, nil
	}

	return r, nil
}

// View renders the record list and, when open, the detail pane.
func (r *RecentScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Recent Events"))
	b.WriteString("\n\n")

	if r.loading && len(r.records) == 0 && r.err == "" {
		b.WriteString(styles.Muted.Render("  Loading events..."))
		return b.String()
	}

	if r.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", r.err)))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Is cef-ingest running at " + r.client.BaseURL() + "? Press [r] to retry."))
		b.WriteString("\n\n")
		if len(r.records) == 0 {
			return b.String()
		}
	}

	if len(r.records) == 0 {
		b.WriteString(styles.Muted.Render("  No events yet."))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Send lines via POST /v1/events or the TCP/UDP listeners."))
		return b.String()
	}

	countText := fmt.Sprintf("  %d most recent", len(r.records))
	b.WriteString(styles.Subtitle.Render(countText))
	if r.loading {
		b.WriteString(styles.Muted.Render("  (refreshing...)"))
	}
	b.WriteString("\n\n")

	header := fmt.Sprintf("  %-10s %-10s %-6s %-20s %s",
		"Received", "Severity", "Via", "Device", "Name")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	endIdx := min(r.offset+r.maxRows, len(r.records))
	for i, rec := range r.records[r.offset:endIdx] {
		b.WriteString(r.renderRow(rec, r.offset+i == r.cursor))
		b.WriteString("\n")
	}

	if len(r.records) > r.maxRows {
		scrollInfo := fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [enter] details, [r] refresh)",
			r.offset+1, endIdx, len(r.records))
		b.WriteString(styles.Muted.Render(scrollInfo))
	} else {
		b.WriteString(styles.Muted.Render("\n  [enter] Details  [r] Refresh"))
	}

	if !r.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", r.lastUpdate.Format("15:04:05"))))
	}

	if r.detail {
		if rec := r.Selected(); rec != nil {
			b.WriteString("\n\n")
			b.WriteString(renderDetail(rec, r.width))
		}
	}

	return b.String()
}

func (r *RecentScene) renderRow(rec *schema.Record, selected bool) string {
	ev := rec.Event
	device := strings.TrimSpace(ev.DeviceVendor + " " + ev.DeviceProduct)

	row := fmt.Sprintf("  %-10s %s %-6s %-20s %s",
		rec.ReceivedAt.Local().Format("15:04:05"),
		formatSeverity(rec),
		rec.Transport,
		truncate(device, 20),
		truncate(ev.Name, 50),
	)

	if selected {
		return styles.TableRowSelected.Render(row)
	}
	return row
}

func formatSeverity(rec *schema.Record) string {
	label := string(rec.SeverityLevel)
	if rec.SeverityLevel == schema.SeverityUnknown || label == "" {
		label = rec.Event.Severity
	}
	padded := fmt.Sprintf("%-10s", truncate(label, 10))
	return styles.Severity(string(rec.SeverityLevel)).Render(padded)
}

// renderDetail shows one record the way the inspect scene shows a line.
func renderDetail(rec *schema.Record, width int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", styles.MetricLabel.Render("ID:       "), rec.ID)
	fmt.Fprintf(&b, "%s %s\n", styles.MetricLabel.Render("Source:   "), rec.SourceIP)
	fmt.Fprintf(&b, "%s %s\n", styles.MetricLabel.Render("Host:     "), rec.Host)
	fmt.Fprintf(&b, "%s %s\n", styles.MetricLabel.Render("Time:     "), rec.EventTime.Format(time.RFC3339))
	fmt.Fprintf(&b, "%s %s\n", styles.MetricLabel.Render("Outcome:  "), rec.Outcome)
	fmt.Fprintf(&b, "%s %s\n\n", styles.MetricLabel.Render("Status:   "), StatusText(rec.Event))

	values := rec.Event.HeaderValues()
	for i, v := range values {
		fmt.Fprintf(&b, "%-14s %s\n", cef.HeaderNames[i], v)
	}
	b.WriteString("\n")
	for _, ext := range rec.Event.SortedExtensions() {
		fmt.Fprintf(&b, "%-22s %s\n", ext.Key, ext.Value)
	}
	if labels := rec.Labels(); len(labels) > 0 {
		b.WriteString("\n")
		b.WriteString(renderLabels(labels))
	}

	box := styles.Box
	if width > 4 {
		box = box.Width(width - 4)
	}
	return box.Render(strings.TrimRight(b.String(), "\n"))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
