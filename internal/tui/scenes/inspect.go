// Package scenes provides the viewer's TUI scenes.
package scenes

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"cef-viewer/internal/ingest/cef"
	"cef-viewer/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

// InspectScene parses the line being typed on every keystroke and shows the
// header, extension and label views of the result.
type InspectScene struct {
	dict *cef.Dictionary

	input   []rune
	cursor  int
	focused bool

	event *cef.Event

	// First extension row shown
	offset  int
	maxRows int

	width  int
	height int
}

// NewInspectScene creates an inspect scene holding line. The input starts
// focused.
func NewInspectScene(dict *cef.Dictionary, line string) *InspectScene {
	s := &InspectScene{
		dict:    dict,
		focused: true,
		maxRows: 12,
	}
	s.SetValue(line)
	return s
}

// Init implements the scene contract. Parsing is local so nothing is fetched.
func (s *InspectScene) Init() tea.Cmd {
	return nil
}

// Focused reports whether keystrokes edit the input.
func (s *InspectScene) Focused() bool {
	return s.focused
}

// Focus gives keystrokes to the input.
func (s *InspectScene) Focus() {
	s.focused = true
}

// Blur releases the input so keys act as commands.
func (s *InspectScene) Blur() {
	s.focused = false
}

// Value returns the current input.
func (s *InspectScene) Value() string {
	return string(s.input)
}

// SetValue replaces the input and moves the cursor to its end.
func (s *InspectScene) SetValue(line string) {
	s.input = []rune(line)
	s.cursor = len(s.input)
	s.reparse()
}

// Event returns the parse of the current input.
func (s *InspectScene) Event() *cef.Event {
	return s.event
}

func (s *InspectScene) reparse() {
	s.event = cef.Parse(string(s.input))
	s.offset = 0
}

// Update handles messages for the inspect scene.
func (s *InspectScene) Update(msg tea.Msg) (*InspectScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		s.maxRows = max(4, s.height-24)
		return s, nil

	case tea.KeyMsg:
		if s.focused {
			s.edit(msg)
			return s, nil
		}
		s.navigate(msg)
	}
	return s, nil
}

// edit applies a key to the input line.
func (s *InspectScene) edit(msg tea.KeyMsg) {
	switch msg.Type {
	case tea.KeyRunes:
		s.insert(msg.Runes)
	case tea.KeySpace:
		s.insert([]rune{' '})
	case tea.KeyBackspace:
		if s.cursor > 0 {
			s.input = append(s.input[:s.cursor-1], s.input[s.cursor:]...)
			s.cursor--
			s.reparse()
		}
	case tea.KeyDelete:
		if s.cursor < len(s.input) {
			s.input = append(s.input[:s.cursor], s.input[s.cursor+1:]...)
			s.reparse()
		}
	case tea.KeyCtrlU:
		s.SetValue("")
	case tea.KeyLeft:
		s.cursor = max(0, s.cursor-1)
	case tea.KeyRight:
		s.cursor = min(len(s.input), s.cursor+1)
	case tea.KeyHome, tea.KeyCtrlA:
		s.cursor = 0
	case tea.KeyEnd, tea.KeyCtrlE:
		s.cursor = len(s.input)
	case tea.KeyEsc, tea.KeyEnter:
		s.focused = false
	}
}

func (s *InspectScene) insert(r []rune) {
	// Pasted newlines would end the line
	clean := make([]rune, 0, len(r))
	for _, c := range r {
		if c != '\n' && c != '\r' {
			clean = append(clean, c)
		}
	}
	tail := append(clean, s.input[s.cursor:]...)
	s.input = append(s.input[:s.cursor], tail...)
	s.cursor += len(clean)
	s.reparse()
}

// navigate handles keys while the input is released.
func (s *InspectScene) navigate(msg tea.KeyMsg) {
	rows := len(s.event.Extensions)
	switch msg.String() {
	case "i", "enter":
		s.focused = true
	case "up", "k":
		s.offset = max(0, s.offset-1)
	case "down", "j":
		if s.offset+s.maxRows < rows {
			s.offset++
		}
	case "c":
		s.SetValue("")
		s.focused = true
	}
}

// StatusText describes the parse outcome of an event.
func StatusText(event *cef.Event) string {
	err := event.Err()
	switch {
	case err == nil:
		return fmt.Sprintf("CEF:%s, %d extensions", event.Version, len(event.Extensions))
	case errors.Is(err, cef.ErrTruncatedHeader):
		return fmt.Sprintf("truncated header, %d of %d fields", event.HeaderCount(), cef.HeaderFieldCount)
	default:
		return "not a CEF line"
	}
}

// View renders the inspect scene.
func (s *InspectScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Inspect"))
	b.WriteString("\n")

	b.WriteString(s.renderInput())
	b.WriteString("\n")

	if len(s.input) == 0 {
		b.WriteString(styles.Muted.Render("  Type or paste a CEF line."))
		return b.String()
	}

	var status string
	switch {
	case s.event.Complete():
		status = styles.StatusOK.Render("● " + StatusText(s.event))
	case s.event.IsCEF():
		status = styles.StatusWarning.Render("● " + StatusText(s.event))
	default:
		status = styles.StatusError.Render("● " + StatusText(s.event))
	}
	b.WriteString("  " + status + "\n\n")

	if !s.event.IsCEF() {
		return b.String()
	}

	b.WriteString(styles.Subtitle.Render("  Header"))
	b.WriteString("\n")
	b.WriteString(s.renderHeader())
	b.WriteString("\n")

	b.WriteString(styles.Subtitle.Render("  Extensions"))
	b.WriteString("\n")
	b.WriteString(s.renderExtensions())
	b.WriteString("\n")

	if labels := s.event.ByLabel(); len(labels) > 0 {
		b.WriteString(styles.Subtitle.Render("  Labels"))
		b.WriteString("\n")
		b.WriteString(renderLabels(labels))
	}

	return b.String()
}

func (s *InspectScene) renderInput() string {
	var line string
	if s.focused {
		before := string(s.input[:s.cursor])
		at := " "
		after := ""
		if s.cursor < len(s.input) {
			at = string(s.input[s.cursor])
			after = string(s.input[s.cursor+1:])
		}
		line = before + styles.Cursor.Render(at) + after
	} else {
		line = string(s.input)
	}

	style := styles.Input
	if s.focused {
		style = styles.InputFocused
	}
	if s.width > 4 {
		style = style.Width(s.width - 4)
	}
	return style.Render(line)
}

func (s *InspectScene) renderHeader() string {
	var rows []string
	values := s.event.HeaderValues()
	for i, name := range cef.HeaderNames {
		var value string
		if i < len(values) {
			value = values[i]
		} else {
			value = styles.Muted.Render("(missing)")
		}
		rows = append(rows, fmt.Sprintf("  %-14s %s", name, value))
	}
	return strings.Join(rows, "\n") + "\n"
}

func (s *InspectScene) renderExtensions() string {
	exts := s.event.SortedExtensions()
	if len(exts) == 0 {
		return styles.Muted.Render("  (none)") + "\n"
	}

	var b strings.Builder
	header := fmt.Sprintf("  %-22s %-30s %-12s %s", "Key", "Name", "Type", "Value")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	end := min(s.offset+s.maxRows, len(exts))
	for _, ext := range exts[s.offset:end] {
		key := fmt.Sprintf("%-22s", truncate(ext.Key, 22))
		name, dataType := "", ""
		if info, ok := s.dict.Lookup(ext.Key); ok {
			name, dataType = info.FullName, info.DataType
		} else {
			key = styles.UnknownKey.Render(key)
		}
		b.WriteString(fmt.Sprintf("  %s %-30s %-12s %s\n",
			key, truncate(name, 30), truncate(dataType, 12), ext.Value))
	}

	if len(exts) > s.maxRows {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  %d-%d of %d (↑↓ to scroll)", s.offset+1, end, len(exts))))
		b.WriteString("\n")
	}
	return b.String()
}

func renderLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("  %-22s %s\n", truncate(k, 22), labels[k]))
	}
	return b.String()
}
