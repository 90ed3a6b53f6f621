// Package tui provides the interactive CEF viewer.
package tui

import (
	"fmt"
	"strings"

	"cef-viewer/internal/ingest/cef"
	"cef-viewer/internal/tui/api"
	"cef-viewer/internal/tui/scenes"
	"cef-viewer/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Scene represents the current view
type Scene int

const (
	SceneInspect Scene = iota
	SceneRecent
	SceneSystem

	sceneCount = 3
)

// Options configures the viewer.
type Options struct {
	// Server is the base URL of cef-ingest.
	Server string
	// APIKey is sent as X-API-Key when set.
	APIKey string
	// Dictionary names extension keys in the inspect scene. Nil leaves them unnamed.
	Dictionary *cef.Dictionary
	// Line is the initial inspect input.
	Line string
}

// Model is the main TUI model
type Model struct {
	client *api.Client

	scene Scene

	// Scene models - only the active one receives updates
	inspect *scenes.InspectScene
	recent  *scenes.RecentScene
	system  *scenes.SystemScene

	width  int
	height int

	quitting bool
}

// New creates a new TUI model
func New(opts Options) *Model {
	client := api.NewClient(opts.Server, opts.APIKey)

	return &Model{
		client:  client,
		scene:   SceneInspect,
		inspect: scenes.NewInspectScene(opts.Dictionary, opts.Line),
		recent:  scenes.NewRecentScene(client),
		system:  scenes.NewSystemScene(client),
	}
}

// Init initializes the TUI. The inspect scene works offline, so nothing is
// fetched until another scene is opened.
func (m *Model) Init() tea.Cmd {
	return m.inspect.Init()
}

// getActiveSceneTickCmd returns the tick command for the active scene only
func (m *Model) getActiveSceneTickCmd() tea.Cmd {
	switch m.scene {
	case SceneRecent:
		return m.recent.TickCmd()
	case SceneSystem:
		return m.system.TickCmd()
	default:
		return nil
	}
}

// switchTo activates a scene, refreshing it and starting its ticker.
func (m *Model) switchTo(scene Scene) tea.Cmd {
	if scene == m.scene {
		return nil
	}
	m.scene = scene
	switch scene {
	case SceneRecent:
		return tea.Batch(m.recent.Init(), m.recent.TickCmd())
	case SceneSystem:
		return tea.Batch(m.system.Init(), m.system.TickCmd())
	}
	return nil
}

// capturing reports whether keys belong to the inspect input.
func (m *Model) capturing() bool {
	return m.scene == SceneInspect && m.inspect.Focused()
}

// Update handles all messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "tab":
			return m, m.switchTo((m.scene + 1) % sceneCount)
		case "shift+tab":
			return m, m.switchTo((m.scene + sceneCount - 1) % sceneCount)
		}

		if !m.capturing() {
			switch msg.String() {
			case "q":
				m.quitting = true
				return m, tea.Quit
			case "1":
				return m, m.switchTo(SceneInspect)
			case "2":
				return m, m.switchTo(SceneRecent)
			case "3":
				return m, m.switchTo(SceneSystem)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		// Pass to all scenes so they can adjust
		m.inspect, _ = m.inspect.Update(msg)
		m.recent, _ = m.recent.Update(msg)
		m.system, _ = m.system.Update(msg)
		return m, nil

	case scenes.TickMsg:
		// A tick from a scene that is no longer active ends its ticker
		var cmd tea.Cmd
		switch {
		case m.scene == SceneRecent && msg.Scene == "recent":
			m.recent, cmd = m.recent.Update(msg)
			cmds = append(cmds, cmd, m.recent.TickCmd())
		case m.scene == SceneSystem && msg.Scene == "system":
			m.system, cmd = m.system.Update(msg)
			cmds = append(cmds, cmd, m.system.TickCmd())
		}
		return m, tea.Batch(cmds...)
	}

	// Keys go to the active scene only. Fetch results go to every scene so
	// a response that arrives after a tab switch is not lost.
	if _, ok := msg.(tea.KeyMsg); ok {
		var cmd tea.Cmd
		switch m.scene {
		case SceneInspect:
			m.inspect, cmd = m.inspect.Update(msg)
		case SceneRecent:
			m.recent, cmd = m.recent.Update(msg)
		case SceneSystem:
			m.system, cmd = m.system.Update(msg)
		}
		return m, cmd
	}

	var cmd tea.Cmd
	m.recent, cmd = m.recent.Update(msg)
	cmds = append(cmds, cmd)
	m.system, cmd = m.system.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// View renders the current view
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.scene {
	case SceneInspect:
		b.WriteString(m.inspect.View())
	case SceneRecent:
		b.WriteString(m.recent.View())
	case SceneSystem:
		b.WriteString(m.system.View())
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())

	return b.String()
}

func (m *Model) renderHeader() string {
	tabs := []struct {
		name  string
		key   string
		scene Scene
	}{
		{"Inspect", "1", SceneInspect},
		{"Recent", "2", SceneRecent},
		{"System", "3", SceneSystem},
	}

	var tabViews []string
	for _, tab := range tabs {
		label := fmt.Sprintf(" %s %s ", tab.key, tab.name)
		if tab.scene == m.scene {
			tabViews = append(tabViews, styles.TabActive.Render(label))
		} else {
			tabViews = append(tabViews, styles.TabInactive.Render(label))
		}
	}

	tabBar := lipgloss.JoinHorizontal(lipgloss.Top, tabViews...)

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.MutedColor).
		Width(m.width).
		Render(tabBar)
}

func (m *Model) renderFooter() string {
	var help string
	switch {
	case m.capturing():
		help = " [Esc] Done  [Ctrl+U] Clear  [Tab] Next tab  [Ctrl+C] Quit "
	case m.scene == SceneInspect:
		help = " [i] Edit  [c] Clear  [↑↓/jk] Scroll  [1-3] Switch tabs  [q] Quit "
	case m.scene == SceneRecent:
		help = " [↑↓/jk] Navigate  [Enter] Details  [r] Refresh  [1-3] Switch tabs  [q] Quit "
	default:
		help = " [r] Refresh  [1-3] Switch tabs  [Tab] Next tab  [q] Quit "
	}
	return styles.Help.Render(help)
}

// Run starts the TUI application
func Run(opts Options) error {
	m := New(opts)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
