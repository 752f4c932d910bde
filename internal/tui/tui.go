// Package tui provides the Bubbletea-based session viewer for previewd.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wrap"
	"github.com/uxfreak/previewd/internal/daemon"
)

// maxLines caps the scrollback retained by the viewer.
const maxLines = 10000

// Model is the Bubbletea model for an attached session.
type Model struct {
	client    *daemon.Client
	sessionID string

	width  int
	height int
	ready  bool

	viewport viewport.Model
	lines    []string

	events <-chan daemon.EventResult

	closed   bool
	exitCode int
	err      error
}

// New creates a viewer model for one session. The event channel must
// already be streaming that session's source.
func New(client *daemon.Client, sessionID string, events <-chan daemon.EventResult) Model {
	return Model{
		client:    client,
		sessionID: sessionID,
		events:    events,
		lines:     make([]string, 0),
	}
}

// Run attaches to the session and blocks until the user detaches.
// Detaching never terminates the session.
func Run(client *daemon.Client, sessionID string) error {
	events, err := client.StreamEvents([]string{sessionID})
	if err != nil {
		return fmt.Errorf("attach to session: %w", err)
	}
	defer client.StopEventStream()

	m := New(client, sessionID, events)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run session viewer: %w", err)
	}
	return nil
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.waitEvent()
}

// waitEvent returns a command that delivers the next stream event.
func (m Model) waitEvent() tea.Cmd {
	return func() tea.Msg {
		res, ok := <-m.events
		if !ok {
			return streamClosedMsg{}
		}
		return streamEventMsg{Event: res.Event, Err: res.Err}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		// The PTY tracks the viewer's content area
		if !m.closed {
			rows, cols := m.ptySize()
			return m, m.resize(rows, cols)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case streamEventMsg:
		if msg.Err != nil {
			// Record the error but keep the pump alive; the stream channel
			// closing is what ends it
			m.err = msg.Err
			return m, m.waitEvent()
		}
		m.applyEvent(msg.Event)
		return m, m.waitEvent()

	case streamClosedMsg:
		m.appendMarker("connection closed")
		return m, nil

	case writeResultMsg:
		if msg.Err != nil {
			m.err = msg.Err
		}
		return m, nil
	}

	return m, nil
}

// handleKey forwards keystrokes to the session PTY, reserving a few
// keys for the viewer itself.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlQ:
		return m, tea.Quit
	case tea.KeyPgUp:
		m.viewport.HalfViewUp()
		return m, nil
	case tea.KeyPgDown:
		m.viewport.HalfViewDown()
		return m, nil
	}

	if m.closed {
		// Nothing to type into; any key exits
		return m, tea.Quit
	}

	data := keyBytes(msg)
	if len(data) == 0 {
		return m, nil
	}
	return m, m.write(data)
}

func (m Model) write(data []byte) tea.Cmd {
	return func() tea.Msg {
		return writeResultMsg{Err: m.client.SessionWrite(m.sessionID, data)}
	}
}

func (m Model) resize(rows, cols uint16) tea.Cmd {
	return func() tea.Msg {
		return writeResultMsg{Err: m.client.SessionResize(m.sessionID, rows, cols)}
	}
}

// applyEvent folds one stream event into the view.
func (m *Model) applyEvent(ev *daemon.StreamEvent) {
	switch ev.Type {
	case daemon.EventOutput:
		m.appendOutput(ev.Data)
	case daemon.EventGap:
		m.appendMarker(fmt.Sprintf("... %d events dropped ...", ev.Dropped))
	case daemon.EventExit:
		m.closed = true
		m.exitCode = ev.Code
		m.appendMarker(fmt.Sprintf("session %s (exit code %d)", ev.Reason, ev.Code))
	}
}

// appendOutput adds PTY output, wrapped to the viewport width.
func (m *Model) appendOutput(data string) {
	if data == "" {
		return
	}
	if m.ready && m.viewport.Width > 0 {
		data = wrap.String(data, m.viewport.Width)
	}
	m.appendLines(strings.Split(data, "\n"))
}

func (m *Model) appendMarker(text string) {
	m.appendLines([]string{markerStyle.Render(text)})
}

func (m *Model) appendLines(newLines []string) {
	m.lines = append(m.lines, newLines...)
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
	if m.ready {
		atBottom := m.viewport.AtBottom()
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		if atBottom {
			m.viewport.GotoBottom()
		}
	}
}

// layout sizes the viewport to the window minus header and status bar.
func (m *Model) layout() {
	contentHeight := m.height - 2
	if contentHeight < 1 {
		contentHeight = 1
	}
	if !m.ready {
		m.viewport = viewport.New(m.width, contentHeight)
		m.ready = true
	} else {
		m.viewport.Width = m.width
		m.viewport.Height = contentHeight
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

// ptySize maps the viewer's content area to PTY dimensions.
func (m Model) ptySize() (rows, cols uint16) {
	rows = uint16(m.viewport.Height)
	cols = uint16(m.viewport.Width)
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}
	return rows, cols
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "Attaching..."
	}

	header := lipgloss.JoinHorizontal(lipgloss.Top,
		headerStyle.Render("previewd"),
		headerInfoStyle.Render("session "+m.sessionID),
	)

	status := statusStyle.Render("ctrl+q detach · pgup/pgdn scroll")
	if m.closed {
		status = statusStyle.Render(fmt.Sprintf("session closed (exit %d) · any key to leave", m.exitCode))
	}
	if m.err != nil {
		status = statusErrorStyle.Render("error: " + m.err.Error())
	}

	return header + "\n" + m.viewport.View() + "\n" + status
}
