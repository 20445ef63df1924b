// Package dashboard is the terminal view of the control plane: sessions,
// their pending permission requests and recent messages.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/victorarias/relayd/internal/protocol"
)

const (
	maxMessages     = 8
	refreshInterval = 2 * time.Second
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	ruleStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	selectedStyle = lipgloss.NewStyle().Bold(true)
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))

	statusStyles = map[protocol.Status]lipgloss.Style{
		protocol.StatusStarting: lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		protocol.StatusActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		protocol.StatusWaiting:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		protocol.StatusStopping: lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
		protocol.StatusStopped:  lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		protocol.StatusErrored:  lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
	statusIndicators = map[protocol.Status]string{
		protocol.StatusStarting: "◔",
		protocol.StatusActive:   "○",
		protocol.StatusWaiting:  "●",
		protocol.StatusStopping: "◑",
		protocol.StatusStopped:  "◌",
		protocol.StatusErrored:  "✕",
	}
)

// API is what the dashboard needs from the control plane.
type API interface {
	List(status protocol.Status) ([]protocol.Session, error)
	Pending(id string) ([]protocol.PermissionRequestPayload, error)
	Messages(id string, after uint64, limit int) ([]protocol.SessionMessage, error)
	Resolve(id, requestID string, decision protocol.Decision) (bool, error)
	Stop(id string) (protocol.Session, error)
}

// Model is the bubbletea model for the dashboard
type Model struct {
	api      API
	sessions []protocol.Session
	cursor   int

	// Detail of the selected session.
	detailID string
	pending  []protocol.PermissionRequestPayload
	messages []protocol.SessionMessage
	lastSeq  uint64

	notice string
	err    error
	now    func() time.Time
}

// NewModel creates a new dashboard model
func NewModel(api API) *Model {
	return &Model{api: api, now: time.Now}
}

type sessionsMsg struct {
	sessions []protocol.Session
}

type detailMsg struct {
	sessionID string
	pending   []protocol.PermissionRequestPayload
	messages  []protocol.SessionMessage
}

type noticeMsg struct {
	text string
}

type errMsg struct {
	err error
}

type tickMsg struct{}

// Init initializes the model
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.refresh, TickCmd())
}

// refresh fetches sessions from daemon
func (m *Model) refresh() tea.Msg {
	if m.api == nil {
		return sessionsMsg{}
	}
	sessions, err := m.api.List("")
	if err != nil {
		return errMsg{err: err}
	}
	return sessionsMsg{sessions: sessions}
}

// fetchDetail loads the pending requests and the messages after the last
// one already shown.
func (m *Model) fetchDetail(id string, after uint64) tea.Cmd {
	return func() tea.Msg {
		pending, err := m.api.Pending(id)
		if err != nil {
			return errMsg{err: err}
		}
		msgs, err := m.api.Messages(id, after, 0)
		if err != nil {
			return errMsg{err: err}
		}
		return detailMsg{sessionID: id, pending: pending, messages: msgs}
	}
}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			return m, m.moveCursor(-1)
		case "down", "j":
			return m, m.moveCursor(1)
		case "r":
			return m, m.refresh
		case "a":
			return m, m.resolveOldest(protocol.DecisionAllow)
		case "d":
			return m, m.resolveOldest(protocol.DecisionDeny)
		case "s":
			if s := m.SelectedSession(); s != nil && !s.Status.IsTerminal() {
				return m, m.stop(s.ID)
			}
		}
	case sessionsMsg:
		m.sessions = msg.sessions
		m.err = nil
		if m.cursor >= len(m.sessions) && len(m.sessions) > 0 {
			m.cursor = len(m.sessions) - 1
		}
		return m, tea.Batch(m.detailCmd(), TickCmd())
	case detailMsg:
		if msg.sessionID != m.detailID {
			return m, nil
		}
		m.pending = msg.pending
		m.appendMessages(msg.messages)
	case noticeMsg:
		m.notice = msg.text
		return m, m.refresh
	case errMsg:
		m.err = msg.err
	case tickMsg:
		return m, m.refresh
	}
	return m, nil
}

func (m *Model) moveCursor(delta int) tea.Cmd {
	m.cursor += delta
	if m.cursor < 0 {
		m.cursor = 0
	}
	if m.cursor >= len(m.sessions) && len(m.sessions) > 0 {
		m.cursor = len(m.sessions) - 1
	}
	return m.detailCmd()
}

// detailCmd refreshes the detail pane, resetting it when the selection changed.
func (m *Model) detailCmd() tea.Cmd {
	s := m.SelectedSession()
	if s == nil || m.api == nil {
		m.detailID = ""
		m.pending = nil
		m.messages = nil
		m.lastSeq = 0
		return nil
	}
	if s.ID != m.detailID {
		m.detailID = s.ID
		m.pending = nil
		m.messages = nil
		m.lastSeq = 0
	}
	return m.fetchDetail(s.ID, m.lastSeq)
}

func (m *Model) appendMessages(msgs []protocol.SessionMessage) {
	for _, msg := range msgs {
		if msg.Sequence <= m.lastSeq {
			continue
		}
		m.messages = append(m.messages, msg)
		m.lastSeq = msg.Sequence
	}
	if len(m.messages) > maxMessages {
		m.messages = append([]protocol.SessionMessage(nil), m.messages[len(m.messages)-maxMessages:]...)
	}
}

func (m *Model) resolveOldest(decision protocol.Decision) tea.Cmd {
	if m.api == nil || m.detailID == "" || len(m.pending) == 0 {
		return nil
	}
	sessionID, req := m.detailID, m.pending[0]
	return func() tea.Msg {
		accepted, err := m.api.Resolve(sessionID, req.RequestID, decision)
		if err != nil {
			return errMsg{err: err}
		}
		if !accepted {
			return noticeMsg{text: fmt.Sprintf("%s was already decided", req.ToolName)}
		}
		return noticeMsg{text: fmt.Sprintf("%s: %s", req.ToolName, decision)}
	}
}

func (m *Model) stop(id string) tea.Cmd {
	return func() tea.Msg {
		sess, err := m.api.Stop(id)
		if err != nil {
			return errMsg{err: err}
		}
		return noticeMsg{text: fmt.Sprintf("session %s %s", shortID(id), sess.Status)}
	}
}

// SelectedSession returns the currently selected session
func (m *Model) SelectedSession() *protocol.Session {
	if m.cursor >= 0 && m.cursor < len(m.sessions) {
		return &m.sessions[m.cursor]
	}
	return nil
}

// View renders the dashboard
func (m *Model) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n\nPress 'r' to retry, 'q' to quit"
	}

	if len(m.sessions) == 0 {
		return "No sessions\n\nPress 'r' to refresh, 'q' to quit"
	}

	rule := ruleStyle.Render(strings.Repeat("─", 72)) + "\n"
	var b strings.Builder
	b.WriteString(titleStyle.Render("Sessions") + "\n")
	b.WriteString(rule)

	for i, s := range m.sessions {
		cursor := "  "
		if i == m.cursor {
			cursor = "> "
		}
		style := statusStyles[s.Status]
		line := fmt.Sprintf("%s %-8s %-9s %-12s %8s",
			statusIndicators[s.Status], shortID(s.ID), s.Status, s.StartupPhase,
			formatDuration(m.now().Sub(s.LastActivityAt)))
		if s.PendingPermissions > 0 {
			line += fmt.Sprintf("  [%d pending]", s.PendingPermissions)
		}
		if i == m.cursor {
			line = selectedStyle.Inherit(style).Render(line)
		} else {
			line = style.Render(line)
		}
		b.WriteString(cursor + line + "\n")
	}
	b.WriteString(rule)

	if s := m.SelectedSession(); s != nil {
		b.WriteString(m.detailView(s))
		b.WriteString(rule)
	}

	if m.notice != "" {
		b.WriteString(m.notice + "\n")
	}
	b.WriteString(helpStyle.Render("[a] Allow   [d] Deny   [s] Stop   [r] Refresh   [q] Quit") + "\n")
	return b.String()
}

func (m *Model) detailView(s *protocol.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n", titleStyle.Render(s.ID))
	if s.WorkerID != "" {
		fmt.Fprintf(&b, "Worker: %s\n", s.WorkerID)
	}
	if s.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", errorStyle.Render(s.Error))
	}

	if s.ID == m.detailID && len(m.pending) > 0 {
		b.WriteString("\nPermissions:\n")
		for i, req := range m.pending {
			marker := " "
			if i == 0 {
				marker = "*"
			}
			fmt.Fprintf(&b, " %s %s %s\n", marker, req.ToolName, truncate(string(req.Input), 50))
		}
	}

	b.WriteString("\nMessages:\n")
	if s.ID != m.detailID || len(m.messages) == 0 {
		b.WriteString("  (no messages)\n")
	} else {
		for _, msg := range m.messages {
			fmt.Fprintf(&b, "  %4d %-10s %s\n", msg.Sequence, msg.Role, truncate(msg.Content, 54))
		}
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %02ds", minutes, seconds)
}

// TickCmd returns a command that ticks for auto-refresh
func TickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}
