// Package dashboard is the "taskhost top" terminal view of running tasks and
// recent history.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/victorarias/taskhost/internal/protocol"
)

const historyRows = 15

// Source is the host surface the dashboard reads. *client.Client satisfies it.
type Source interface {
	List() ([]protocol.TaskInfo, error)
	History(limit int) ([]protocol.TaskInfo, error)
	EndPID(pid int) (bool, error)
}

// Model is the bubbletea model for the dashboard
type Model struct {
	source    Source
	tasks     []protocol.TaskInfo
	history   []protocol.TaskInfo
	cursor    int
	focusPane int // 0 = running, 1 = history
	status    string
	err       error
	now       func() time.Time
}

// NewModel creates a new dashboard model
func NewModel(s Source) *Model {
	return &Model{source: s, now: time.Now}
}

// Init initializes the model
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.refresh, TickCmd())
}

// refresh fetches tasks from the host
func (m *Model) refresh() tea.Msg {
	if m.source == nil {
		return tasksMsg{}
	}
	tasks, err := m.source.List()
	if err != nil {
		return errMsg{err: err}
	}
	hist, _ := m.source.History(historyRows) // history is optional
	return tasksMsg{tasks: tasks, history: hist}
}

type tasksMsg struct {
	tasks   []protocol.TaskInfo
	history []protocol.TaskInfo
}

type errMsg struct {
	err error
}

type statusMsg struct {
	text string
}

type tickMsg struct{}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.focusPane = 1 - m.focusPane
			m.cursor = 0
		case "up", "k":
			m.moveCursor(-1)
		case "down", "j":
			m.moveCursor(1)
		case "r":
			return m, m.refresh
		case "x", "e":
			if m.focusPane == 0 {
				if t := m.SelectedTask(); t != nil {
					return m, m.endTask(t.PID, t.Name)
				}
			}
		}
	case tasksMsg:
		m.tasks = msg.tasks
		m.history = msg.history
		m.err = nil
		m.moveCursor(0)
		return m, TickCmd()
	case statusMsg:
		m.status = msg.text
		return m, m.refresh
	case errMsg:
		m.err = msg.err
	case tickMsg:
		return m, m.refresh
	}
	return m, nil
}

func (m *Model) rows() []protocol.TaskInfo {
	if m.focusPane == 1 {
		return m.history
	}
	return m.tasks
}

func (m *Model) moveCursor(delta int) {
	n := len(m.rows())
	m.cursor += delta
	if m.cursor >= n {
		m.cursor = n - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// SelectedTask returns the task under the cursor in the focused pane.
func (m *Model) SelectedTask() *protocol.TaskInfo {
	rows := m.rows()
	if m.cursor >= 0 && m.cursor < len(rows) {
		return &rows[m.cursor]
	}
	return nil
}

func (m *Model) endTask(pid int, name string) tea.Cmd {
	return func() tea.Msg {
		ok, err := m.source.EndPID(pid)
		if err != nil {
			return errMsg{err: err}
		}
		if !ok {
			return statusMsg{text: fmt.Sprintf("%s (pid %d) already ended", name, pid)}
		}
		return statusMsg{text: fmt.Sprintf("ended %s (pid %d)", name, pid)}
	}
}

// View renders the dashboard
func (m *Model) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n\nPress 'r' to retry, 'q' to quit"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Running tasks") + "\n")
	b.WriteString(strings.Repeat("─", 60) + "\n")
	if len(m.tasks) == 0 {
		b.WriteString(mutedStyle.Render("  (none)") + "\n")
	}
	for i, t := range m.tasks {
		line := fmt.Sprintf("%s %-24s pid %-7d %8s%s",
			runningStyle.Render("●"), t.Name, t.PID, formatDuration(m.now().Sub(t.StartedAt.Time())), preloadMark(t))
		b.WriteString(m.row(line, m.focusPane == 0 && i == m.cursor))
	}

	b.WriteString("\n" + titleStyle.Render("Recent") + "\n")
	b.WriteString(strings.Repeat("─", 60) + "\n")
	if len(m.history) == 0 {
		b.WriteString(mutedStyle.Render("  (none)") + "\n")
	}
	for i, t := range m.history {
		code := protocol.Deref(t.ExitCode)
		mark := mutedStyle.Render("○")
		if code != 0 {
			mark = failedStyle.Render("✗")
		}
		line := fmt.Sprintf("%s %-24s exit %-4d %8s", mark, t.Name, code,
			formatDuration(t.EndedAt.Time().Sub(t.StartedAt.Time())))
		b.WriteString(m.row(line, m.focusPane == 1 && i == m.cursor))
	}

	b.WriteString(strings.Repeat("─", 60) + "\n")
	if m.status != "" {
		b.WriteString(m.status + "\n")
	}
	b.WriteString(mutedStyle.Render("[x] End   [Tab] Switch pane   [r] Refresh   [q] Quit") + "\n")
	return b.String()
}

func (m *Model) row(line string, selected bool) string {
	if selected {
		return "> " + selectedStyle.Render(line) + "\n"
	}
	return "  " + line + "\n"
}

func preloadMark(t protocol.TaskInfo) string {
	if t.Preloaded {
		return mutedStyle.Render("  warm")
	}
	return ""
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
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}
