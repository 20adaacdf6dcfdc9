package dashboard

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/victorarias/taskhost/internal/protocol"
)

type fakeSource struct {
	tasks   []protocol.TaskInfo
	history []protocol.TaskInfo
	ended   []int
	listErr error
}

func (f *fakeSource) List() ([]protocol.TaskInfo, error) { return f.tasks, f.listErr }
func (f *fakeSource) History(limit int) ([]protocol.TaskInfo, error) {
	return f.history, nil
}
func (f *fakeSource) EndPID(pid int) (bool, error) {
	f.ended = append(f.ended, pid)
	return true, nil
}

func TestModel_Init(t *testing.T) {
	m := NewModel(nil)
	if m.cursor != 0 {
		t.Errorf("initial cursor = %d, want 0", m.cursor)
	}
	if _, ok := m.refresh().(tasksMsg); !ok {
		t.Error("refresh without a source should return an empty tasksMsg")
	}
}

func TestModel_MoveCursor(t *testing.T) {
	m := NewModel(nil)
	m.tasks = []protocol.TaskInfo{{PID: 1}, {PID: 2}, {PID: 3}}

	m.moveCursor(1)
	m.moveCursor(1)
	if m.cursor != 2 {
		t.Errorf("cursor = %d, want 2", m.cursor)
	}
	m.moveCursor(1)
	if m.cursor != 2 {
		t.Errorf("cursor at bottom = %d, want 2", m.cursor)
	}
	m.moveCursor(-5)
	if m.cursor != 0 {
		t.Errorf("cursor at top = %d, want 0", m.cursor)
	}
}

func TestModel_RefreshAndEnd(t *testing.T) {
	src := &fakeSource{
		tasks:   []protocol.TaskInfo{{PID: 10, Name: "a"}, {PID: 11, Name: "b"}},
		history: []protocol.TaskInfo{{PID: 9, Name: "old", ExitCode: protocol.Ptr(2)}},
	}
	m := NewModel(src)
	m.Update(m.refresh())
	if len(m.tasks) != 2 || len(m.history) != 1 {
		t.Fatalf("tasks=%d history=%d", len(m.tasks), len(m.history))
	}

	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'x'}})
	if cmd == nil {
		t.Fatal("end key should return a command")
	}
	msg := cmd()
	if len(src.ended) != 1 || src.ended[0] != 11 {
		t.Errorf("ended = %v, want [11]", src.ended)
	}
	m.Update(msg)
	if !strings.Contains(m.status, "ended b") {
		t.Errorf("status = %q", m.status)
	}
}

func TestModel_EndIgnoredInHistoryPane(t *testing.T) {
	src := &fakeSource{history: []protocol.TaskInfo{{PID: 9, Name: "old"}}}
	m := NewModel(src)
	m.Update(m.refresh())
	m.Update(tea.KeyMsg{Type: tea.KeyTab})
	if m.SelectedTask() == nil || m.SelectedTask().PID != 9 {
		t.Fatalf("selected = %+v", m.SelectedTask())
	}
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'x'}}); cmd != nil {
		t.Error("end should do nothing on finished tasks")
	}
}

func TestModel_View(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewModel(nil)
	m.now = func() time.Time { return start.Add(65 * time.Second) }
	m.tasks = []protocol.TaskInfo{{PID: 42, Name: "backup", StartedAt: protocol.NewTimestamp(start)}}

	out := m.View()
	for _, want := range []string{"backup", "pid 42", "1m 05s", "(none)"} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q:\n%s", want, out)
		}
	}

	m.Update(errMsg{err: errors.New("no host")})
	if !strings.Contains(m.View(), "no host") {
		t.Error("view should show the error")
	}
}
