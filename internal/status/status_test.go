package status

import (
	"testing"
	"time"

	"github.com/victorarias/taskhost/internal/protocol"
)

func at(d time.Duration) protocol.Timestamp {
	return protocol.NewTimestamp(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC).Add(d))
}

func TestFormat_Idle(t *testing.T) {
	if got := Format(nil, nil); got != "✓ idle" {
		t.Errorf("got %q, want '✓ idle'", got)
	}
	ok := []protocol.TaskInfo{{Name: "fine", ExitCode: protocol.Ptr(0)}}
	if got := Format(nil, ok); got != "✓ idle" {
		t.Errorf("successful history should stay idle, got %q", got)
	}
}

func TestFormat_SortsOldestFirst(t *testing.T) {
	tasks := []protocol.TaskInfo{
		{Name: "newest", StartedAt: at(2 * time.Minute)},
		{Name: "oldest", StartedAt: at(0)},
		{Name: "middle", StartedAt: at(time.Minute)},
	}
	if got, want := Format(tasks, nil), "3 running: oldest, middle, newest"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFormat_ManyRunning_Truncates(t *testing.T) {
	var tasks []protocol.TaskInfo
	for i, name := range []string{"a", "b", "c", "d", "e"} {
		tasks = append(tasks, protocol.TaskInfo{Name: name, StartedAt: at(time.Duration(i) * time.Second)})
	}
	if got, want := Format(tasks, nil), "5 running: a, b, c, ..."; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFormat_WithFailures(t *testing.T) {
	running := []protocol.TaskInfo{{Name: "sync"}}
	finished := []protocol.TaskInfo{
		{Name: "x", ExitCode: protocol.Ptr(2)},
		{Name: "y", ExitCode: protocol.Ptr(0)},
		{Name: "z", ExitCode: protocol.Ptr(1)},
	}
	if got, want := Format(running, finished), "1 running: sync | 2 failed"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := Format(nil, finished), "2 failed"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
