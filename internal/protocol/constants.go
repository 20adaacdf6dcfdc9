package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ProtocolVersion is the version of the host-client protocol.
// Increment this when making breaking changes to the protocol.
const ProtocolVersion = "1"

// Commands
const (
	CmdRun       = "run"
	CmdRunCL     = "run_cl"
	CmdEnd       = "end"
	CmdEndPID    = "end_pid"
	CmdIsRunning = "is_running"
	CmdExitCode  = "exit_code"
	CmdList      = "list"
	CmdHistory   = "history"
	CmdPing      = "ping"
)

// Run results. Positive values are worker pids.
const (
	ResultInProcess = 0
	ResultFailed    = -1
	ResultNotFound  = -2
	ResultDeferred  = -3

	// Produced by the caller side, never by the host.
	ResultNoHost              = -5
	ResultCannotWait          = -6
	ResultCannotGetResult     = -7
	ResultCannotWaitGetResult = -8
)

// Run mode bits.
const (
	ModeWait    = 1
	ModeCollect = 2
	ModeRestart = 4
)

// End results.
const (
	EndNotFound = 0
	EndNone     = 1 // target known, no running instance
	EndEnded    = 2
)

// WebSocket events
const (
	EventInitialState = "initial_state"
	EventTaskStarted  = "task_started"
	EventTaskEnded    = "task_ended"
	EventTaskDeferred = "task_deferred"
)

var ErrArgContainsNUL = errors.New("argument contains NUL")

// RunMessage asks the host to start a task.
type RunMessage struct {
	Cmd        string   `json:"cmd"`
	Target     string   `json:"target"`
	Args       []string `json:"args,omitempty"`
	ResultPipe string   `json:"result_pipe,omitempty"`
	Mode       int      `json:"mode,omitempty"`
	CallerPID  int      `json:"caller_pid,omitempty"`
	Dir        string   `json:"dir,omitempty"`
}

// Validate checks the request can be carried over the flat buffer encoding.
func (m *RunMessage) Validate() error {
	if m.Target == "" {
		return errors.New("missing target")
	}
	if strings.IndexByte(m.Target, 0) >= 0 {
		return fmt.Errorf("target: %w", ErrArgContainsNUL)
	}
	for i, a := range m.Args {
		if strings.IndexByte(a, 0) >= 0 {
			return fmt.Errorf("arg %d: %w", i, ErrArgContainsNUL)
		}
	}
	return nil
}

// EndMessage ends every running instance of a target.
type EndMessage struct {
	Cmd    string `json:"cmd"`
	Target string `json:"target"`
}

// EndPIDMessage ends one task by worker pid.
type EndPIDMessage struct {
	Cmd string `json:"cmd"`
	PID int    `json:"pid"`
}

// IsRunningMessage asks whether any instance of a target is running.
type IsRunningMessage struct {
	Cmd    string `json:"cmd"`
	Target string `json:"target"`
}

// ExitCodeMessage asks for the exit code of a worker the host reaped.
type ExitCodeMessage struct {
	Cmd       string `json:"cmd"`
	PID       int    `json:"pid"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

// ListMessage lists running tasks.
type ListMessage struct {
	Cmd string `json:"cmd"`
}

// HistoryMessage returns recently finished tasks.
type HistoryMessage struct {
	Cmd   string `json:"cmd"`
	Limit int    `json:"limit,omitempty"`
}

// PingMessage checks the host is alive.
type PingMessage struct {
	Cmd string `json:"cmd"`
}

// Response is the single reply to every command.
type Response struct {
	OK       bool       `json:"ok"`
	Error    string     `json:"error,omitempty"`
	Result   int        `json:"result"`
	Running  bool       `json:"running,omitempty"`
	HostPID  int        `json:"host_pid,omitempty"`
	Tasks    []TaskInfo `json:"tasks,omitempty"`
	Finished []TaskInfo `json:"finished,omitempty"`
}

// TaskInfo describes a running or finished task.
type TaskInfo struct {
	TaskID    int       `json:"task_id"`
	PID       int       `json:"pid"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	ScriptID  uint32    `json:"script_id"`
	Preloaded bool      `json:"preloaded,omitempty"`
	StartedAt Timestamp `json:"started_at"`
	EndedAt   Timestamp `json:"ended_at,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
}

// WebSocketEvent is pushed to event subscribers.
type WebSocketEvent struct {
	Event           string     `json:"event"`
	ProtocolVersion *string    `json:"protocol_version,omitempty"`
	Task            *TaskInfo  `json:"task,omitempty"`
	Tasks           []TaskInfo `json:"tasks,omitempty"`
}

// ParseMessage parses a JSON message and returns the command type and parsed message
func ParseMessage(data []byte) (string, interface{}, error) {
	var peek struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return "", nil, err
	}
	if peek.Cmd == "" {
		return "", nil, errors.New("missing cmd field")
	}

	var msg interface{}
	switch peek.Cmd {
	case CmdRun, CmdRunCL:
		msg = &RunMessage{}
	case CmdEnd:
		msg = &EndMessage{}
	case CmdEndPID:
		msg = &EndPIDMessage{}
	case CmdIsRunning:
		msg = &IsRunningMessage{}
	case CmdExitCode:
		msg = &ExitCodeMessage{}
	case CmdList:
		msg = &ListMessage{}
	case CmdHistory:
		msg = &HistoryMessage{}
	case CmdPing:
		msg = &PingMessage{}
	default:
		return "", nil, fmt.Errorf("unknown command: %s", peek.Cmd)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return "", nil, err
	}
	if run, ok := msg.(*RunMessage); ok {
		if err := run.Validate(); err != nil {
			return "", nil, err
		}
	}
	return peek.Cmd, msg, nil
}
