package script

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Roles
const (
	RoleTask          = "task"
	RoleHostExtension = "hostExtension"
)

// IfRunning policies: what to do when a task of the same script is already
// running. A "_restart" suffix means "restart when started interactively".
const (
	IfRunningWarnRestart   = "warn_restart"
	IfRunningWarn          = "warn"
	IfRunningCancelRestart = "cancel_restart"
	IfRunningCancel        = "cancel"
	IfRunningWaitRestart   = "wait_restart"
	IfRunningWait          = "wait"
	IfRunningRunRestart    = "run_restart"
	IfRunningRun           = "run"
	IfRunningRestart       = "restart"
	IfRunningEnd           = "end"
	IfRunningEndRestart    = "end_restart"
)

var ifRunningValues = map[string]bool{
	IfRunningWarnRestart: true, IfRunningWarn: true,
	IfRunningCancelRestart: true, IfRunningCancel: true,
	IfRunningWaitRestart: true, IfRunningWait: true,
	IfRunningRunRestart: true, IfRunningRun: true,
	IfRunningRestart: true, IfRunningEnd: true, IfRunningEndRestart: true,
}

// Meta holds the run options declared in a script's header comments:
//
//	--/ ifRunning wait; console true
//	--/ lib ./shared; pauseKey scrolllock
type Meta struct {
	IfRunning   string
	Role        string
	Console     bool
	Preload     bool
	RefPaths    []string
	NativePaths []string
	PauseKey    string
	ExitKey     string
	SleepExit   bool
	LockExit    bool
}

// DefaultMeta is used for scripts without a header.
func DefaultMeta() Meta {
	return Meta{IfRunning: IfRunningWarnRestart, Role: RoleTask, Preload: true}
}

// ParseMeta reads the leading "--/" lines of src. Parsing stops at the first
// line that is neither blank nor a "--" comment.
func ParseMeta(src []byte) (Meta, error) {
	m := DefaultMeta()
	sc := bufio.NewScanner(bytes.NewReader(src))
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || (lineNo == 1 && strings.HasPrefix(line, "#!")) {
			continue
		}
		if !strings.HasPrefix(line, "--") {
			break
		}
		if !strings.HasPrefix(line, "--/") {
			continue
		}
		for _, opt := range strings.Split(strings.TrimPrefix(line, "--/"), ";") {
			opt = strings.TrimSpace(opt)
			if opt == "" {
				continue
			}
			name, value, _ := strings.Cut(opt, " ")
			if err := m.set(name, strings.TrimSpace(value)); err != nil {
				return m, fmt.Errorf("line %d: %w", lineNo, err)
			}
		}
	}
	return m, sc.Err()
}

func (m *Meta) set(name, value string) error {
	switch name {
	case "ifRunning":
		if !ifRunningValues[value] {
			return fmt.Errorf("invalid ifRunning %q", value)
		}
		m.IfRunning = value
	case "role":
		if value != RoleTask && value != RoleHostExtension {
			return fmt.Errorf("invalid role %q", value)
		}
		m.Role = value
	case "console":
		return parseBool(name, value, &m.Console)
	case "preload":
		return parseBool(name, value, &m.Preload)
	case "sleepExit":
		return parseBool(name, value, &m.SleepExit)
	case "lockExit":
		return parseBool(name, value, &m.LockExit)
	case "lib":
		if value == "" {
			return fmt.Errorf("lib needs a path")
		}
		m.RefPaths = append(m.RefPaths, value)
	case "nativeLib":
		if value == "" {
			return fmt.Errorf("nativeLib needs a path")
		}
		m.NativePaths = append(m.NativePaths, value)
	case "pauseKey":
		m.PauseKey = value
	case "exitKey":
		m.ExitKey = value
	default:
		return fmt.Errorf("unknown option %q", name)
	}
	return nil
}

func parseBool(name, value string, dst *bool) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s: %q is not a boolean", name, value)
	}
	*dst = b
	return nil
}

// Policy resolves the effective ifRunning policy. Interactive starts
// (restart requests) turn "_restart" variants into restart; other starts
// drop the suffix, except end_restart which becomes end.
func (m Meta) Policy(interactive bool) string {
	p := m.IfRunning
	if p == "" {
		p = IfRunningWarnRestart
	}
	if p == IfRunningRestart || !strings.HasSuffix(p, "_restart") {
		return p
	}
	if interactive {
		return IfRunningRestart
	}
	if p == IfRunningEndRestart {
		return IfRunningEnd
	}
	return strings.TrimSuffix(p, "_restart")
}
