package host

import (
	"errors"
	"fmt"
	"path/filepath"
	"syscall"
	"time"

	"github.com/victorarias/taskhost/internal/auxmon"
	"github.com/victorarias/taskhost/internal/preload"
	"github.com/victorarias/taskhost/internal/protocol"
	"github.com/victorarias/taskhost/internal/script"
)

var errUnknownPID = errors.New("no task with this pid")

// Run resolves msg.Target and starts it, honoring its ifRunning policy.
// It returns a worker pid or one of the protocol run results.
func (h *Host) Run(msg protocol.RunMessage) int {
	select {
	case <-h.done:
		return protocol.ResultFailed
	default:
	}

	t, err := resolveTarget(h.opts.Workspace, msg.Dir, msg.Target)
	if err != nil {
		if errors.Is(err, errTargetNotFound) {
			h.logger.Infof("run %q: not found", msg.Target)
			return protocol.ResultNotFound
		}
		h.logger.Warnf("run %q: %v", msg.Target, err)
		return protocol.ResultFailed
	}

	if t.Kind == preload.KindLua && t.Meta.Role == script.RoleHostExtension {
		return h.runExtension(t, msg)
	}

	h.runMu.Lock()
	defer h.runMu.Unlock()
	return h.runLocked(t, msg, false)
}

// runLocked applies the ifRunning policy and launches. Caller holds runMu.
func (h *Host) runLocked(t *target, msg protocol.RunMessage, ignoreLimits bool) int {
	interactive := msg.Mode&protocol.ModeRestart != 0
	noDefer := msg.Mode&protocol.ModeWait != 0

	for !ignoreLimits && !h.canRunNow(t, interactive) {
		switch t.Meta.Policy(interactive) {
		case script.IfRunningCancel:
			return protocol.ResultFailed
		case script.IfRunningWait:
			if noDefer {
				h.warnRunning(t)
				return protocol.ResultFailed
			}
			h.mu.Lock()
			h.deferred = append([]deferredRun{{target: t, msg: msg}}, h.deferred...)
			h.mu.Unlock()
			h.logger.Infof("run %s deferred until the running instance ends", t.Rel)
			h.wsHub.Broadcast(&protocol.WebSocketEvent{
				Event: protocol.EventTaskDeferred,
				Task:  &protocol.TaskInfo{Name: t.Name, Path: t.Rel, ScriptID: t.ScriptID},
			})
			return protocol.ResultDeferred
		case script.IfRunningRestart:
			if h.endScript(t.ScriptID) {
				continue
			}
			h.warnRunning(t)
			return protocol.ResultFailed
		case script.IfRunningEnd:
			h.endScript(t.ScriptID)
			return protocol.ResultFailed
		default:
			h.warnRunning(t)
			return protocol.ResultFailed
		}
	}
	return h.launch(t, msg)
}

func (h *Host) canRunNow(t *target, interactive bool) bool {
	if t.Meta.Policy(interactive) == script.IfRunningRun {
		return true
	}
	return len(h.store.ByScript(t.ScriptID)) == 0
}

func (h *Host) warnRunning(t *target) {
	h.logger.Warnf("Cannot start %s because it is running. You may want to change its ifRunning option.", t.Rel)
}

func (h *Host) launch(t *target, msg protocol.RunMessage) int {
	if h.preload == nil {
		h.logger.Errorf("start %s: host is not started", t.Rel)
		return protocol.ResultFailed
	}
	dir := filepath.Dir(t.Path)
	l := preload.Launch{
		Target:          t.Path,
		Name:            t.Name,
		Kind:            t.Kind,
		Args:            msg.Args,
		ResultPipe:      msg.ResultPipe,
		Workspace:       h.opts.Workspace,
		Dir:             msg.Dir,
		MainScriptID:    t.ScriptID,
		HostPID:         h.pid,
		MessageTargetID: h.id,
		RefPaths:        absPaths(dir, t.Meta.RefPaths),
		NativePaths:     absPaths(dir, t.Meta.NativePaths),
		PauseKey:        t.Meta.PauseKey,
		ExitKey:         t.Meta.ExitKey,
		ExitOnSuspend:   t.Meta.SleepExit,
		ExitOnLock:      t.Meta.LockExit,
	}
	if len(l.RefPaths) > 0 {
		l.Flags |= preload.FlagRefPaths
	}
	if len(l.NativePaths) > 0 {
		l.Flags |= preload.FlagNativePaths
	}
	if t.Meta.Console {
		l.Flags |= preload.FlagConsole
		if msg.ResultPipe != "" {
			l.Flags |= preload.FlagRedirectConsole
		}
	}
	if msg.Mode&protocol.ModeRestart != 0 {
		l.Flags |= preload.FlagFromEditor
	}
	if h.opts.Portable {
		l.Flags |= preload.FlagIsPortable
	}

	var (
		p         preload.Process
		preloaded bool
		err       error
	)
	if t.Meta.Preload {
		p, preloaded, err = h.preload.Launch(h.ctx, l)
	} else {
		p, err = h.preload.LaunchFresh(h.ctx, l)
	}
	if err != nil {
		h.logger.Errorf("start %s: %v", t.Rel, err)
		return protocol.ResultFailed
	}
	w, ok := p.(*workerProcess)
	if !ok {
		p.Kill()
		h.logger.Errorf("start %s: unexpected worker type %T", t.Rel, p)
		return protocol.ResultFailed
	}

	info := h.store.Add(protocol.TaskInfo{
		PID:       w.PID(),
		Name:      t.Name,
		Path:      t.Rel,
		ScriptID:  t.ScriptID,
		Preloaded: preloaded,
	}, msg.Args)
	tk := &task{info: info, proc: w, ended: make(chan struct{})}
	h.mu.Lock()
	h.tasks[info.PID] = tk
	h.mu.Unlock()

	h.logger.Infof("task started: %s pid=%d preloaded=%v", t.Rel, info.PID, preloaded)
	h.wsHub.Broadcast(&protocol.WebSocketEvent{Event: protocol.EventTaskStarted, Task: &info})

	go h.watch(tk)
	return info.PID
}

// watch reaps a task and starts deferred runs that became possible.
func (h *Host) watch(tk *task) {
	<-tk.proc.Done()
	code := tk.proc.ExitCode()

	info, ok := h.store.Finish(tk.info.PID, code)
	if !ok {
		info = tk.info
		info.ExitCode = protocol.Ptr(code)
	}
	h.mu.Lock()
	delete(h.tasks, tk.info.PID)
	h.mu.Unlock()
	close(tk.ended)

	h.logger.Infof("task ended: %s pid=%d exit=%d", info.Path, info.PID, code)
	h.wsHub.Broadcast(&protocol.WebSocketEvent{Event: protocol.EventTaskEnded, Task: &info})

	h.startDeferred()
}

// startDeferred starts the oldest deferred run that can run now.
func (h *Host) startDeferred() {
	select {
	case <-h.done:
		return
	default:
	}

	h.runMu.Lock()
	defer h.runMu.Unlock()

	h.mu.Lock()
	var next *deferredRun
	for j := len(h.deferred) - 1; j >= 0; j-- {
		d := h.deferred[j]
		if h.canRunNow(d.target, false) {
			h.deferred = append(h.deferred[:j:j], h.deferred[j+1:]...)
			next = &d
			break
		}
	}
	h.mu.Unlock()

	if next != nil {
		h.logger.Infof("starting deferred run of %s", next.target.Rel)
		h.runLocked(next.target, next.msg, true)
	}
}

// Deferred returns the number of queued runs.
func (h *Host) Deferred() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.deferred)
}

// End ends all running instances of target.
func (h *Host) End(targetSpec string) int {
	t, err := resolveTarget(h.opts.Workspace, "", targetSpec)
	if err != nil {
		return protocol.EndNotFound
	}
	if !h.endScript(t.ScriptID) {
		return protocol.EndNone
	}
	return protocol.EndEnded
}

// EndPID ends one task. It returns false if pid is not a running task.
func (h *Host) EndPID(pid int) bool {
	h.mu.Lock()
	tk := h.tasks[pid]
	h.mu.Unlock()
	if tk == nil {
		return false
	}
	h.endTask(tk)
	return true
}

// IsRunning reports whether any instance of target is running.
func (h *Host) IsRunning(targetSpec string) (bool, error) {
	t, err := resolveTarget(h.opts.Workspace, "", targetSpec)
	if err != nil {
		return false, err
	}
	return len(h.store.ByScript(t.ScriptID)) > 0, nil
}

// ExitCode returns the exit code of a task the host started, waiting up to
// timeout for a running task to end.
func (h *Host) ExitCode(pid int, timeout time.Duration) (int, error) {
	if code, ok := h.store.ExitCode(pid); ok {
		return code, nil
	}
	h.mu.Lock()
	tk := h.tasks[pid]
	h.mu.Unlock()
	if tk == nil {
		return 0, fmt.Errorf("%w: %d", errUnknownPID, pid)
	}
	if timeout > maxExitCodeWait {
		timeout = maxExitCodeWait
	}
	select {
	case <-tk.ended:
	case <-time.After(timeout):
		return 0, fmt.Errorf("task %d is still running", pid)
	}
	if code, ok := h.store.ExitCode(pid); ok {
		return code, nil
	}
	return tk.proc.ExitCode(), nil
}

// endScript ends every running task of a script. It returns false when
// none was running.
func (h *Host) endScript(scriptID uint32) bool {
	h.mu.Lock()
	var victims []*task
	for _, tk := range h.tasks {
		if tk.info.ScriptID == scriptID {
			victims = append(victims, tk)
		}
	}
	h.mu.Unlock()
	for _, tk := range victims {
		h.endTask(tk)
	}
	return len(victims) > 0
}

// endTask asks the worker to close through its aux endpoint, then kills its
// process group after the grace period. It returns once the task is reaped.
func (h *Host) endTask(tk *task) {
	pid := tk.info.PID

	if err := auxmon.Send(h.opts.RuntimeDir, pid, "close"); err != nil {
		h.logger.Debugf("end pid=%d: %v", pid, err)
	}
	select {
	case <-tk.ended:
		return
	case <-time.After(h.opts.EndGrace):
	}

	h.logger.Infof("end pid=%d: no response to close, killing", pid)
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	tk.proc.Kill()
	select {
	case <-tk.ended:
	case <-time.After(killWait):
		h.logger.Warnf("end pid=%d: still not reaped", pid)
	}
}
