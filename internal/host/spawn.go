package host

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/victorarias/taskhost/internal/preload"
	"github.com/victorarias/taskhost/internal/proc"
)

// workerProcess is a worker started by the host. The host is its parent, so
// it reaps it and knows its exit code.
type workerProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

func (w *workerProcess) PID() int              { return w.cmd.Process.Pid }
func (w *workerProcess) Done() <-chan struct{} { return w.done }

func (w *workerProcess) Kill() {
	_ = w.cmd.Process.Kill()
}

// ExitCode is valid after Done is closed.
func (w *workerProcess) ExitCode() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitCode
}

func (w *workerProcess) wait() {
	err := w.cmd.Wait()
	code := 0
	if err != nil {
		code = 1
		if state, ok := w.cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
			code = proc.ExitStatus(&state)
		}
	}
	w.mu.Lock()
	w.exitCode = code
	w.mu.Unlock()
	close(w.done)
}

// spawner starts worker processes as "<argv...> worker <args...>".
type spawner struct {
	argv   []string
	logDir string
	env    []string
	logf   func(format string, args ...interface{})
	seq    atomic.Int64
}

func (s *spawner) spawn(args ...string) (preload.Process, error) {
	if len(s.argv) == 0 {
		return nil, fmt.Errorf("no worker command configured")
	}
	full := append(append([]string{}, s.argv[1:]...), "worker")
	full = append(full, args...)
	cmd := exec.Command(s.argv[0], full...)
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Env = append(cmd.Env, "TASKHOST_WORKER=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	n := s.seq.Add(1)
	logPath := filepath.Join(s.logDir, "worker-"+strconv.FormatInt(n, 10)+".log")
	if err := os.MkdirAll(s.logDir, 0700); err != nil {
		s.logf("worker log dir failed: %v", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		s.logf("worker log open failed: path=%s err=%v", logPath, err)
	} else {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		defer logFile.Close()
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	w := &workerProcess{cmd: cmd, done: make(chan struct{})}
	go w.wait()
	return w, nil
}
