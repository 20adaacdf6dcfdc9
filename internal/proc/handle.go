// Package proc provides waitable process handles.
//
// A Handle reports when a process terminates without reaping it, so the
// process's parent keeps ownership of the exit status. On kernels with
// pidfd support the handle is a pidfd polled for readability; otherwise the
// pid is probed with signal 0.
package proc

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	pidfdPollInterval = 100 // ms
	probeInterval     = 25 * time.Millisecond
)

var ErrNoProcess = errors.New("process does not exist")

// Handle tracks the lifetime of one process.
type Handle struct {
	pid  int
	fd   int
	done chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	watchDone chan struct{}
}

// Open returns a handle for pid. It fails with ErrNoProcess when the process
// is already gone.
func Open(pid int) (*Handle, error) {
	if pid <= 0 {
		return nil, ErrNoProcess
	}
	h := &Handle{
		pid:       pid,
		fd:        -1,
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
		watchDone: make(chan struct{}),
	}
	fd, err := unix.PidfdOpen(pid, 0)
	switch {
	case err == nil:
		h.fd = fd
		go h.watchPidfd()
	case errors.Is(err, unix.ESRCH):
		return nil, ErrNoProcess
	default:
		if !Alive(pid) {
			return nil, ErrNoProcess
		}
		go h.watchProbe()
	}
	return h, nil
}

// PID returns the process id.
func (h *Handle) PID() int { return h.pid }

// Done is closed when the process terminates.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has terminated.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process terminates or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops watching and releases the pidfd. Safe to call more than once.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closed)
		<-h.watchDone
		if h.fd >= 0 {
			err = unix.Close(h.fd)
		}
	})
	return err
}

func (h *Handle) watchPidfd() {
	defer close(h.watchDone)
	fds := []unix.PollFd{{Fd: int32(h.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-h.closed:
			return
		default:
		}
		n, err := unix.Poll(fds, pidfdPollInterval)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			// Poll on a pidfd only fails if the fd is bad; fall back to probing.
			h.probeLoop()
			return
		}
		if n > 0 && fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			close(h.done)
			return
		}
	}
}

func (h *Handle) watchProbe() {
	defer close(h.watchDone)
	h.probeLoop()
}

func (h *Handle) probeLoop() {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		if !Alive(h.pid) {
			close(h.done)
			return
		}
		select {
		case <-h.closed:
			return
		case <-ticker.C:
		}
	}
}

// Alive reports whether a process with pid exists. Zombies count as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Terminate sends SIGTERM, waits up to grace for exit, then SIGKILLs.
func Terminate(pid int, grace time.Duration) {
	if !Alive(pid) {
		return
	}
	_ = syscall.Kill(pid, syscall.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

// ExitStatus converts the error returned by exec.Cmd.Wait into an exit code.
// Signalled processes report 128+signal.
func ExitStatus(state *syscall.WaitStatus) int {
	if state == nil {
		return 0
	}
	if state.Signaled() {
		return 128 + int(state.Signal())
	}
	return state.ExitStatus()
}
