// Package launcher starts tasks through the host and optionally waits for
// them and collects their results.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/victorarias/taskhost/internal/client"
	"github.com/victorarias/taskhost/internal/proc"
	"github.com/victorarias/taskhost/internal/protocol"
	"github.com/victorarias/taskhost/internal/resultpipe"
)

const exitCodeWait = 2 * time.Second

var (
	ErrNoHost          = client.ErrNoHost
	ErrNotFound        = fmt.Errorf("task not found: %w", fs.ErrNotExist)
	ErrStartTask       = errors.New("failed to start task")
	ErrCannotWait      = errors.New("cannot wait for task")
	ErrCannotGetResult = errors.New("cannot get task result")
)

// Host is the control-plane surface the launcher needs.
type Host interface {
	Run(msg protocol.RunMessage) (int, error)
	ExitCode(pid int, timeout time.Duration) (int, error)
	End(target string) (int, error)
	EndPID(pid int) (bool, error)
	IsRunning(target string) (bool, error)
}

// Launcher runs tasks through a host.
type Launcher struct {
	host       Host
	runtimeDir string
	dir        string
	drain      time.Duration
	logf       func(format string, args ...interface{})
}

// New returns a launcher. runtimeDir is where result channels are created.
func New(host Host, runtimeDir string, logf func(format string, args ...interface{})) *Launcher {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	dir, _ := os.Getwd()
	return &Launcher{host: host, runtimeDir: runtimeDir, dir: dir, drain: resultpipe.DefaultDrain, logf: logf}
}

// SetDrain changes how long buffered results are drained after the worker exits.
func (l *Launcher) SetDrain(d time.Duration) { l.drain = d }

// Run starts target and returns without waiting. The result is the worker
// pid, 0 when the task was deferred or ran inside the host, or -1 when the
// host could not start it.
func (l *Launcher) Run(ctx context.Context, target string, args ...string) (int, error) {
	r, err := l.send(ctx, protocol.RunMessage{Target: target, Args: args})
	if err != nil {
		return r, err
	}
	switch {
	case r == protocol.ResultNotFound:
		return r, notFound(target)
	case r == protocol.ResultDeferred:
		return 0, nil
	}
	return r, nil
}

// Restart ends running instances of the script with id and starts it again.
func (l *Launcher) Restart(ctx context.Context, scriptID uint32, args ...string) (int, error) {
	r, err := l.send(ctx, protocol.RunMessage{Target: protocol.FormatScriptRef(scriptID), Args: args, Mode: protocol.ModeRestart})
	if err != nil {
		return r, err
	}
	if r == protocol.ResultNotFound {
		return r, notFound(protocol.FormatScriptRef(scriptID))
	}
	if r == protocol.ResultDeferred {
		return 0, nil
	}
	return r, nil
}

// RunWait starts target, waits until it ends and returns its exit code.
func (l *Launcher) RunWait(ctx context.Context, target string, args ...string) (int, error) {
	return l.runWait(ctx, target, args, nil)
}

// RunWaitCollect is RunWait that also returns everything the task wrote
// with writeResult, concatenated in order.
func (l *Launcher) RunWaitCollect(ctx context.Context, target string, args ...string) (int, string, error) {
	var b strings.Builder
	code, err := l.runWait(ctx, target, args, func(s string) { b.WriteString(s) })
	return code, b.String(), err
}

// RunWaitStream is RunWait that calls onResult for each writeResult message
// as it arrives.
func (l *Launcher) RunWaitStream(ctx context.Context, target string, onResult func(string), args ...string) (int, error) {
	if onResult == nil {
		onResult = func(string) {}
	}
	return l.runWait(ctx, target, args, onResult)
}

func (l *Launcher) runWait(ctx context.Context, target string, args []string, onResult func(string)) (int, error) {
	msg := protocol.RunMessage{Target: target, Args: args, Mode: protocol.ModeWait}

	var reader *resultpipe.Reader
	if onResult != nil {
		var err error
		reader, err = resultpipe.Listen(l.runtimeDir, l.logf)
		if err != nil {
			return protocol.ResultCannotGetResult, fmt.Errorf("%w: %v", ErrCannotGetResult, err)
		}
		defer reader.Close()
		reader.SetDrain(l.drain)
		msg.ResultPipe = reader.Name()
		msg.Mode |= protocol.ModeCollect
	}

	r, err := l.send(ctx, msg)
	if err != nil {
		return r, err
	}
	switch {
	case r == protocol.ResultNotFound:
		return r, notFound(target)
	case r == protocol.ResultInProcess:
		// Ran synchronously inside the host; its results were written
		// before the reply, so only buffered messages remain.
		if reader != nil {
			done := make(chan struct{})
			close(done)
			_ = reader.Drain(ctx, done, onResult)
		}
		return 0, nil
	case r <= 0:
		return r, fmt.Errorf("%w %s: %s", ErrStartTask, target, protocol.DescribeResult(r))
	}

	pid := r
	h, err := proc.Open(pid)
	var exited <-chan struct{}
	if err != nil {
		if !errors.Is(err, proc.ErrNoProcess) {
			code := protocol.ResultCannotWait
			if reader != nil {
				code = protocol.ResultCannotWaitGetResult
			}
			return code, fmt.Errorf("%w: %v", ErrCannotWait, err)
		}
		// Already gone; drain whatever it left behind.
		done := make(chan struct{})
		close(done)
		exited = done
	} else {
		defer h.Close()
		exited = h.Done()
	}

	if reader != nil {
		if err := reader.Drain(ctx, exited, onResult); err != nil {
			return protocol.ResultCannotWait, err
		}
	} else {
		select {
		case <-exited:
		case <-ctx.Done():
			return protocol.ResultCannotWait, ctx.Err()
		}
	}

	code, err := l.host.ExitCode(pid, exitCodeWait)
	if err != nil {
		return protocol.ResultCannotWait, fmt.Errorf("%w: exit code of pid %d: %v", ErrCannotWait, pid, err)
	}
	return code, nil
}

func (l *Launcher) send(ctx context.Context, msg protocol.RunMessage) (int, error) {
	if err := ctx.Err(); err != nil {
		return protocol.ResultFailed, err
	}
	msg.Dir = l.dir
	r, err := l.host.Run(msg)
	if err != nil {
		if errors.Is(err, client.ErrNoHost) {
			return protocol.ResultNoHost, err
		}
		return protocol.ResultFailed, fmt.Errorf("%w %s: %v", ErrStartTask, msg.Target, err)
	}
	return r, nil
}

// End ends every running instance of target. It returns protocol.EndEnded,
// EndNone or EndNotFound.
func (l *Launcher) End(ctx context.Context, target string) (int, error) {
	if err := ctx.Err(); err != nil {
		return protocol.EndNotFound, err
	}
	r, err := l.host.End(target)
	if err != nil {
		return r, err
	}
	if r == protocol.EndNotFound {
		return r, notFound(target)
	}
	return r, nil
}

// EndPID ends the task running in worker pid.
func (l *Launcher) EndPID(ctx context.Context, pid int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return l.host.EndPID(pid)
}

// IsRunning reports whether target has a running instance.
func (l *Launcher) IsRunning(ctx context.Context, target string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return l.host.IsRunning(target)
}

func notFound(target string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, target)
}
