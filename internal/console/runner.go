// Package console runs executable task targets, either under a pseudo
// terminal rendered into a virtual screen or with plain pipes.
package console

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
)

const readChunk = 4096

// Options controls one run.
type Options struct {
	Dir  string
	Env  []string
	Cols uint16
	Rows uint16

	// PTY runs the command under a pseudo terminal and renders its output.
	PTY bool

	// OnOutput receives output chunks as they are read.
	OnOutput func(chunk string)

	// Stderr receives the command's stderr in pipe mode. Defaults to os.Stderr.
	Stderr io.Writer

	// KillGrace is how long a cancelled command gets after SIGTERM.
	KillGrace time.Duration
}

// Result describes a finished command.
type Result struct {
	ExitCode int
	Signal   string
	// Screen is the final visible screen in PTY mode.
	Screen string
	// Frame is Screen with colors, as ANSI.
	Frame []byte
}

// Run starts name with args and waits for it. A cancelled ctx terminates the
// command's process group.
func Run(ctx context.Context, name string, args []string, opts Options) (Result, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = time.Second
	}
	if opts.PTY {
		return runPTY(ctx, cmd, opts)
	}
	return runPipes(ctx, cmd, opts)
}

func runPTY(ctx context.Context, cmd *exec.Cmd, opts Options) (Result, error) {
	screen := NewScreen(opts.Cols, opts.Rows)
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return Result{ExitCode: 1}, err
	}
	defer ptmx.Close()

	stop := terminateOnCancel(ctx, cmd, opts.KillGrace)
	defer stop()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		pump(ptmx, screen, opts.OnOutput)
	}()

	waitErr := cmd.Wait()
	// The slave side closes when the child exits; the reader then hits EIO.
	select {
	case <-readDone:
	case <-time.After(500 * time.Millisecond):
	}

	code, sig := parseExitStatus(waitErr)
	res := Result{ExitCode: code, Signal: sig, Screen: screen.Text(), Frame: screen.Frame()}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

func runPipes(ctx context.Context, cmd *exec.Cmd, opts Options) (Result, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: 1}, err
	}
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: 1}, err
	}
	stop := terminateOnCancel(ctx, cmd, opts.KillGrace)
	defer stop()

	// StdoutPipe must be drained before Wait.
	pump(stdout, nil, opts.OnOutput)

	code, sig := parseExitStatus(cmd.Wait())
	res := Result{ExitCode: code, Signal: sig}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

func pump(r io.Reader, screen *Screen, onOutput func(string)) {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if screen != nil {
				screen.Write(buf[:n])
			}
			if onOutput != nil {
				onOutput(string(buf[:n]))
			}
		}
		if err != nil {
			return
		}
	}
}

// terminateOnCancel signals cmd's process group when ctx is cancelled:
// SIGTERM, then SIGKILL after grace.
func terminateOnCancel(ctx context.Context, cmd *exec.Cmd, grace time.Duration) (stop func() bool) {
	exited := make(chan struct{})
	stopAfter := context.AfterFunc(ctx, func() {
		pgid := -cmd.Process.Pid
		_ = syscall.Kill(pgid, syscall.SIGTERM)
		select {
		case <-exited:
		case <-time.After(grace):
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}
	})
	return func() bool {
		close(exited)
		return stopAfter()
	}
}

func parseExitStatus(waitErr error) (int, string) {
	if waitErr == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return 1, ""
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode(), ""
	}
	if status.Signaled() {
		return 128 + int(status.Signal()), status.Signal().String()
	}
	return status.ExitStatus(), ""
}
