package host

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/victorarias/taskhost/internal/config"
	"github.com/victorarias/taskhost/internal/launcher"
	"github.com/victorarias/taskhost/internal/protocol"
	"github.com/victorarias/taskhost/internal/resultpipe"
	"github.com/victorarias/taskhost/internal/script"
)

var errNotInExtension = errors.New("not available in host extensions")

// runExtension runs a hostExtension script inside the host process. It
// returns after the script ends, so results written by the script are
// buffered before the caller sees the in-process result.
func (h *Host) runExtension(t *target, msg protocol.RunMessage) int {
	engine := script.New(script.WithStdout(logWriter{h}))
	defer engine.Close()

	rt := &extensionRuntime{
		h:        h,
		t:        t,
		msg:      msg,
		launcher: launcher.New(localHost{h}, h.opts.RuntimeDir, h.logger.Debugf),
	}
	engine.Bind(rt)
	engine.AddPackagePaths(append(absPaths(filepath.Dir(t.Path), t.Meta.RefPaths), filepath.Dir(t.Path))...)

	h.logger.Infof("host extension started: %s", t.Rel)
	code, err := engine.RunFile(h.ctx, t.Path)
	if err != nil {
		h.logger.Errorf("host extension %s: %v", t.Rel, err)
	} else {
		h.logger.Infof("host extension ended: %s exit=%d", t.Rel, code)
	}
	return protocol.ResultInProcess
}

// extensionRuntime backs the task module for in-host scripts.
type extensionRuntime struct {
	h        *Host
	t        *target
	msg      protocol.RunMessage
	launcher *launcher.Launcher
}

func (r *extensionRuntime) Name() string   { return r.t.Name }
func (r *extensionRuntime) Args() []string { return r.msg.Args }
func (r *extensionRuntime) Testing() bool  { return r.msg.Mode&protocol.ModeRestart != 0 }
func (r *extensionRuntime) Paused() bool   { return false }

func (r *extensionRuntime) WriteResult(text string) bool {
	if r.msg.ResultPipe == "" {
		return false
	}
	return resultpipe.Write(resultpipe.Path(r.h.opts.RuntimeDir, r.msg.ResultPipe), text, config.ResultConnectTimeout())
}

func (r *extensionRuntime) Single(key string, wait time.Duration, silent bool) error {
	return errNotInExtension
}

func (r *extensionRuntime) Run(ctx context.Context, target string, args ...string) (int, error) {
	return r.launcher.Run(ctx, target, args...)
}

func (r *extensionRuntime) RunWait(ctx context.Context, target string, args ...string) (int, error) {
	return r.launcher.RunWait(ctx, target, args...)
}

func (r *extensionRuntime) RunWaitCollect(ctx context.Context, target string, args ...string) (int, string, error) {
	return r.launcher.RunWaitCollect(ctx, target, args...)
}

func (r *extensionRuntime) Restart(ctx context.Context, args ...string) (int, error) {
	return protocol.ResultFailed, errNotInExtension
}

// localHost lets in-host code use the launcher without a socket round trip.
type localHost struct{ h *Host }

func (l localHost) Run(msg protocol.RunMessage) (int, error) { return l.h.Run(msg), nil }
func (l localHost) ExitCode(pid int, timeout time.Duration) (int, error) {
	return l.h.ExitCode(pid, timeout)
}
func (l localHost) End(target string) (int, error)        { return l.h.End(target), nil }
func (l localHost) EndPID(pid int) (bool, error)          { return l.h.EndPID(pid), nil }
func (l localHost) IsRunning(target string) (bool, error) { return l.h.IsRunning(target) }

// logWriter sends print() output of host extensions to the host log.
type logWriter struct{ h *Host }

func (w logWriter) Write(p []byte) (int, error) {
	w.h.logger.Info(string(trimNewline(p)))
	return len(p), nil
}

func trimNewline(p []byte) []byte {
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == '\r') {
		p = p[:len(p)-1]
	}
	return p
}
