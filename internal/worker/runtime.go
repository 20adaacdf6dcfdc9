package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/victorarias/taskhost/internal/auxmon"
	"github.com/victorarias/taskhost/internal/launcher"
	"github.com/victorarias/taskhost/internal/preload"
	"github.com/victorarias/taskhost/internal/resultpipe"
	"github.com/victorarias/taskhost/internal/single"
)

// RuntimeContext is the per-process state of a running task. It is built
// once after the launch payload arrives and backs the script task module.
type RuntimeContext struct {
	Launch     preload.Launch
	RuntimeDir string

	paused   atomic.Bool
	results  *resultpipe.Writer
	guard    *single.Guard
	monitor  *auxmon.Monitor
	launcher *launcher.Launcher
}

func (r *RuntimeContext) Name() string   { return r.Launch.Name }
func (r *RuntimeContext) Args() []string { return r.Launch.Args }

// Testing reports whether the task was started interactively.
func (r *RuntimeContext) Testing() bool { return r.Launch.Has(preload.FlagFromEditor) }

// Paused reports the pause state toggled by the pause key.
func (r *RuntimeContext) Paused() bool {
	if r.monitor != nil {
		return r.monitor.Paused()
	}
	return r.paused.Load()
}

// WriteResult sends text to the caller waiting on this task. It returns
// false when nobody waits or the caller is gone.
func (r *RuntimeContext) WriteResult(text string) bool {
	if r.results == nil {
		return false
	}
	return r.results.WriteResult(text)
}

// HasResultPipe reports whether a caller collects results.
func (r *RuntimeContext) HasResultPipe() bool { return r.results != nil }

func (r *RuntimeContext) Single(key string, wait time.Duration, silent bool) error {
	return r.guard.Single(key, wait, silent)
}

func (r *RuntimeContext) Run(ctx context.Context, target string, args ...string) (int, error) {
	return r.launcher.Run(ctx, target, args...)
}

func (r *RuntimeContext) RunWait(ctx context.Context, target string, args ...string) (int, error) {
	return r.launcher.RunWait(ctx, target, args...)
}

func (r *RuntimeContext) RunWaitCollect(ctx context.Context, target string, args ...string) (int, string, error) {
	return r.launcher.RunWaitCollect(ctx, target, args...)
}

// Restart starts this task's script again; its ifRunning policy decides
// what happens to this instance.
func (r *RuntimeContext) Restart(ctx context.Context, args ...string) (int, error) {
	return r.launcher.Restart(ctx, r.Launch.MainScriptID, args...)
}
