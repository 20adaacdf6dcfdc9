// Package worker is the task process. It receives a launch payload from the
// host, either right away (fresh worker) or after idling as a preloaded
// slot, then runs the task body and exits with the task's code.
package worker

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/victorarias/taskhost/internal/auxmon"
	"github.com/victorarias/taskhost/internal/client"
	"github.com/victorarias/taskhost/internal/config"
	"github.com/victorarias/taskhost/internal/exitcode"
	"github.com/victorarias/taskhost/internal/hotkey"
	"github.com/victorarias/taskhost/internal/launcher"
	"github.com/victorarias/taskhost/internal/logging"
	"github.com/victorarias/taskhost/internal/pathutil"
	"github.com/victorarias/taskhost/internal/preload"
	"github.com/victorarias/taskhost/internal/proc"
	"github.com/victorarias/taskhost/internal/resultpipe"
	"github.com/victorarias/taskhost/internal/script"
	"github.com/victorarias/taskhost/internal/single"
)

// Args are the worker command-line flags.
type Args struct {
	Pipe  string
	Wake  string
	Block string
}

// ParseArgs parses the flags the host passes to a worker.
func ParseArgs(argv []string) (Args, error) {
	var a Args
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&a.Pipe, strings.TrimPrefix(preload.ArgPipe, "--"), "", "launch pipe")
	fs.StringVar(&a.Wake, strings.TrimPrefix(preload.ArgWake, "--"), "", "wake fifo")
	fs.StringVar(&a.Block, strings.TrimPrefix(preload.ArgBlock, "--"), "", "handoff block")
	if err := fs.Parse(argv); err != nil {
		return a, err
	}
	if a.Pipe == "" {
		return a, errors.New("--pipe is required")
	}
	if (a.Wake == "") != (a.Block == "") {
		return a, errors.New("--wake and --block go together")
	}
	return a, nil
}

// Slot reports whether the worker was started as a preloaded slot.
func (a Args) Slot() bool { return a.Wake != "" }

// Options are process-level hooks, replaceable in tests.
type Options struct {
	RuntimeDir string
	HostPID    int
	Logger     *logging.Logger
	Stdout     io.Writer
	Stderr     io.Writer
	// Exit ends the process. It must not return in production.
	Exit func(code int)
	// Context bounds the whole run when set.
	Context context.Context
}

// Main runs a worker and returns its exit code.
func Main(argv []string, opts Options) int {
	if opts.RuntimeDir == "" {
		opts.RuntimeDir = config.RuntimeDir()
	}
	if opts.HostPID == 0 {
		opts.HostPID, _ = strconv.Atoi(os.Getenv("TASKHOST_HOST_PID"))
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	log := opts.Logger

	args, err := ParseArgs(argv)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "worker: %v\n", err)
		return exitcode.ErrUsage
	}

	parent := opts.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// One-time initialization happens before waiting, which is the point
	// of a slot.
	engine := script.New(script.WithStdout(opts.Stdout))
	defer engine.Close()

	l, err := receive(ctx, args, opts)
	if err != nil {
		if errors.Is(err, errHostGone) {
			log.Infof("worker: host gone while waiting")
			return exitcode.HostDied
		}
		log.Errorf("worker: handoff failed: %v", err)
		return exitcode.Handoff
	}
	log.Infof("worker: running %s (kind=%s preloaded=%v)", l.Target, l.Kind, l.Has(preload.FlagPreloaded))

	rt, cleanup, err := newRuntime(ctx, l, opts)
	if err != nil {
		log.Errorf("worker: %v", err)
		if errors.Is(err, errHostGone) {
			return exitcode.HostDied
		}
		return exitcode.Handoff
	}
	defer cleanup()

	applyNativePaths(l, log)

	switch l.Kind {
	case preload.KindLua:
		return runLua(ctx, engine, rt, opts)
	case preload.KindExec:
		return runExec(ctx, rt, opts)
	}
	log.Errorf("worker: unknown task kind %q", l.Kind)
	return exitcode.Handoff
}

var errHostGone = errors.New("host process is gone")

// receive gets the launch payload, waiting for the wake signal when the
// worker is a slot. A slot gives up when the host dies.
func receive(ctx context.Context, args Args, opts Options) (preload.Launch, error) {
	timeout := config.PreloadPipeTimeout()
	if !args.Slot() {
		return preload.Fetch(ctx, args.Pipe, timeout)
	}

	standby, err := preload.OpenStandby(args.Pipe, args.Wake, args.Block)
	if err != nil {
		return preload.Launch{}, err
	}
	defer standby.Close()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var hostGone bool
	var mu sync.Mutex
	if opts.HostPID > 0 {
		h, err := proc.Open(opts.HostPID)
		if err != nil {
			return preload.Launch{}, errHostGone
		}
		defer h.Close()
		go func() {
			select {
			case <-h.Done():
				mu.Lock()
				hostGone = true
				mu.Unlock()
				cancel()
			case <-waitCtx.Done():
			}
		}()
	}

	l, _, err := standby.Wait(waitCtx, timeout)
	mu.Lock()
	gone := hostGone
	mu.Unlock()
	if gone {
		return preload.Launch{}, errHostGone
	}
	return l, err
}

func newRuntime(ctx context.Context, l preload.Launch, opts Options) (*RuntimeContext, func(), error) {
	rt := &RuntimeContext{Launch: l, RuntimeDir: opts.RuntimeDir}

	var once sync.Once
	exit := func(code int) {
		once.Do(func() {
			opts.Logger.Infof("worker: exit %d", code)
			_ = os.Remove(auxmon.SocketPath(opts.RuntimeDir, os.Getpid()))
			opts.Exit(code)
		})
	}

	if l.ResultPipe != "" {
		rt.results = resultpipe.NewWriter(opts.RuntimeDir, l.ResultPipe, config.ResultConnectTimeout())
	}
	rt.guard = single.New(filepath.Join(opts.RuntimeDir, "single"), exit, opts.Logger.Infof)
	rt.guard.SetStderr(opts.Stderr)

	hostClient := client.New(config.ControlSocketPath(opts.RuntimeDir, l.MessageTargetID))
	rt.launcher = launcher.New(hostClient, opts.RuntimeDir, opts.Logger.Debugf)

	mon, err := auxmon.Start(ctx, auxmon.Config{
		RuntimeDir:    opts.RuntimeDir,
		HostPID:       l.HostPID,
		PauseKey:      l.PauseKey,
		ExitKey:       l.ExitKey,
		ExitOnSuspend: l.ExitOnSuspend,
		ExitOnLock:    l.ExitOnLock,
		Registry:      hotkey.Open(hotkey.DefaultPath(opts.RuntimeDir)),
		Paused:        &rt.paused,
		Exit:          exit,
		Logf:          opts.Logger.Infof,
	})
	if err != nil {
		if l.HostPID > 0 && !proc.Alive(l.HostPID) {
			return nil, nil, errHostGone
		}
		return nil, nil, fmt.Errorf("start aux monitor: %w", err)
	}
	rt.monitor = mon
	return rt, mon.Stop, nil
}

// applyNativePaths makes native library dirs visible to child processes.
func applyNativePaths(l preload.Launch, log *logging.Logger) {
	if !l.Has(preload.FlagNativePaths) || len(l.NativePaths) == 0 {
		return
	}
	for _, name := range []string{"LD_LIBRARY_PATH", "PATH"} {
		if err := pathutil.Prepend(name, l.NativePaths); err != nil {
			log.Warnf("worker: set %s: %v", name, err)
		}
	}
}
