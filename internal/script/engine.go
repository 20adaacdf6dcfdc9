// Package script runs Lua task scripts with gopher-lua.
//
// An Engine can be created before the task is known (a preloaded worker) and
// bound to a Runtime once the launch payload arrives.
package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

var (
	ErrClosed   = errors.New("script engine is closed")
	ErrNotBound = errors.New("script engine has no runtime")
)

// Runtime is what scripts reach through the task module.
type Runtime interface {
	Name() string
	Args() []string
	Testing() bool
	WriteResult(text string) bool
	Paused() bool
	Single(key string, wait time.Duration, silent bool) error
	Run(ctx context.Context, target string, args ...string) (int, error)
	RunWait(ctx context.Context, target string, args ...string) (int, error)
	RunWaitCollect(ctx context.Context, target string, args ...string) (int, string, error)
	Restart(ctx context.Context, args ...string) (int, error)
}

// exitRequest unwinds the script when task.exit is called.
type exitRequest struct{ code int }

func (e *exitRequest) Error() string { return fmt.Sprintf("task.exit(%d)", e.code) }

// Engine wraps a Lua state with the task and json modules.
//
// gopher-lua's LState is not goroutine-safe; the mutex serializes Go-side
// access and RunFile holds it for the whole script.
type Engine struct {
	L *lua.LState

	mu      sync.Mutex
	rt      Runtime
	ctx     context.Context
	stdout  io.Writer
	pollGap time.Duration
	exit    *exitRequest
	closed  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithStdout redirects print().
func WithStdout(w io.Writer) Option {
	return func(e *Engine) { e.stdout = w }
}

// WithPausePoll sets how often a paused script re-checks its pause state.
func WithPausePoll(d time.Duration) Option {
	return func(e *Engine) { e.pollGap = d }
}

// New creates an engine with the standard libraries and the task and json
// modules loaded. Scripts are trusted workspace code, so os and io stay open.
func New(opts ...Option) *Engine {
	e := &Engine{
		L:       lua.NewState(),
		ctx:     context.Background(),
		stdout:  os.Stdout,
		pollGap: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.L.SetGlobal("print", e.L.NewFunction(e.print))
	(&taskModule{e: e}).Register(e.L)
	(&jsonModule{}).Register(e.L)
	return e
}

// Bind attaches the runtime. Until then the task module raises errors.
func (e *Engine) Bind(rt Runtime) {
	e.mu.Lock()
	e.rt = rt
	e.mu.Unlock()
	if rt == nil {
		return
	}
	mod := e.L.GetGlobal("task")
	if tbl, ok := mod.(*lua.LTable); ok {
		args := e.L.NewTable()
		for _, a := range rt.Args() {
			args.Append(lua.LString(a))
		}
		tbl.RawSetString("args", args)
		tbl.RawSetString("name", lua.LString(rt.Name()))
	}
}

// AddPackagePaths prepends dirs to package.path so require finds modules there.
func (e *Engine) AddPackagePaths(dirs ...string) {
	if len(dirs) == 0 {
		return
	}
	pkg, ok := e.L.GetGlobal("package").(*lua.LTable)
	if !ok {
		return
	}
	parts := make([]string, 0, len(dirs)*2+1)
	for _, d := range dirs {
		parts = append(parts, filepath.Join(d, "?.lua"), filepath.Join(d, "?", "init.lua"))
	}
	if cur := lua.LVAsString(pkg.RawGetString("path")); cur != "" {
		parts = append(parts, cur)
	}
	pkg.RawSetString("path", lua.LString(strings.Join(parts, ";")))
}

// RunFile executes path. The exit code is the number returned by the main
// chunk, the argument of task.exit, or 0.
func (e *Engine) RunFile(ctx context.Context, path string) (int, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return 1, err
	}
	return e.RunString(ctx, string(src), "@"+path)
}

// RunString executes src as a chunk named name.
func (e *Engine) RunString(ctx context.Context, src, name string) (code int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 1, ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx = ctx
	e.exit = nil
	e.L.SetContext(ctx)
	defer e.L.RemoveContext()

	fn, err := e.L.Load(strings.NewReader(src), name)
	if err != nil {
		return 1, fmt.Errorf("load %s: %w", strings.TrimPrefix(name, "@"), err)
	}

	defer func() {
		if r := recover(); r != nil {
			code, err = 1, fmt.Errorf("lua panic: %v", r)
		}
	}()

	e.L.Push(fn)
	callErr := e.L.PCall(0, 1, nil)
	if e.exit != nil {
		e.L.SetTop(0)
		return e.exit.code, nil
	}
	if callErr != nil {
		if ctx.Err() != nil {
			return 1, ctx.Err()
		}
		return 1, callErr
	}
	ret := e.L.Get(-1)
	e.L.Pop(1)
	if n, ok := ret.(lua.LNumber); ok {
		return int(n), nil
	}
	return 0, nil
}

// Close releases the Lua state.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		e.L.Close()
	}
}

func (e *Engine) print(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		parts[i-1] = L.ToStringMeta(L.Get(i)).String()
	}
	fmt.Fprintln(e.stdout, strings.Join(parts, "\t"))
	return 0
}

// waitUnpaused blocks while the runtime reports paused.
func (e *Engine) waitUnpaused() error {
	for e.rt != nil && e.rt.Paused() {
		select {
		case <-e.ctx.Done():
			return e.ctx.Err()
		case <-time.After(e.pollGap):
		}
	}
	return nil
}

// sleep waits d, then any pause.
func (e *Engine) sleep(d time.Duration) error {
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-e.ctx.Done():
			return e.ctx.Err()
		case <-t.C:
		}
	}
	return e.waitUnpaused()
}
