package worker

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/victorarias/taskhost/internal/console"
	"github.com/victorarias/taskhost/internal/preload"
	"github.com/victorarias/taskhost/internal/script"
)

func runLua(ctx context.Context, engine *script.Engine, rt *RuntimeContext, opts Options) int {
	l := rt.Launch
	engine.Bind(rt)
	paths := []string{filepath.Dir(l.Target)}
	if l.Has(preload.FlagRefPaths) {
		paths = append(l.RefPaths, paths...)
	}
	engine.AddPackagePaths(paths...)

	code, err := engine.RunFile(ctx, l.Target)
	if err != nil {
		opts.Logger.Errorf("worker: %s: %v", l.Name, err)
		fmt.Fprintf(opts.Stderr, "%s: %v\n", l.Name, err)
	}
	return code
}

func runExec(ctx context.Context, rt *RuntimeContext, opts Options) int {
	l := rt.Launch
	dir := l.Dir
	if dir == "" {
		dir = filepath.Dir(l.Target)
	}
	copts := console.Options{
		Dir:    dir,
		PTY:    l.Has(preload.FlagConsole),
		Stderr: opts.Stderr,
	}
	switch {
	case copts.PTY:
	case rt.HasResultPipe():
		copts.OnOutput = func(chunk string) { rt.WriteResult(chunk) }
	default:
		copts.OnOutput = func(chunk string) { opts.Stdout.Write([]byte(chunk)) }
	}

	res, err := console.Run(ctx, l.Target, l.Args, copts)
	if err != nil {
		opts.Logger.Errorf("worker: %s: %v", l.Name, err)
	}
	if copts.PTY {
		if l.Has(preload.FlagRedirectConsole) {
			rt.WriteResult(res.Screen)
		} else {
			opts.Stdout.Write(res.Frame)
		}
	}
	return res.ExitCode
}
