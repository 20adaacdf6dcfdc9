package script

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRuntime struct {
	args    []string
	results []string
	paused  atomic.Bool
	singles []string
	runs    []string
	testing bool
}

func (f *fakeRuntime) Name() string   { return "demo" }
func (f *fakeRuntime) Args() []string { return f.args }
func (f *fakeRuntime) Testing() bool  { return f.testing }
func (f *fakeRuntime) WriteResult(text string) bool {
	f.results = append(f.results, text)
	return true
}
func (f *fakeRuntime) Paused() bool { return f.paused.Load() }
func (f *fakeRuntime) Single(key string, wait time.Duration, silent bool) error {
	if key == "busy" {
		return errors.New("refused")
	}
	f.singles = append(f.singles, key)
	return nil
}
func (f *fakeRuntime) Run(ctx context.Context, target string, args ...string) (int, error) {
	f.runs = append(f.runs, target+" "+strings.Join(args, ","))
	return 4242, nil
}
func (f *fakeRuntime) RunWait(ctx context.Context, target string, args ...string) (int, error) {
	return 7, nil
}
func (f *fakeRuntime) RunWaitCollect(ctx context.Context, target string, args ...string) (int, string, error) {
	return 0, "collected:" + target, nil
}
func (f *fakeRuntime) Restart(ctx context.Context, args ...string) (int, error) {
	return -1, errors.New("no host")
}

func newEngine(t *testing.T, rt Runtime) (*Engine, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	e := New(WithStdout(&out), WithPausePoll(5*time.Millisecond))
	t.Cleanup(e.Close)
	if rt != nil {
		e.Bind(rt)
	}
	return e, &out
}

func TestRunStringArgsAndResults(t *testing.T) {
	rt := &fakeRuntime{args: []string{"a", "b c"}}
	e, out := newEngine(t, rt)

	code, err := e.RunString(context.Background(), `
print(task.name, #task.args)
for _, a in ipairs(task.args) do task.writeResult(a) end
return 3
`, "test")
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}
	if code != 3 {
		t.Errorf("code = %d, want 3", code)
	}
	if got := strings.TrimSpace(out.String()); got != "demo\t2" {
		t.Errorf("print output = %q", got)
	}
	if len(rt.results) != 2 || rt.results[1] != "b c" {
		t.Errorf("results = %q", rt.results)
	}
}

func TestTaskExitUnwinds(t *testing.T) {
	rt := &fakeRuntime{}
	e, _ := newEngine(t, rt)

	code, err := e.RunString(context.Background(), `
task.writeResult("before")
task.exit(5)
task.writeResult("after")
`, "exit")
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}
	if code != 5 {
		t.Errorf("code = %d, want 5", code)
	}
	if len(rt.results) != 1 {
		t.Errorf("results = %q, want only 'before'", rt.results)
	}
}

func TestScriptErrorReturnsOne(t *testing.T) {
	e, _ := newEngine(t, &fakeRuntime{})
	code, err := e.RunString(context.Background(), `error("boom")`, "err")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want boom", err)
	}
	if code != 1 {
		t.Errorf("code = %d, want 1", code)
	}
}

func TestUnboundRuntimeRaises(t *testing.T) {
	e, _ := newEngine(t, nil)
	_, err := e.RunString(context.Background(), `task.writeResult("x")`, "unbound")
	if err == nil || !strings.Contains(err.Error(), ErrNotBound.Error()) {
		t.Fatalf("err = %v, want not bound", err)
	}
}

func TestLaunchFunctions(t *testing.T) {
	rt := &fakeRuntime{}
	e, _ := newEngine(t, rt)

	_, err := e.RunString(context.Background(), `
local pid = task.run("other", "x", 2)
task.writeResult(tostring(pid))
local code = task.runWait("other")
task.writeResult(tostring(code))
local c, text = task.runWaitCollect("other")
task.writeResult(text)
local r, msg = task.restart()
task.writeResult(tostring(r) .. " " .. msg)
`, "launch")
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}
	want := []string{"4242", "7", "collected:other", "-1 no host"}
	if strings.Join(rt.results, "|") != strings.Join(want, "|") {
		t.Errorf("results = %q, want %q", rt.results, want)
	}
	if len(rt.runs) != 1 || rt.runs[0] != "other x,2" {
		t.Errorf("runs = %q", rt.runs)
	}
}

func TestSingleRefusalRaises(t *testing.T) {
	rt := &fakeRuntime{}
	e, _ := newEngine(t, rt)
	if _, err := e.RunString(context.Background(), `task.single("ok")`, "single"); err != nil {
		t.Fatalf("single ok: %v", err)
	}
	if _, err := e.RunString(context.Background(), `task.single("busy", 10, true)`, "single"); err == nil {
		t.Fatal("expected refusal error")
	}
	if len(rt.singles) != 1 {
		t.Errorf("singles = %q", rt.singles)
	}
}

func TestSleepWaitsWhilePaused(t *testing.T) {
	rt := &fakeRuntime{}
	rt.paused.Store(true)
	e, _ := newEngine(t, rt)

	go func() {
		time.Sleep(60 * time.Millisecond)
		rt.paused.Store(false)
	}()
	start := time.Now()
	if _, err := e.RunString(context.Background(), `task.sleep(1)`, "sleep"); err != nil {
		t.Fatalf("RunString: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("sleep returned after %v while paused", elapsed)
	}
}

func TestContextCancelStopsScript(t *testing.T) {
	e, _ := newEngine(t, &fakeRuntime{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.RunString(ctx, `while true do end`, "loop")
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestJSONModule(t *testing.T) {
	rt := &fakeRuntime{}
	e, _ := newEngine(t, rt)
	_, err := e.RunString(context.Background(), `
local doc = '{"name":"backup","files":[1,2,3],"opts":{"dry":true}}'
task.writeResult(json.get(doc, "name"))
task.writeResult(tostring(json.get(doc, "files.#")))
task.writeResult(tostring(json.get(doc, "opts.dry")))
task.writeResult(tostring(json.get(doc, "missing")))
local out = json.set('{}', "status", "done")
out = json.set(out, "count", 2)
task.writeResult(out)
task.writeResult(tostring(json.valid("{")))
`, "json")
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}
	want := []string{"backup", "3", "true", "nil", `{"status":"done","count":2}`, "false"}
	if strings.Join(rt.results, "|") != strings.Join(want, "|") {
		t.Errorf("results = %q, want %q", rt.results, want)
	}
}

func TestRunFileWithPackagePath(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "lib")
	if err := os.MkdirAll(lib, 0755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(lib, "helper.lua"), []byte(`return { twice = function(x) return x * 2 end }`), 0644)
	main := filepath.Join(dir, "main.lua")
	os.WriteFile(main, []byte(`local h = require("helper"); return h.twice(21)`), 0644)

	e, _ := newEngine(t, &fakeRuntime{})
	e.AddPackagePaths(lib)
	code, err := e.RunFile(context.Background(), main)
	if err != nil {
		t.Fatalf("RunFile: %v", err)
	}
	if code != 42 {
		t.Errorf("code = %d, want 42", code)
	}
}

func TestParseMeta(t *testing.T) {
	src := []byte(`#!/usr/bin/env taskhost
--/ ifRunning wait; console true
-- regular comment
--/ lib ./shared; lib /opt/lua; nativeLib ./bin
--/ pauseKey ScrollLock; exitKey f12; sleepExit true; preload false
print("hi")
--/ role hostExtension
`)
	m, err := ParseMeta(src)
	if err != nil {
		t.Fatalf("ParseMeta: %v", err)
	}
	if m.IfRunning != IfRunningWait || !m.Console || m.Preload || !m.SleepExit {
		t.Errorf("meta = %+v", m)
	}
	if len(m.RefPaths) != 2 || m.RefPaths[1] != "/opt/lua" || len(m.NativePaths) != 1 {
		t.Errorf("paths = %q %q", m.RefPaths, m.NativePaths)
	}
	if m.PauseKey != "ScrollLock" || m.ExitKey != "f12" {
		t.Errorf("keys = %q %q", m.PauseKey, m.ExitKey)
	}
	if m.Role != RoleTask {
		t.Errorf("role after code should be ignored, got %q", m.Role)
	}
}

func TestParseMetaErrors(t *testing.T) {
	for _, src := range []string{
		"--/ ifRunning sometimes",
		"--/ console maybe",
		"--/ colour blue",
		"--/ role daemon",
	} {
		if _, err := ParseMeta([]byte(src)); err == nil {
			t.Errorf("ParseMeta(%q) should fail", src)
		}
	}
}

func TestPolicy(t *testing.T) {
	tests := []struct {
		ifRunning   string
		interactive bool
		want        string
	}{
		{"", false, IfRunningWarn},
		{IfRunningWarnRestart, true, IfRunningRestart},
		{IfRunningWaitRestart, false, IfRunningWait},
		{IfRunningEndRestart, false, IfRunningEnd},
		{IfRunningEndRestart, true, IfRunningRestart},
		{IfRunningRunRestart, false, IfRunningRun},
		{IfRunningCancel, true, IfRunningCancel},
		{IfRunningRestart, false, IfRunningRestart},
	}
	for _, tt := range tests {
		m := Meta{IfRunning: tt.ifRunning}
		if got := m.Policy(tt.interactive); got != tt.want {
			t.Errorf("Policy(%q, %v) = %q, want %q", tt.ifRunning, tt.interactive, got, tt.want)
		}
	}
}
