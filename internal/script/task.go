package script

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// taskModule is the "task" global.
type taskModule struct {
	e *Engine
}

// Register installs the module.
func (m *taskModule) Register(L *lua.LState) {
	mod := L.NewTable()
	L.SetField(mod, "args", L.NewTable())
	L.SetField(mod, "name", lua.LString(""))
	L.SetField(mod, "writeResult", L.NewFunction(m.writeResult))
	L.SetField(mod, "paused", L.NewFunction(m.paused))
	L.SetField(mod, "pause", L.NewFunction(m.pause))
	L.SetField(mod, "sleep", L.NewFunction(m.sleep))
	L.SetField(mod, "single", L.NewFunction(m.single))
	L.SetField(mod, "run", L.NewFunction(m.run))
	L.SetField(mod, "runWait", L.NewFunction(m.runWait))
	L.SetField(mod, "runWaitCollect", L.NewFunction(m.runWaitCollect))
	L.SetField(mod, "restart", L.NewFunction(m.restart))
	L.SetField(mod, "testing", L.NewFunction(m.testing))
	L.SetField(mod, "exit", L.NewFunction(m.exit))
	L.SetGlobal("task", mod)
}

func (m *taskModule) runtime(L *lua.LState) Runtime {
	if m.e.rt == nil {
		L.RaiseError("%s", ErrNotBound.Error())
	}
	return m.e.rt
}

// writeResult(text) -> bool
func (m *taskModule) writeResult(L *lua.LState) int {
	text := L.CheckString(1)
	L.Push(lua.LBool(m.runtime(L).WriteResult(text)))
	return 1
}

// paused() -> bool
func (m *taskModule) paused(L *lua.LState) int {
	L.Push(lua.LBool(m.runtime(L).Paused()))
	return 1
}

// pause() blocks while the task is paused.
func (m *taskModule) pause(L *lua.LState) int {
	m.runtime(L)
	if err := m.e.waitUnpaused(); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// sleep(ms)
func (m *taskModule) sleep(L *lua.LState) int {
	ms := L.CheckInt(1)
	if err := m.e.sleep(time.Duration(ms) * time.Millisecond); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// single(key, waitMs = 0, silent = false)
func (m *taskModule) single(L *lua.LState) int {
	key := L.CheckString(1)
	waitMs := L.OptInt(2, 0)
	silent := L.OptBool(3, false)
	wait := time.Duration(waitMs) * time.Millisecond
	if waitMs < 0 {
		wait = -1
	}
	if err := m.runtime(L).Single(key, wait, silent); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

func varArgs(L *lua.LState, from int) []string {
	var args []string
	for i := from; i <= L.GetTop(); i++ {
		args = append(args, L.ToStringMeta(L.Get(i)).String())
	}
	return args
}

// run(target, ...) -> result
func (m *taskModule) run(L *lua.LState) int {
	target := L.CheckString(1)
	r, err := m.runtime(L).Run(m.e.ctx, target, varArgs(L, 2)...)
	return pushResult(L, r, err)
}

// runWait(target, ...) -> exit code
func (m *taskModule) runWait(L *lua.LState) int {
	target := L.CheckString(1)
	r, err := m.runtime(L).RunWait(m.e.ctx, target, varArgs(L, 2)...)
	return pushResult(L, r, err)
}

// runWaitCollect(target, ...) -> exit code, results
func (m *taskModule) runWaitCollect(L *lua.LState) int {
	target := L.CheckString(1)
	r, text, err := m.runtime(L).RunWaitCollect(m.e.ctx, target, varArgs(L, 2)...)
	n := pushResult(L, r, err)
	L.Push(lua.LString(text))
	return n + 1
}

// restart(...) starts a new instance of this script and ends this one.
func (m *taskModule) restart(L *lua.LState) int {
	r, err := m.runtime(L).Restart(m.e.ctx, varArgs(L, 1)...)
	return pushResult(L, r, err)
}

// testing() -> bool
func (m *taskModule) testing(L *lua.LState) int {
	L.Push(lua.LBool(m.runtime(L).Testing()))
	return 1
}

// exit(code = 0)
func (m *taskModule) exit(L *lua.LState) int {
	m.e.exit = &exitRequest{code: L.OptInt(1, 0)}
	L.RaiseError("%s", m.e.exit.Error())
	return 0
}

// pushResult pushes the code, or the code and an error message.
func pushResult(L *lua.LState, r int, err error) int {
	L.Push(lua.LNumber(r))
	if err != nil {
		L.Push(lua.LString(err.Error()))
		return 2
	}
	return 1
}
