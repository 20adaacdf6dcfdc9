package script

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	lua "github.com/yuin/gopher-lua"
)

// jsonModule is the "json" global: path queries over JSON text, so task
// results can be structured without a Lua JSON library.
type jsonModule struct{}

// Register installs the module.
func (m *jsonModule) Register(L *lua.LState) {
	mod := L.NewTable()
	L.SetField(mod, "get", L.NewFunction(m.get))
	L.SetField(mod, "set", L.NewFunction(m.set))
	L.SetField(mod, "valid", L.NewFunction(m.valid))
	L.SetGlobal("json", mod)
}

// get(text, path) -> value or nil
func (m *jsonModule) get(L *lua.LState) int {
	res := gjson.Get(L.CheckString(1), L.CheckString(2))
	L.Push(toLua(L, res))
	return 1
}

// set(text, path, value) -> text
func (m *jsonModule) set(L *lua.LState) int {
	text := L.CheckString(1)
	path := L.CheckString(2)
	var value interface{}
	switch v := L.Get(3).(type) {
	case lua.LNumber:
		value = float64(v)
	case lua.LBool:
		value = bool(v)
	case *lua.LNilType:
		value = nil
	default:
		value = L.ToStringMeta(v).String()
	}
	out, err := sjson.Set(text, path, value)
	if err != nil {
		L.RaiseError("json.set: %s", err.Error())
	}
	L.Push(lua.LString(out))
	return 1
}

// valid(text) -> bool
func (m *jsonModule) valid(L *lua.LState) int {
	L.Push(lua.LBool(gjson.Valid(L.CheckString(1))))
	return 1
}

func toLua(L *lua.LState, res gjson.Result) lua.LValue {
	switch res.Type {
	case gjson.Null:
		return lua.LNil
	case gjson.False:
		return lua.LFalse
	case gjson.True:
		return lua.LTrue
	case gjson.Number:
		return lua.LNumber(res.Num)
	case gjson.String:
		return lua.LString(res.Str)
	}
	if res.IsArray() {
		tbl := L.NewTable()
		for _, item := range res.Array() {
			tbl.Append(toLua(L, item))
		}
		return tbl
	}
	if res.IsObject() {
		tbl := L.NewTable()
		res.ForEach(func(key, value gjson.Result) bool {
			tbl.RawSetString(key.String(), toLua(L, value))
			return true
		})
		return tbl
	}
	return lua.LNil
}
