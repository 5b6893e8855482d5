// Package luajson converts between JSON documents and engine values, and
// exposes the conversion to scripts as a json module.
package luajson

import (
	"errors"
	"math"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	lua "github.com/yuin/gopher-lua"
)

// ErrInvalidJSON is returned by Decode for malformed input.
var ErrInvalidJSON = errors.New("luajson: invalid JSON")

// Decode parses a JSON document into engine values created on L. Objects
// become string-keyed tables, arrays become tables with 1-based integer
// keys, numbers become engine numbers.
func Decode(L *lua.LState, data []byte) (lua.LValue, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}
	return fromResult(L, gjson.ParseBytes(data)), nil
}

func fromResult(L *lua.LState, r gjson.Result) lua.LValue {
	switch r.Type {
	case gjson.Null:
		return lua.LNil
	case gjson.False:
		return lua.LFalse
	case gjson.True:
		return lua.LTrue
	case gjson.Number:
		return lua.LNumber(r.Float())
	case gjson.String:
		return lua.LString(r.String())
	default:
		if r.IsArray() {
			t := L.NewTable()
			i := 1
			r.ForEach(func(_, v gjson.Result) bool {
				t.RawSetInt(i, fromResult(L, v))
				i++
				return true
			})
			return t
		}
		if r.IsObject() {
			t := L.NewTable()
			r.ForEach(func(k, v gjson.Result) bool {
				t.RawSetString(k.String(), fromResult(L, v))
				return true
			})
			return t
		}
		return lua.LNil
	}
}

// Encode serializes an engine value to JSON. Tables with contiguous
// 1-based integer keys encode as arrays, other tables as objects.
// Functions, userdata, and threads cannot encode.
func Encode(lv lua.LValue) ([]byte, error) {
	v, err := toGo(lv, make(map[*lua.LTable]bool))
	if err != nil {
		return nil, err
	}
	// sjson owns quoting and nesting; set the value under a scratch key
	// and return its raw form.
	doc, err := sjson.SetBytes([]byte(`{"v":null}`), "v", v)
	if err != nil {
		return nil, err
	}
	raw := gjson.GetBytes(doc, "v").Raw
	return []byte(raw), nil
}

func toGo(lv lua.LValue, visited map[*lua.LTable]bool) (any, error) {
	switch v := lv.(type) {
	case *lua.LNilType, nil:
		return nil, nil
	case lua.LBool:
		return bool(v), nil
	case lua.LNumber:
		// Integral only when the int64 round-trips; values beyond the
		// int64 range stay floats.
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f), nil
		}
		return f, nil
	case lua.LString:
		return string(v), nil
	case *lua.LTable:
		if visited[v] {
			return nil, errors.New("luajson: cannot encode cyclic table")
		}
		visited[v] = true
		defer delete(visited, v)
		return tableToGo(v, visited)
	default:
		return nil, errors.New("luajson: cannot encode " + lv.Type().String())
	}
}

func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) (any, error) {
	n := t.Len()
	count := 0
	sequence := true
	t.ForEach(func(k, _ lua.LValue) {
		count++
		kn, ok := k.(lua.LNumber)
		if !ok || float64(kn) != math.Trunc(float64(kn)) || int(kn) < 1 || int(kn) > n {
			sequence = false
		}
	})

	if sequence && count == n && n > 0 {
		arr := make([]any, n)
		for i := 1; i <= n; i++ {
			v, err := toGo(t.RawGetInt(i), visited)
			if err != nil {
				return nil, err
			}
			arr[i-1] = v
		}
		return arr, nil
	}

	m := make(map[string]any, count)
	var convErr error
	t.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		gv, err := toGo(v, visited)
		if err != nil {
			convErr = err
			return
		}
		m[k.String()] = gv
	})
	if convErr != nil {
		return nil, convErr
	}
	return m, nil
}

// Install registers a json module on L with encode and decode functions:
//
//	local s = json.encode({a = 1})
//	local t = json.decode('[1, 2, 3]')
//
// Failures raise script-level errors.
func Install(L *lua.LState) {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"encode": func(L *lua.LState) int {
			data, err := Encode(L.CheckAny(1))
			if err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			L.Push(lua.LString(data))
			return 1
		},
		"decode": func(L *lua.LState) int {
			lv, err := Decode(L, []byte(L.CheckString(1)))
			if err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			L.Push(lv)
			return 1
		},
	})
	L.SetGlobal("json", mod)
}
