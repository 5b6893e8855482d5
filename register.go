package luahost

import (
	"reflect"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/dshills/luahost/errors"
)

// funcDesc is the call descriptor of a wrapped host function: the
// ordered parameter types and the return shape, compiled once at
// registration and reused for every invocation.
type funcDesc struct {
	params  []*typeDesc
	results []*typeDesc
	hasErr  bool // trailing error return raises as an engine error
}

func compileFunc(rt reflect.Type, seen map[reflect.Type]*typeDesc) (*funcDesc, error) {
	if rt.IsVariadic() {
		return nil, errors.New(errors.KindInvalidType,
			"variadic function %s cannot cross the boundary", rt)
	}

	d := &funcDesc{}
	for i := 0; i < rt.NumIn(); i++ {
		if rt.In(i) == errorType {
			return nil, errors.New(errors.KindInvalidType,
				"function %s takes an error parameter", rt)
		}
		pd, err := compile(rt.In(i), seen)
		if err != nil {
			return nil, err
		}
		d.params = append(d.params, pd)
	}

	nout := rt.NumOut()
	for i := 0; i < nout; i++ {
		if rt.Out(i) == errorType {
			if i != nout-1 {
				return nil, errors.New(errors.KindInvalidType,
					"function %s returns error before the final position", rt)
			}
			d.hasErr = true
			break
		}
		rd, err := compile(rt.Out(i), seen)
		if err != nil {
			return nil, err
		}
		d.results = append(d.results, rd)
	}
	return d, nil
}

// RegisterFunction installs fn as a global function callable from
// scripts. fn must be a non-variadic Go function whose parameter and
// result types are marshallable; a trailing error result is raised to
// the calling script as an engine error.
//
// The engine invokes the trampoline on its own schedule during script
// execution. At that point the stack depth must equal the declared
// parameter count exactly and every argument must convert; otherwise an
// engine-level error is raised and fn is never entered.
func (in *Interpreter) RegisterFunction(name string, fn any) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return ErrClosed
	}

	lf, err := in.wrapFunction(name, fn)
	if err != nil {
		return err
	}
	in.L.SetGlobal(name, lf)
	in.logger.Debug("registered function", zap.String("fn", name))
	return nil
}

// RegisterModule installs a global table whose members are marshalled
// host values. Function members become callable trampolines; anything
// else becomes a constant.
func (in *Interpreter) RegisterModule(name string, members map[string]any) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return ErrClosed
	}

	mod := in.L.NewTable()
	for member, v := range members {
		rv := reflect.ValueOf(v)
		if rv.IsValid() && rv.Kind() == reflect.Func {
			lf, err := in.wrapFunction(name+"."+member, v)
			if err != nil {
				return err
			}
			mod.RawSetString(member, lf)
			continue
		}
		lv, err := in.toLua(v)
		if err != nil {
			return errors.Wrap(errors.KindInvalidType, err,
				"module member %s.%s", name, member)
		}
		mod.RawSetString(member, lv)
	}
	in.L.SetGlobal(name, mod)
	in.logger.Debug("registered module",
		zap.String("module", name), zap.Int("members", len(members)))
	return nil
}

func (in *Interpreter) wrapFunction(name string, fn any) (*lua.LFunction, error) {
	rv := reflect.ValueOf(fn)
	if !rv.IsValid() || rv.Kind() != reflect.Func {
		return nil, errors.New(errors.KindInvalidType,
			"%q must be a function, got %T", name, fn)
	}
	d, err := compileType(rv.Type())
	if err != nil {
		return nil, err
	}
	return in.L.NewFunction(in.trampoline(name, rv, d.fn)), nil
}

// trampoline adapts a host function to the engine's calling convention.
// Validation happens strictly before invocation: the host function never
// runs with a wrong argument count or partially converted arguments.
func (in *Interpreter) trampoline(name string, fn reflect.Value, d *funcDesc) lua.LGFunction {
	return func(L *lua.LState) int {
		if L.GetTop() != len(d.params) {
			L.RaiseError("invalid argument count: %s takes %d arguments, got %d",
				name, len(d.params), L.GetTop())
			return 0 // unreachable, RaiseError does not return
		}

		// Arguments live on the calling state's stack, which is the
		// coroutine's own thread when the call comes from one.
		argv := make([]reflect.Value, len(d.params))
		for i, pd := range d.params {
			got, err := in.fromLua(pd, L.Get(i+1))
			if err != nil {
				L.RaiseError("invalid argument type: %s argument %d: %s",
					name, i+1, err.Error())
				return 0
			}
			argv[i] = got
		}

		rets := fn.Call(argv)

		if d.hasErr {
			last := rets[len(rets)-1]
			if !last.IsNil() {
				L.RaiseError("%s", last.Interface().(error).Error())
				return 0
			}
			rets = rets[:len(rets)-1]
		}

		for i, rd := range d.results {
			lv, err := in.toLuaTyped(rd, rets[i])
			if err != nil {
				L.RaiseError("invalid return value: %s result %d: %s",
					name, i+1, err.Error())
				return 0
			}
			L.Push(lv)
		}
		return len(d.results)
	}
}
