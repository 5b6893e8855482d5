package luahost

import (
	stderrors "errors"
	"reflect"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/dshills/luahost/errors"
)

// Args holds the positional arguments of a call, pushed left to right.
type Args []any

// Call invokes the global function name with args, reading one typed
// return per out pointer. Pass no outs for a void call:
//
//	var sum int
//	err := in.Call("add", luahost.Args{2, 3}, &sum)
//
// The call proceeds in stages: resolve the global (NotFound when nil,
// NotAFunction when not callable), push arguments, run a protected call,
// then read len(outs) returns in the order the engine pushed them.
// Stack depth is restored on every exit path, and engine failures are
// classified and recorded in the diagnostics record. No failure here is
// fatal to the interpreter.
func (in *Interpreter) Call(name string, args Args, outs ...any) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return ErrClosed
	}

	fv := in.L.GetGlobal(name)
	if fv == lua.LNil {
		return errors.New(errors.KindNotFound, "global %q is nil", name)
	}
	if fv.Type() != lua.LTFunction {
		return errors.New(errors.KindNotAFunction,
			"global %q is a %s, not a function", name, fv.Type())
	}

	in.logger.Debug("call",
		zap.String("fn", name),
		zap.Int("args", len(args)),
		zap.Int("returns", len(outs)))
	return in.invoke(fv, args, outs)
}

// CallValue invokes an already-resolved callable, typically a function
// value read from a table or returned by a previous call.
func (in *Interpreter) CallValue(fn lua.LValue, args Args, outs ...any) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return ErrClosed
	}
	if fn == nil || fn == lua.LNil {
		return errors.New(errors.KindNotFound, "callee is nil")
	}
	if fn.Type() != lua.LTFunction {
		return errors.New(errors.KindNotAFunction,
			"callee is a %s, not a function", fn.Type())
	}
	return in.invoke(fn, args, outs)
}

// Run executes the most recently loaded chunk with no arguments and no
// returns.
func (in *Interpreter) Run() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return ErrClosed
	}
	if in.chunk == nil {
		return errors.New(errors.KindNotFound, "no chunk loaded")
	}
	in.logger.Debug("run chunk")
	return in.invoke(in.chunk, nil, nil)
}

// invoke drives one call cycle. Callers hold the interpreter lock and
// have verified fn is callable.
func (in *Interpreter) invoke(fn lua.LValue, args Args, outs []any) error {
	// Compile out targets before touching the stack so an ill-typed out
	// pointer costs nothing.
	descs := make([]*typeDesc, len(outs))
	targets := make([]reflect.Value, len(outs))
	for i, out := range outs {
		d, rv, err := outTarget(out)
		if err != nil {
			return err
		}
		descs[i] = d
		targets[i] = rv
	}

	base := in.L.GetTop()
	defer in.L.SetTop(base) // stack balance on every exit path

	in.L.Push(fn)
	for i, a := range args {
		lv, err := in.toLua(a)
		if err != nil {
			return errors.Wrap(errors.KindInvalidType, err, "argument %d", i+1)
		}
		in.L.Push(lv)
	}

	if err := in.L.PCall(len(args), len(outs), nil); err != nil {
		e := errors.Classify(err)
		in.diag.Set(e)
		return e
	}

	// The engine adjusted the results to exactly len(outs) slots at
	// base+1..base+len(outs). Read them before the deferred SetTop
	// invalidates the slots; byte buffers duplicate on read.
	for i := range outs {
		got, err := in.getSlot(descs[i], base+i+1)
		if err != nil {
			return wrapReturn(err, i+1)
		}
		targets[i].Set(got)
	}
	return nil
}

// wrapReturn annotates a read failure with the return position while
// preserving its kind.
func wrapReturn(err error, pos int) error {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return errors.Wrap(e.Kind, err, "return %d", pos)
	}
	return errors.Wrap(errors.KindInvalidType, err, "return %d", pos)
}
