package luahost

import (
	"math"
	"reflect"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/luahost/errors"
)

// The marshaller converts Go values to and from engine stack slots. Type
// dispatch is compiled once per Go type into a typeDesc and cached, so
// the per-call path is a walk over a closed descriptor tree rather than
// repeated reflection queries.
//
// Mapping:
//
//	bool                <-> boolean
//	int/uint/float      <-> number (the engine has one numeric type, float64)
//	string              <-> string (byte-exact, embedded NULs preserved)
//	[]byte              <-> string (duplicated through the allocator on read)
//	struct              <-> table keyed by field name ("lua" tag, then "json")
//	slice/array         <-> table with 1-based integer keys
//	map                 <-> table
//	pointer             <-> nil when nil, else the element (optional shape)
//	func                 -> function (trampoline; the reverse read is refused)
//	lua.LValue          <-> identity, no copy
//	any (interface{})   <-> dynamic conversion by slot kind

type descKind uint8

const (
	descBool descKind = iota
	descInt
	descUint
	descFloat
	descString
	descBytes
	descStruct
	descSlice
	descArray
	descMap
	descPtr
	descFunc
	descValue // lua.LValue and its concrete implementations
	descAny   // empty interface
)

type typeDesc struct {
	kind descKind
	rt   reflect.Type

	elem     *typeDesc // slice, array, ptr
	key, val *typeDesc // map
	fields   []fieldDesc
	fn       *funcDesc

	// numeric limits; for descInt values must satisfy -limit <= v < limit,
	// for descUint 0 <= v < limit, for 32-bit floats |v| <= limit.
	limit float64
}

type fieldDesc struct {
	name  string
	index int
	desc  *typeDesc
}

var (
	lvalueType = reflect.TypeOf((*lua.LValue)(nil)).Elem()
	errorType  = reflect.TypeOf((*error)(nil)).Elem()

	descCache sync.Map // reflect.Type -> *typeDesc
)

// compileType builds (or retrieves) the descriptor for a Go type.
func compileType(rt reflect.Type) (*typeDesc, error) {
	if cached, ok := descCache.Load(rt); ok {
		return cached.(*typeDesc), nil
	}
	d, err := compile(rt, make(map[reflect.Type]*typeDesc))
	if err != nil {
		return nil, err
	}
	descCache.Store(rt, d)
	return d, nil
}

func compile(rt reflect.Type, seen map[reflect.Type]*typeDesc) (*typeDesc, error) {
	if cached, ok := descCache.Load(rt); ok {
		return cached.(*typeDesc), nil
	}
	if d, ok := seen[rt]; ok {
		return d, nil
	}

	d := &typeDesc{rt: rt}
	seen[rt] = d

	if rt == lvalueType || rt.Implements(lvalueType) {
		d.kind = descValue
		return d, nil
	}

	switch rt.Kind() {
	case reflect.Bool:
		d.kind = descBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		d.kind = descInt
		d.limit = math.Ldexp(1, rt.Bits()-1)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		d.kind = descUint
		d.limit = math.Ldexp(1, rt.Bits())
	case reflect.Float32:
		d.kind = descFloat
		d.limit = math.MaxFloat32
	case reflect.Float64:
		d.kind = descFloat
		d.limit = math.MaxFloat64
	case reflect.String:
		d.kind = descString
	case reflect.Slice:
		if rt.Elem().Kind() == reflect.Uint8 {
			d.kind = descBytes
			break
		}
		d.kind = descSlice
		elem, err := compile(rt.Elem(), seen)
		if err != nil {
			return nil, err
		}
		d.elem = elem
	case reflect.Array:
		d.kind = descArray
		elem, err := compile(rt.Elem(), seen)
		if err != nil {
			return nil, err
		}
		d.elem = elem
	case reflect.Map:
		d.kind = descMap
		key, err := compile(rt.Key(), seen)
		if err != nil {
			return nil, err
		}
		val, err := compile(rt.Elem(), seen)
		if err != nil {
			return nil, err
		}
		d.key, d.val = key, val
	case reflect.Ptr:
		d.kind = descPtr
		elem, err := compile(rt.Elem(), seen)
		if err != nil {
			return nil, err
		}
		d.elem = elem
	case reflect.Struct:
		d.kind = descStruct
		fields, err := compileFields(rt, seen)
		if err != nil {
			return nil, err
		}
		d.fields = fields
	case reflect.Func:
		d.kind = descFunc
		fn, err := compileFunc(rt, seen)
		if err != nil {
			return nil, err
		}
		d.fn = fn
	case reflect.Interface:
		if rt.NumMethod() != 0 {
			return nil, errors.New(errors.KindInvalidType,
				"non-empty interface %s cannot cross the boundary", rt)
		}
		d.kind = descAny
	default:
		return nil, errors.New(errors.KindInvalidType,
			"unsupported host type %s", rt)
	}
	return d, nil
}

func compileFields(rt reflect.Type, seen map[reflect.Type]*typeDesc) ([]fieldDesc, error) {
	var fields []fieldDesc
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.PkgPath != "" {
			continue // unexported
		}
		name := fieldName(f)
		if name == "" {
			continue
		}
		fd, err := compile(f.Type, seen)
		if err != nil {
			return nil, err
		}
		fields = append(fields, fieldDesc{name: name, index: i, desc: fd})
	}
	return fields, nil
}

// fieldName resolves the table key for a struct field: "lua" tag, then
// "json" tag, then the field name. A "-" tag skips the field.
func fieldName(f reflect.StructField) string {
	for _, key := range []string{"lua", "json"} {
		tag, ok := f.Tag.Lookup(key)
		if !ok {
			continue
		}
		for j := 0; j < len(tag); j++ {
			if tag[j] == ',' {
				tag = tag[:j]
				break
			}
		}
		if tag == "-" {
			return ""
		}
		if tag != "" {
			return tag
		}
	}
	return f.Name
}

// toLua marshals an arbitrary Go value into an engine value.
func (in *Interpreter) toLua(v any) (lua.LValue, error) {
	if v == nil {
		return lua.LNil, nil
	}
	if lv, ok := v.(lua.LValue); ok {
		return lv, nil
	}
	d, err := compileType(reflect.TypeOf(v))
	if err != nil {
		return nil, err
	}
	return in.toLuaTyped(d, reflect.ValueOf(v))
}

func (in *Interpreter) toLuaTyped(d *typeDesc, rv reflect.Value) (lua.LValue, error) {
	switch d.kind {
	case descValue:
		if !rv.IsValid() || (rv.Kind() == reflect.Ptr && rv.IsNil()) {
			return lua.LNil, nil
		}
		return rv.Interface().(lua.LValue), nil

	case descBool:
		return lua.LBool(rv.Bool()), nil

	case descInt:
		return lua.LNumber(float64(rv.Int())), nil

	case descUint:
		return lua.LNumber(float64(rv.Uint())), nil

	case descFloat:
		return lua.LNumber(rv.Float()), nil

	case descString:
		return lua.LString(rv.String()), nil

	case descBytes:
		// The string conversion copies, so the engine retains its own
		// duplicate and may outlive the caller's buffer.
		return lua.LString(rv.Bytes()), nil

	case descPtr:
		if rv.IsNil() {
			return lua.LNil, nil
		}
		return in.toLuaTyped(d.elem, rv.Elem())

	case descStruct:
		t := in.L.CreateTable(0, len(d.fields))
		for _, f := range d.fields {
			lv, err := in.toLuaTyped(f.desc, rv.Field(f.index))
			if err != nil {
				return nil, err
			}
			t.RawSetString(f.name, lv)
		}
		return t, nil

	case descSlice:
		if rv.IsNil() {
			return lua.LNil, nil
		}
		return in.sequenceToTable(d.elem, rv)

	case descArray:
		return in.sequenceToTable(d.elem, rv)

	case descMap:
		if rv.IsNil() {
			return lua.LNil, nil
		}
		t := in.L.CreateTable(0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k, err := in.toLuaTyped(d.key, iter.Key())
			if err != nil {
				return nil, err
			}
			v, err := in.toLuaTyped(d.val, iter.Value())
			if err != nil {
				return nil, err
			}
			t.RawSet(k, v)
		}
		return t, nil

	case descFunc:
		if rv.IsNil() {
			return lua.LNil, nil
		}
		return in.L.NewFunction(in.trampoline("<anonymous>", rv, d.fn)), nil

	case descAny:
		if rv.IsNil() {
			return lua.LNil, nil
		}
		return in.toLua(rv.Interface())

	default:
		return nil, errors.New(errors.KindInvalidType,
			"cannot marshal %s", d.rt)
	}
}

func (in *Interpreter) sequenceToTable(elem *typeDesc, rv reflect.Value) (lua.LValue, error) {
	n := rv.Len()
	t := in.L.CreateTable(n, 0)
	for i := 0; i < n; i++ {
		lv, err := in.toLuaTyped(elem, rv.Index(i))
		if err != nil {
			return nil, err
		}
		t.RawSetInt(i+1, lv)
	}
	return t, nil
}

// getSlot reads the stack slot at idx (without removing it) into a value
// of the described type. Indices are explicit; the marshaller keeps no
// cursor of its own.
func (in *Interpreter) getSlot(d *typeDesc, idx int) (reflect.Value, error) {
	return in.fromLua(d, in.L.Get(idx))
}

func (in *Interpreter) fromLua(d *typeDesc, lv lua.LValue) (reflect.Value, error) {
	if lv == nil {
		lv = lua.LNil
	}
	switch d.kind {
	case descValue:
		if d.rt == lvalueType {
			return reflect.ValueOf(lv), nil
		}
		ct := reflect.TypeOf(lv)
		if ct == nil || !ct.AssignableTo(d.rt) {
			return reflect.Value{}, typeMismatch(d.rt, lv)
		}
		return reflect.ValueOf(lv), nil

	case descBool:
		b, ok := lv.(lua.LBool)
		if !ok {
			return reflect.Value{}, typeMismatch(d.rt, lv)
		}
		return reflect.ValueOf(bool(b)).Convert(d.rt), nil

	case descInt:
		f, err := slotNumber(d, lv)
		if err != nil {
			return reflect.Value{}, err
		}
		if f != f || f < -d.limit || f >= d.limit {
			return reflect.Value{}, rangeError(d.rt, f)
		}
		out := reflect.New(d.rt).Elem()
		out.SetInt(int64(f))
		return out, nil

	case descUint:
		f, err := slotNumber(d, lv)
		if err != nil {
			return reflect.Value{}, err
		}
		if f < 0 || f >= d.limit || f != f {
			return reflect.Value{}, rangeError(d.rt, f)
		}
		out := reflect.New(d.rt).Elem()
		out.SetUint(uint64(f))
		return out, nil

	case descFloat:
		f, err := slotNumber(d, lv)
		if err != nil {
			return reflect.Value{}, err
		}
		if d.rt.Bits() == 32 && !math.IsInf(f, 0) && math.Abs(f) > d.limit {
			return reflect.Value{}, rangeError(d.rt, f)
		}
		out := reflect.New(d.rt).Elem()
		out.SetFloat(f)
		return out, nil

	case descString:
		s, ok := lv.(lua.LString)
		if !ok {
			return reflect.Value{}, typeMismatch(d.rt, lv)
		}
		// Go strings are immutable, so the conversion itself is the copy;
		// no allocator-owned duplicate is needed.
		return reflect.ValueOf(string(s)).Convert(d.rt), nil

	case descBytes:
		s, ok := lv.(lua.LString)
		if !ok {
			return reflect.Value{}, typeMismatch(d.rt, lv)
		}
		// Duplicate into host-owned memory before the backing slot can be
		// invalidated. The caller releases it with Interpreter.Free.
		buf, err := in.alloc.Allocate(len(s))
		if err != nil {
			return reflect.Value{}, errors.Wrap(errors.KindAllocation, err,
				"duplicating %d bytes", len(s))
		}
		copy(buf, string(s))
		out := reflect.New(d.rt).Elem()
		out.SetBytes(buf)
		return out, nil

	case descPtr:
		if lv == lua.LNil {
			return reflect.Zero(d.rt), nil
		}
		elem, err := in.fromLua(d.elem, lv)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(d.elem.rt)
		out.Elem().Set(elem)
		return out, nil

	case descStruct:
		t, ok := lv.(*lua.LTable)
		if !ok {
			return reflect.Value{}, typeMismatch(d.rt, lv)
		}
		out := reflect.New(d.rt).Elem()
		for _, f := range d.fields {
			fv := t.RawGetString(f.name)
			if fv == lua.LNil && f.desc.kind != descPtr && f.desc.kind != descAny {
				return reflect.Value{}, errors.New(errors.KindInvalidType,
					"missing field %q for %s", f.name, d.rt)
			}
			got, err := in.fromLua(f.desc, fv)
			if err != nil {
				return reflect.Value{}, errors.Wrap(errors.KindInvalidType, err,
					"field %q of %s", f.name, d.rt)
			}
			out.Field(f.index).Set(got)
		}
		return out, nil

	case descSlice:
		t, ok := lv.(*lua.LTable)
		if !ok {
			return reflect.Value{}, typeMismatch(d.rt, lv)
		}
		n := t.Len()
		out := reflect.MakeSlice(d.rt, n, n)
		if err := in.fillSequence(d.elem, t, out, n); err != nil {
			return reflect.Value{}, err
		}
		return out, nil

	case descArray:
		t, ok := lv.(*lua.LTable)
		if !ok {
			return reflect.Value{}, typeMismatch(d.rt, lv)
		}
		if t.Len() != d.rt.Len() {
			return reflect.Value{}, errors.New(errors.KindInvalidType,
				"table length %d does not match %s", t.Len(), d.rt)
		}
		out := reflect.New(d.rt).Elem()
		if err := in.fillSequence(d.elem, t, out, d.rt.Len()); err != nil {
			return reflect.Value{}, err
		}
		return out, nil

	case descMap:
		t, ok := lv.(*lua.LTable)
		if !ok {
			return reflect.Value{}, typeMismatch(d.rt, lv)
		}
		out := reflect.MakeMap(d.rt)
		var convErr error
		t.ForEach(func(k, v lua.LValue) {
			if convErr != nil {
				return
			}
			kv, err := in.fromLua(d.key, k)
			if err != nil {
				convErr = errors.Wrap(errors.KindInvalidType, err, "map key")
				return
			}
			vv, err := in.fromLua(d.val, v)
			if err != nil {
				convErr = errors.Wrap(errors.KindInvalidType, err, "map value")
				return
			}
			out.SetMapIndex(kv, vv)
		})
		if convErr != nil {
			return reflect.Value{}, convErr
		}
		return out, nil

	case descFunc:
		return reflect.Value{}, errors.New(errors.KindInvalidType,
			"engine functions cannot convert to Go func type %s; read a *lua.LFunction instead", d.rt)

	case descAny:
		v := in.dynamic(lv)
		if v == nil {
			return reflect.Zero(d.rt), nil
		}
		return reflect.ValueOf(v), nil

	default:
		return reflect.Value{}, typeMismatch(d.rt, lv)
	}
}

func (in *Interpreter) fillSequence(elem *typeDesc, t *lua.LTable, out reflect.Value, n int) error {
	for i := 1; i <= n; i++ {
		got, err := in.fromLua(elem, t.RawGetInt(i))
		if err != nil {
			return errors.Wrap(errors.KindInvalidType, err, "element %d", i)
		}
		out.Index(i - 1).Set(got)
	}
	return nil
}

// dynamic converts a slot by its own kind, for `any` targets: numbers
// come back as int64 when integral, tables as []any or map[string]any,
// and pointer-shaped values (functions, userdata payloads, threads) by
// identity.
func (in *Interpreter) dynamic(lv lua.LValue) any {
	return in.dynamicVisited(lv, make(map[*lua.LTable]bool))
}

func (in *Interpreter) dynamicVisited(lv lua.LValue, visited map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case *lua.LNilType, nil:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		// Integral only when the int64 round-trips; values beyond the
		// int64 range stay floats.
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil // break cycles
		}
		visited[v] = true
		return in.tableDynamic(v, visited)
	case *lua.LUserData:
		return v.Value
	default:
		// Functions, threads, channels: identity.
		return lv
	}
}

func (in *Interpreter) tableDynamic(t *lua.LTable, visited map[*lua.LTable]bool) any {
	n := t.Len()
	if n > 0 {
		// Contiguous 1..n integer keys and nothing else: a sequence.
		count := 0
		sequence := true
		t.ForEach(func(k, _ lua.LValue) {
			count++
			kn, ok := k.(lua.LNumber)
			if !ok || float64(kn) != math.Trunc(float64(kn)) || int(kn) < 1 || int(kn) > n {
				sequence = false
			}
		})
		if sequence && count == n {
			arr := make([]any, n)
			for i := 1; i <= n; i++ {
				arr[i-1] = in.dynamicVisited(t.RawGetInt(i), visited)
			}
			return arr
		}
	}

	m := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		m[k.String()] = in.dynamicVisited(v, visited)
	})
	return m
}

// slotNumber extracts the numeric payload of a slot, rejecting every
// other kind. No string coercion: the mapping is strict.
func slotNumber(d *typeDesc, lv lua.LValue) (float64, error) {
	n, ok := lv.(lua.LNumber)
	if !ok {
		return 0, typeMismatch(d.rt, lv)
	}
	return float64(n), nil
}

// outTarget validates an out pointer and compiles its element type.
func outTarget(out any) (*typeDesc, reflect.Value, error) {
	rv := reflect.ValueOf(out)
	if !rv.IsValid() || rv.Kind() != reflect.Ptr || rv.IsNil() {
		return nil, reflect.Value{}, errors.New(errors.KindInvalidType,
			"out argument must be a non-nil pointer, got %T", out)
	}
	d, err := compileType(rv.Type().Elem())
	if err != nil {
		return nil, reflect.Value{}, err
	}
	return d, rv.Elem(), nil
}

func typeMismatch(want reflect.Type, got lua.LValue) error {
	return errors.New(errors.KindInvalidType,
		"slot holds %s, not convertible to %s", got.Type().String(), want)
}

func rangeError(want reflect.Type, f float64) error {
	return errors.New(errors.KindOutOfBounds,
		"number %v does not fit in %s", f, want)
}
