package luahost

import (
	"sync"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/dshills/luahost/alloc"
	"github.com/dshills/luahost/errors"
)

// ErrClosed is returned when operating on a closed interpreter.
var ErrClosed = errors.New(errors.KindRuntime, "interpreter is closed")

// Interpreter owns one engine instance, one allocator, and one
// diagnostics record for its entire lifetime.
//
// IMPORTANT: the engine state is not goroutine-safe. All operations on
// an Interpreter must come from a single goroutine, or be serialized
// through an Executor. The mutex here protects lifecycle bookkeeping
// against misuse from Go code; it does not make script execution
// concurrent.
type Interpreter struct {
	L *lua.LState

	mu sync.Mutex

	id      uuid.UUID
	logger  *zap.Logger
	alloc   alloc.Allocator
	tracker *alloc.Tracking // nil when a custom allocator is supplied
	diag    *errors.Record

	libs     LibrarySet
	preload  LibrarySet
	memLimit int64

	chunk  *lua.LFunction
	closed bool
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithLibraries selects the standard modules opened at construction.
// The default is LibSandboxed.
func WithLibraries(libs LibrarySet) Option {
	return func(in *Interpreter) {
		in.libs = libs
	}
}

// WithPreload selects modules registered for require without opening
// them eagerly.
func WithPreload(libs LibrarySet) Option {
	return func(in *Interpreter) {
		in.preload = libs
	}
}

// WithAllocator supplies the allocator used for byte buffers duplicated
// out of the engine. The default is a fresh alloc.Tracking.
func WithAllocator(a alloc.Allocator) Option {
	return func(in *Interpreter) {
		in.alloc = a
		in.tracker = nil
	}
}

// WithMemoryLimit bounds the bytes the interpreter may hold in
// host-side duplicates at any one time. Allocations over the budget
// fail and surface as memory diagnostics. The limit applies over
// whatever allocator the interpreter ends up with, regardless of
// option order.
func WithMemoryLimit(bytes int64) Option {
	return func(in *Interpreter) {
		in.memLimit = bytes
	}
}

// WithLogger attaches a zap logger. The default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(in *Interpreter) {
		if l != nil {
			in.logger = l
		}
	}
}

// New creates an interpreter with the requested library surface.
func New(opts ...Option) (*Interpreter, error) {
	tracker := alloc.NewTracking()
	in := &Interpreter{
		id:      uuid.New(),
		logger:  zap.NewNop(),
		alloc:   tracker,
		tracker: tracker,
		diag:    errors.NewRecord(),
		libs:    LibSandboxed,
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.memLimit > 0 {
		in.alloc = alloc.NewLimit(in.alloc, in.memLimit)
	}

	in.L = lua.NewState(lua.Options{SkipOpenLibs: true})
	in.logger = in.logger.With(zap.String("interp", in.id.String()))

	openLibraries(in.L, in.libs, in.preload)
	if !in.libs.Has(LibPackage) && !in.libs.Has(LibIo) {
		harden(in.L)
	}

	in.logger.Debug("interpreter created",
		zap.Stringer("libraries", in.libs),
		zap.Stringer("preload", in.preload))
	return in, nil
}

// ID returns the interpreter's instance identifier.
func (in *Interpreter) ID() uuid.UUID {
	return in.id
}

// Diagnostics returns the record of the most recent engine error. The
// record is overwritten by each failing engine operation and is never
// cleared automatically.
func (in *Interpreter) Diagnostics() *errors.Record {
	return in.diag
}

// SetGlobal installs any marshallable value as a global.
func (in *Interpreter) SetGlobal(name string, value any) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return ErrClosed
	}

	lv, err := in.toLua(value)
	if err != nil {
		return err
	}
	in.L.SetGlobal(name, lv)
	return nil
}

// GetGlobal reads a global into out, which must be a non-nil pointer to
// a marshallable type.
func (in *Interpreter) GetGlobal(name string, out any) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return ErrClosed
	}
	return in.readInto(in.L.GetGlobal(name), out)
}

// Free releases a host-owned duplicate previously produced by Call,
// GetGlobal, or a registered function's arguments. It is a no-op for
// values that never required duplication.
func (in *Interpreter) Free(v any) {
	b, ok := v.([]byte)
	if !ok {
		return
	}
	in.alloc.Free(b)
}

// IsClosed reports whether Close has been called.
func (in *Interpreter) IsClosed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// Close shuts down the engine and releases the interpreter's resources.
// Values obtained from the interpreter that still need freeing should be
// freed first; outstanding duplicates are reported, not reclaimed.
// Closing twice is a no-op.
func (in *Interpreter) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return nil
	}

	if in.tracker != nil {
		if s := in.tracker.Stats(); s.Buffers > 0 {
			in.logger.Warn("closing with outstanding host duplicates",
				zap.Int("buffers", s.Buffers),
				zap.Int64("bytes", s.Bytes))
		}
	}

	in.L.Close()
	in.chunk = nil
	in.closed = true
	in.logger.Debug("interpreter closed")
	return nil
}

// LuaState returns the underlying engine state.
//
// WARNING: direct access bypasses the marshaller's ownership rules and
// the dispatcher's stack balancing. The caller takes responsibility for
// both.
func (in *Interpreter) LuaState() *lua.LState {
	return in.L
}

// readInto converts an engine value into the pointer target out.
func (in *Interpreter) readInto(lv lua.LValue, out any) error {
	d, rv, err := outTarget(out)
	if err != nil {
		return err
	}
	got, err := in.fromLua(d, lv)
	if err != nil {
		return err
	}
	rv.Set(got)
	return nil
}
