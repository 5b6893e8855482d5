package luahost

import (
	stderrors "errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/luahost/alloc"
	"github.com/dshills/luahost/errors"
)

func TestNewDefaults(t *testing.T) {
	in, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer in.Close()

	if in.ID() == uuid.Nil {
		t.Error("interpreter has a zero ID")
	}
	if in.IsClosed() {
		t.Error("fresh interpreter reports closed")
	}
	if in.Diagnostics().HasError() {
		t.Error("fresh interpreter carries a diagnostic")
	}
	if in.LuaState() == nil {
		t.Error("LuaState() = nil")
	}
}

func TestDistinctIDs(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()
	b, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close()

	if a.ID() == b.ID() {
		t.Error("two interpreters share an ID")
	}
}

func TestCloseIdempotent(t *testing.T) {
	in, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := in.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !in.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}
	if err := in.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestClosedOperationsFail(t *testing.T) {
	in, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := in.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	var out int
	ops := []struct {
		name string
		err  error
	}{
		{"LoadString", in.LoadString(`x = 1`, "test")},
		{"Run", in.Run()},
		{"Call", in.Call("f", nil)},
		{"SetGlobal", in.SetGlobal("x", 1)},
		{"GetGlobal", in.GetGlobal("x", &out)},
		{"RegisterFunction", in.RegisterFunction("f", func() {})},
		{"RegisterModule", in.RegisterModule("m", nil)},
	}
	for _, op := range ops {
		if !stderrors.Is(op.err, ErrClosed) {
			t.Errorf("%s on closed interpreter: error = %v, want ErrClosed", op.name, op.err)
		}
	}
}

func TestFreeIgnoresNonBuffers(t *testing.T) {
	in := newTestInterp(t)

	// Values that never required duplication are no-ops to free.
	in.Free(nil)
	in.Free("a string")
	in.Free(42)
	in.Free([]byte(nil))
	in.Free([]byte("not from the allocator"))
}

func TestWithMemoryLimit(t *testing.T) {
	in, err := New(WithMemoryLimit(8))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer in.Close()

	if err := in.SetGlobal("small", []byte("1234")); err != nil {
		t.Fatalf("SetGlobal(small) error = %v", err)
	}
	if err := in.SetGlobal("big", []byte("0123456789abcdef")); err != nil {
		t.Fatalf("SetGlobal(big) error = %v", err)
	}

	// Reading the small value duplicates 4 bytes, under budget.
	var buf []byte
	if err := in.GetGlobal("small", &buf); err != nil {
		t.Fatalf("GetGlobal(small) error = %v", err)
	}
	if string(buf) != "1234" {
		t.Errorf("small = %q", buf)
	}

	// The big value would put the budget over; the read fails as an
	// allocation diagnostic wrapping the limit sentinel.
	var big []byte
	err = in.GetGlobal("big", &big)
	if !errors.IsKind(err, errors.KindAllocation) {
		t.Fatalf("GetGlobal(big) error = %v, want KindAllocation", err)
	}
	if !stderrors.Is(err, alloc.ErrLimitExceeded) {
		t.Errorf("GetGlobal(big) error = %v, want ErrLimitExceeded in chain", err)
	}

	// Freeing the first read releases budget for the next.
	in.Free(buf)
	var again []byte
	if err := in.GetGlobal("small", &again); err != nil {
		t.Errorf("GetGlobal after Free error = %v", err)
	}
	in.Free(again)
}

func TestWithMemoryLimitBeforeAllocator(t *testing.T) {
	// The budget holds no matter where the option sits in the list.
	in, err := New(WithMemoryLimit(8), WithAllocator(alloc.NewTracking()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer in.Close()

	if err := in.SetGlobal("big", []byte("0123456789abcdef")); err != nil {
		t.Fatalf("SetGlobal() error = %v", err)
	}

	var b []byte
	err = in.GetGlobal("big", &b)
	if !errors.IsKind(err, errors.KindAllocation) {
		t.Fatalf("GetGlobal(big) error = %v, want KindAllocation", err)
	}
	if !stderrors.Is(err, alloc.ErrLimitExceeded) {
		t.Errorf("GetGlobal(big) error = %v, want ErrLimitExceeded in chain", err)
	}
}

func TestWithAllocator(t *testing.T) {
	in, err := New(WithAllocator(failingAllocator{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer in.Close()

	if err := in.SetGlobal("s", "payload"); err != nil {
		t.Fatalf("SetGlobal() error = %v", err)
	}

	// Strings convert without the allocator.
	var s string
	if err := in.GetGlobal("s", &s); err != nil {
		t.Fatalf("GetGlobal(string) error = %v", err)
	}

	// Byte reads go through the supplied allocator and see its failure.
	var b []byte
	if err := in.GetGlobal("s", &b); !errors.IsKind(err, errors.KindAllocation) {
		t.Errorf("GetGlobal([]byte) error = %v, want KindAllocation", err)
	}
}

type failingAllocator struct{}

func (failingAllocator) Allocate(n int) ([]byte, error) {
	return nil, stderrors.New("no memory here")
}

func (failingAllocator) Free(b []byte) {}

func TestWithLogger(t *testing.T) {
	in, err := New(WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer in.Close()

	if err := in.LoadString(`x = 1`, "test"); err != nil {
		t.Fatalf("LoadString() error = %v", err)
	}
	if err := in.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestSetGlobalGetGlobalRoundTrip(t *testing.T) {
	in := newTestInterp(t)

	if err := in.SetGlobal("greeting", "hello"); err != nil {
		t.Fatalf("SetGlobal() error = %v", err)
	}
	if err := in.LoadString(`greeting = greeting .. ", world"`, "test"); err != nil {
		t.Fatalf("LoadString() error = %v", err)
	}
	if err := in.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var got string
	if err := in.GetGlobal("greeting", &got); err != nil {
		t.Fatalf("GetGlobal() error = %v", err)
	}
	if got != "hello, world" {
		t.Errorf("greeting = %q", got)
	}
}

func TestGetGlobalMissing(t *testing.T) {
	in := newTestInterp(t)

	// A missing global is nil; reading it into a pointer target yields
	// the zero value, reading into a strict scalar fails.
	var p *int
	if err := in.GetGlobal("absent", &p); err != nil {
		t.Fatalf("GetGlobal(*int) error = %v", err)
	}
	if p != nil {
		t.Errorf("p = %v, want nil", p)
	}

	var n int
	if err := in.GetGlobal("absent", &n); !errors.IsKind(err, errors.KindInvalidType) {
		t.Errorf("GetGlobal(int) error = %v, want KindInvalidType", err)
	}
}
