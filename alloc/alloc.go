// Package alloc provides the host-side allocator used for byte buffers
// that cross the Lua boundary.
//
// The engine is garbage collected, so unlike a C embedding there is no
// realloc callback to adapt. Instead the allocator is an explicit
// capability: the Interpreter owns exactly one Allocator for its lifetime
// and routes every duplication of stack-extracted bytes through it, so
// the host can account for (and bound) everything that leaves the engine.
package alloc

import (
	"errors"
	"sync"
	"unsafe"
)

// ErrLimitExceeded is returned by a Limit allocator when an allocation
// would exceed its byte budget.
var ErrLimitExceeded = errors.New("alloc: memory limit exceeded")

// Allocator allocates host-owned byte buffers.
//
// Allocate must never panic; on failure it returns a nil slice and an
// error. Free releases a buffer previously returned by Allocate and must
// tolerate buffers it does not own (no-op).
type Allocator interface {
	Allocate(n int) ([]byte, error)
	Free(b []byte)
}

// Stats describes the outstanding allocations of a Tracking allocator.
type Stats struct {
	Buffers int
	Bytes   int64
}

// Tracking is the default Allocator. It records every outstanding buffer
// keyed by its backing array, so double-free and foreign-buffer Free
// calls are no-ops and leaks are observable at interpreter shutdown.
type Tracking struct {
	mu   sync.Mutex
	live map[unsafe.Pointer]int
}

// NewTracking creates an empty tracking allocator.
func NewTracking() *Tracking {
	return &Tracking{live: make(map[unsafe.Pointer]int)}
}

// Allocate returns a zeroed buffer of n bytes and records it as live.
// Allocating zero bytes returns a nil slice that Free treats as a no-op.
func (t *Tracking) Allocate(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	b := make([]byte, n)
	t.mu.Lock()
	t.live[unsafe.Pointer(&b[0])] = n
	t.mu.Unlock()
	return b, nil
}

// Free forgets a buffer returned by Allocate. Buffers not owned by this
// allocator (including nil) are ignored.
func (t *Tracking) Free(b []byte) {
	if len(b) == 0 {
		return
	}
	t.mu.Lock()
	delete(t.live, unsafe.Pointer(&b[0]))
	t.mu.Unlock()
}

// Owns reports whether b is a live buffer of this allocator.
func (t *Tracking) Owns(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	t.mu.Lock()
	_, ok := t.live[unsafe.Pointer(&b[0])]
	t.mu.Unlock()
	return ok
}

// Stats returns the outstanding buffer count and total bytes.
func (t *Tracking) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{Buffers: len(t.live)}
	for _, n := range t.live {
		s.Bytes += int64(n)
	}
	return s
}

// Limit wraps an Allocator with a byte budget. Allocations that would
// push the outstanding total over the budget fail with ErrLimitExceeded.
type Limit struct {
	inner Allocator

	mu     sync.Mutex
	budget int64
	used   int64
	sizes  map[unsafe.Pointer]int
}

// NewLimit creates a budgeted allocator over inner. A budget <= 0 means
// unlimited.
func NewLimit(inner Allocator, budget int64) *Limit {
	return &Limit{
		inner:  inner,
		budget: budget,
		sizes:  make(map[unsafe.Pointer]int),
	}
}

// Allocate reserves n bytes against the budget before delegating.
func (l *Limit) Allocate(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	l.mu.Lock()
	if l.budget > 0 && l.used+int64(n) > l.budget {
		l.mu.Unlock()
		return nil, ErrLimitExceeded
	}
	l.used += int64(n)
	l.mu.Unlock()

	b, err := l.inner.Allocate(n)
	if err != nil {
		l.mu.Lock()
		l.used -= int64(n)
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Lock()
	l.sizes[unsafe.Pointer(&b[0])] = n
	l.mu.Unlock()
	return b, nil
}

// Free returns b's bytes to the budget and delegates.
func (l *Limit) Free(b []byte) {
	if len(b) == 0 {
		return
	}
	l.mu.Lock()
	if n, ok := l.sizes[unsafe.Pointer(&b[0])]; ok {
		l.used -= int64(n)
		delete(l.sizes, unsafe.Pointer(&b[0]))
	}
	l.mu.Unlock()
	l.inner.Free(b)
}

// Used returns the bytes currently reserved against the budget.
func (l *Limit) Used() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}
