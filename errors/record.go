package errors

import "sync"

// Record is the single-slot holder of the most recent error for one
// interpreter instance. It retains only the latest error; the host must
// inspect it before the next fallible operation overwrites it. It is
// never cleared automatically.
type Record struct {
	mu   sync.Mutex
	last *Error
}

// NewRecord creates an empty record.
func NewRecord() *Record {
	return &Record{}
}

// Set stores err as the outstanding error, overwriting any previous one.
// A nil err leaves the record untouched.
func (r *Record) Set(err error) {
	if err == nil {
		return
	}
	e, ok := err.(*Error)
	if !ok {
		e = Classify(err).(*Error)
	}
	r.mu.Lock()
	r.last = e
	r.mu.Unlock()
}

// Err returns the outstanding error, or nil.
func (r *Record) Err() *Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// HasError reports whether an error is outstanding.
func (r *Record) HasError() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last != nil
}

// Kind returns the outstanding error's kind, or the empty Kind.
func (r *Record) Kind() Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return ""
	}
	return r.last.Kind
}

// Message returns the outstanding error's message, or "".
func (r *Record) Message() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return ""
	}
	return r.last.Message
}

// Clear resets the record.
func (r *Record) Clear() {
	r.mu.Lock()
	r.last = nil
	r.mu.Unlock()
}
