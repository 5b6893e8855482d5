// Package errors provides the error taxonomy and diagnostics record for
// the luahost library.
//
// Failures are categorized by Kind. Engine-level kinds (Yield, Runtime,
// Syntax, Memory, ErrHandler) are produced by Classify from the engine's
// protected-call errors; host-level kinds (NotFound, NotAFunction,
// InvalidType, OutOfBounds, Allocation) are raised by the marshaller and
// dispatcher without engine involvement.
//
// All errors implement the standard error interface and support
// errors.Is/As:
//
//	if errors.IsKind(err, errors.KindNotFound) { ... }
//
// A Record holds the most recent error for one interpreter instance, in
// the tradition of the engine's "last error message" convention.
package errors
