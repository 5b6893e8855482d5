package errors

import (
	"errors"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/luahost/alloc"
)

// Kind categorizes a failure surfaced by the interpreter.
type Kind string

// Engine-level kinds mirror the engine's protected-call statuses;
// host-level kinds are raised entirely on this side of the boundary.
const (
	KindYield      Kind = "yield"            // coroutine suspended on the main thread
	KindRuntime    Kind = "runtime"          // script-level failure
	KindSyntax     Kind = "syntax"           // parse or chunk-format error
	KindMemory     Kind = "memory"           // allocation failure inside the engine
	KindErrHandler Kind = "error_in_handler" // fault while running the error handler

	KindNotFound     Kind = "not_found"       // named callee is nil
	KindNotAFunction Kind = "not_a_function"  // named callee is not callable
	KindInvalidType  Kind = "invalid_type"    // stack slot kind does not match the requested type
	KindOutOfBounds  Kind = "out_of_bounds"   // numeric value outside the target type's range
	KindAllocation   Kind = "host_allocation" // host-side allocation failure
)

// Error is the structured error type used throughout luahost.
// It supports errors.Is keyed on Kind and errors.As/Unwrap for causes.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	Cause   error
}

// New creates an Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error carrying a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Detail != "" {
		sb.WriteString(" (")
		sb.WriteString(e.Detail)
		sb.WriteString(")")
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the cause chain for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by Kind, so sentinels like
// errors.Is(err, &Error{Kind: KindNotFound}) work without identity.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return te.Kind == e.Kind && (te.Message == "" || te.Message == e.Message)
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Classify maps an error returned by an engine operation (load or
// protected call) into the taxonomy. nil stays nil. Errors that are not
// engine status errors classify as Runtime: an error that reached the
// host is never success, even if its status is unrecognized.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, alloc.ErrLimitExceeded) {
		return Wrap(KindMemory, err, "engine memory budget exhausted")
	}

	var api *lua.ApiError
	if !errors.As(err, &api) {
		return Wrap(KindRuntime, err, "engine error")
	}

	msg := messageOf(api)
	switch api.Type {
	case lua.ApiErrorSyntax, lua.ApiErrorFile:
		return &Error{Kind: KindSyntax, Message: msg, Cause: err}
	case lua.ApiErrorError:
		return &Error{Kind: KindErrHandler, Message: msg, Cause: err}
	case lua.ApiErrorRun, lua.ApiErrorPanic:
		switch {
		case strings.Contains(msg, "attempt to yield"):
			return &Error{Kind: KindYield, Message: msg, Cause: err}
		case strings.Contains(msg, "registry overflow"),
			strings.Contains(msg, "stack overflow"):
			return &Error{Kind: KindMemory, Message: msg, Cause: err}
		default:
			return &Error{Kind: KindRuntime, Message: msg, Cause: err}
		}
	default:
		return &Error{Kind: KindRuntime, Message: msg, Cause: err}
	}
}

// messageOf extracts the script-visible error message. The engine's
// convention is that a failed protected call carries the error value
// (usually a string) in Object.
func messageOf(api *lua.ApiError) string {
	if api.Object != nil && api.Object != lua.LNil {
		return api.Object.String()
	}
	return api.Error()
}
