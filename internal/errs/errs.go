// Package errs defines the closed set of error kinds surfaced by the core,
// per the error handling design: allocator/admission failures are reported
// as typed errors rather than panics or silent corrections.
package errs

import "fmt"

// Code is the closed set of error kinds the core can surface.
// OutOfMemory and Terminated are given distinct values (see DESIGN.md for
// the open question this resolves).
type Code int

const (
	Success Code = iota
	InvalidArgument
	SegmentFault
	OutOfMemory
	Timeout
	Backpressure
	Terminated
	Runtime
	Unknown
)

func (c Code) String() string {
	switch c {
	case Success:
		return "Success"
	case InvalidArgument:
		return "InvalidArgument"
	case SegmentFault:
		return "SegmentFault"
	case OutOfMemory:
		return "OutOfMemory"
	case Timeout:
		return "Timeout"
	case Backpressure:
		return "Backpressure"
	case Terminated:
		return "Terminated"
	case Runtime:
		return "Runtime"
	default:
		return "Unknown"
	}
}

// Error wraps a Code with a human-readable message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given code, message, and underlying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the Code from err, or Unknown if err is not an *Error.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
		return e.Code
	}
	return Unknown
}
