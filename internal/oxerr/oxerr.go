// Package oxerr defines the error taxonomy shared by every layer of the
// version-control engine. All failures surface as an *Error carrying a Code;
// callers branch on the code with IsCode or errors.As rather than matching
// message text.
package oxerr

import (
	"errors"
	"fmt"
)

// Code classifies a failure.
type Code int

const (
	// CodeUnknown is the zero value; wrapping an untyped error yields it.
	CodeUnknown Code = iota
	// CodeNotFound means no such commit, branch, path, blob, or node.
	CodeNotFound
	// CodeAlreadyExists means branch creation over an existing name or
	// repository init over an existing .oxen directory.
	CodeAlreadyExists
	// CodeInvalidInput means a malformed hash, a path outside the repository
	// root, or unknown ref syntax.
	CodeInvalidInput
	// CodeConflict means a merge conflict, an optimistic-concurrency PUT
	// mismatch, or a dirty working tree blocking checkout.
	CodeConflict
	// CodeIntegrity means a node or blob read back does not match its hash.
	// Integrity errors are fatal; callers must refuse to proceed.
	CodeIntegrity
	// CodeIO means disk full, permission denied, broken pipe.
	CodeIO
	// CodeNetwork means timeout, connection reset, or HTTP 5xx. Retryable.
	CodeNetwork
	// CodeAuthDenied means the server rejected credentials.
	CodeAuthDenied
	// CodeCancelled means the operation was aborted by the caller.
	CodeCancelled
)

// String returns the taxonomy name of the code.
func (c Code) String() string {
	switch c {
	case CodeNotFound:
		return "not_found"
	case CodeAlreadyExists:
		return "already_exists"
	case CodeInvalidInput:
		return "invalid_input"
	case CodeConflict:
		return "conflict"
	case CodeIntegrity:
		return "integrity"
	case CodeIO:
		return "io"
	case CodeNetwork:
		return "network"
	case CodeAuthDenied:
		return "auth_denied"
	case CodeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ExitCode maps a code to the CLI process exit code.
func (c Code) ExitCode() int {
	switch c {
	case CodeNotFound:
		return 2
	case CodeConflict:
		return 3
	case CodeNetwork:
		return 4
	case CodeIO, CodeIntegrity:
		return 5
	case CodeInvalidInput:
		return 64
	default:
		return 1
	}
}

// HTTPStatus maps a code to the wire protocol's response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return 404
	case CodeAlreadyExists, CodeConflict:
		return 400
	case CodeInvalidInput:
		return 400
	case CodeAuthDenied:
		return 401
	default:
		return 500
	}
}

// Error is the typed error carried across package boundaries.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// New creates an *Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil err yields nil.
func Wrap(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the taxonomy code from any error chain.
// Untyped errors report CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode reports whether err (or anything it wraps) carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// NotFound is shorthand for a CodeNotFound error.
func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

// InvalidInput is shorthand for a CodeInvalidInput error.
func InvalidInput(format string, args ...any) *Error {
	return New(CodeInvalidInput, format, args...)
}

// Conflict is shorthand for a CodeConflict error.
func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

// Integrity is shorthand for a CodeIntegrity error.
func Integrity(format string, args ...any) *Error {
	return New(CodeIntegrity, format, args...)
}
