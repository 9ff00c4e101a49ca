package reactor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error represents a structured reactor error with context and errno mapping
type Error struct {
	Op    string     // Operation that failed (e.g., "ADD_FD", "START_TIMER")
	Fd    int        // File descriptor (-1 if not applicable)
	Code  Code       // High-level error category
	Errno unix.Errno // Kernel errno (0 if not applicable)
	Msg   string     // Human-readable message
	Inner error      // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Fd >= 0 {
		parts = append(parts, fmt.Sprintf("fd=%d", e.Fd))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("reactor: %s (%s)", msg, parts[0])
	}

	return fmt.Sprintf("reactor: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support against the sentinel error family
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrAlreadyExists:
		return e.Code == CodeAlreadyExists
	case ErrNotFound:
		return e.Code == CodeNotFound
	case ErrInvalidArg:
		return e.Code == CodeInvalidArg
	case ErrWrongThread:
		return e.Code == CodeWrongThread
	case ErrInternal:
		return e.Code == CodeInternal
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// Code represents the closed family of outcomes a reactor operation
// can produce. A nil error means NORMAL.
type Code string

const (
	CodeNormal        Code = "normal"
	CodeAlreadyExists Code = "already exists"
	CodeNotFound      Code = "not found"
	CodeInvalidArg    Code = "invalid argument"
	CodeWrongThread   Code = "wrong thread"
	CodeInternal      Code = "internal fault"
)

// Sentinel errors for errors.Is checks against operation results
var (
	ErrAlreadyExists = errors.New(string(CodeAlreadyExists))
	ErrNotFound      = errors.New(string(CodeNotFound))
	ErrInvalidArg    = errors.New(string(CodeInvalidArg))
	ErrWrongThread   = errors.New(string(CodeWrongThread))
	ErrInternal      = errors.New(string(CodeInternal))
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code Code, msg string) *Error {
	return &Error{
		Op:   op,
		Fd:   -1,
		Code: code,
		Msg:  msg,
	}
}

// opError creates an error for an operation on a descriptor
func opError(op string, fd int, code Code) *Error {
	return &Error{
		Op:   op,
		Fd:   fd,
		Code: code,
	}
}

// internalError wraps a kernel failure as an internal fault, keeping
// the errno when there is one
func internalError(op string, fd int, inner error) *Error {
	e := &Error{
		Op:    op,
		Fd:    fd,
		Code:  CodeInternal,
		Inner: inner,
	}
	var errno unix.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
		e.Msg = errno.Error()
	} else if inner != nil {
		e.Msg = inner.Error()
	}
	return e
}

// CodeOf extracts the result code from an operation's error. A nil
// error reports CodeNormal; errors from outside the family report
// CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNormal
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeInternal
}

// IsCode checks if an error matches a specific result code
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno unix.Errno) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Errno == errno
	}
	return false
}
