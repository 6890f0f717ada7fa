// Package errno is the error boundary between the simulated file system core
// and the outside world. The core's internal layers return ordinary Go
// errors; anything crossing the downcall surface (Volume and friends) is
// wrapped into a DriverError carrying one of the POSIX-style codes below.
package errno

import (
	"fmt"
	"syscall"
)

// DriverError is a wrapper around a POSIX errno code, with a customizable
// error message. It is the external counterpart to an internal `fail`
// result: every downcall that can fail returns one of these instead of a
// bare error.
type DriverError struct {
	Code    syscall.Errno
	message string
}

// Error implements the `error` interface.
func (e *DriverError) Error() string {
	if e.message != "" {
		return e.message
	}
	return e.Code.Error()
}

// Errno returns the underlying POSIX code, suitable for translating into a
// negative return value at a syscall-style boundary.
func (e *DriverError) Errno() syscall.Errno {
	return e.Code
}

func (e *DriverError) Unwrap() error {
	return e.Code
}

// New creates a DriverError with a default message derived from the errno.
func New(code syscall.Errno) *DriverError {
	return &DriverError{Code: code, message: code.Error()}
}

// WithMessage creates a DriverError from a code and a custom message.
func WithMessage(code syscall.Errno, message string) *DriverError {
	return &DriverError{Code: code, message: message}
}

// Wrap translates an internal error into a DriverError carrying `code`. It
// is the only place in the core where an internal `error` becomes an
// external status: the adapter picks the POSIX code appropriate to the
// failing downcall and context.
func Wrap(code syscall.Errno, err error) *DriverError {
	if err == nil {
		return New(code)
	}
	return &DriverError{Code: code, message: fmt.Sprintf("%s: %s", code.Error(), err.Error())}
}

// Commonly used codes, aliased from the stdlib syscall.Errno values rather
// than redefined as new constants: the POSIX numbers are already correct
// and platform-appropriate.
const (
	ENOENT    = syscall.ENOENT
	ENOTDIR   = syscall.ENOTDIR
	ENOTEMPTY = syscall.ENOTEMPTY
	EBADF     = syscall.EBADF
	EINVAL    = syscall.EINVAL
	EIO       = syscall.EIO
	ENOSYS    = syscall.ENOSYS
	EEXIST    = syscall.EEXIST
	ENOSPC    = syscall.ENOSPC
	EISDIR    = syscall.EISDIR
	ENAMETOOLONG = syscall.ENAMETOOLONG
)
