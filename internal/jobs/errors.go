package jobs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnrecognizedJobName is returned for names absent from the Registry.
var ErrUnrecognizedJobName = errors.New("unrecognized job name")

// Error is an expected job failure: stale data, bad input, a vanished row.
// It is recorded on the Job with its message only and raises no incident.
type Error struct {
	msg string
}

func (e *Error) Error() string {
	return e.msg
}

// NewError returns a job Error with the given message.
func NewError(msg string) *Error {
	return &Error{msg: msg}
}

// Errorf formats a job Error. %w is not supported; the result is a leaf.
func Errorf(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// IsJobError reports whether err is, or wraps, a job Error.
func IsJobError(err error) bool {
	var jobErr *Error
	return errors.As(err, &jobErr)
}

// PanicError carries a recovered panic out of a task function.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%v", e.Value)
}

func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

func (e *PanicError) Kind() string {
	if err, ok := e.Value.(error); ok {
		return ErrorKind(err)
	}
	return "panic"
}

// ErrorKind names the type of an unexpected error for reports, looking past
// fmt and errors wrappers. A type with a Kind method names itself.
func ErrorKind(err error) string {
	var kinded interface{ Kind() string }
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		name := strings.TrimPrefix(fmt.Sprintf("%T", e), "*")
		switch name {
		case "fmt.wrapError", "fmt.wrapErrors", "errors.errorString", "errors.joinError":
			continue
		}
		return name
	}
	return "error"
}
