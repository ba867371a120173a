package event

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindValidation Kind = iota
	KindState
	KindIO
	KindTimeout
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindIO:
		return "io"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the error carried by Failed events and returned by request
// constructors.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrCancelled = &Error{KindCancelled, errors.New("request cancelled")}
	ErrTimeout   = &Error{KindTimeout, errors.New("timeout waiting for download to start")}
)

func Validationf(format string, args ...interface{}) error {
	return &Error{KindValidation, errors.Errorf(format, args...)}
}

func Statef(format string, args ...interface{}) error {
	return &Error{KindState, errors.Errorf(format, args...)}
}

// IO wraps err as an I/O error.  It returns nil if err is nil.
func IO(err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{KindIO, errors.Wrap(err, message)}
}

// KindOf returns the kind of err, defaulting to KindIO for foreign
// errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIO
}

func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
