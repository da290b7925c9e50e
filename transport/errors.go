package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"syscall"

	"github.com/arloliu/go-instr/internal/util"
)

// Class is the failure classification of a transport error.
type Class uint8

const (
	// ClassUnreachable: the instrument or its link cannot be reached (refused, unplugged, reset).
	ClassUnreachable Class = iota + 1
	// ClassBusy: the resource is held by another process or controller.
	ClassBusy
	// ClassTimeout: no data arrived, or a write did not complete, within the timeout.
	ClassTimeout
	// ClassProtocolViolation: the peer or the address does not speak the expected protocol.
	ClassProtocolViolation
	// ClassPermissionDenied: the OS refused access to the device.
	ClassPermissionDenied
)

// Classes lists every Class.
var Classes = []Class{ClassUnreachable, ClassBusy, ClassTimeout, ClassProtocolViolation, ClassPermissionDenied}

func (c Class) String() string {
	switch c {
	case ClassUnreachable:
		return "unreachable"
	case ClassBusy:
		return "busy"
	case ClassTimeout:
		return "timeout"
	case ClassProtocolViolation:
		return "protocol_violation"
	case ClassPermissionDenied:
		return "permission_denied"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Class) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Class) UnmarshalText(text []byte) error {
	for _, v := range Classes {
		if v.String() == string(text) {
			*c = v
			return nil
		}
	}

	return fmt.Errorf("transport: unknown error class %q", text)
}

// Sentinels matched by *Error through errors.Is, one per class.
var (
	ErrUnreachable       = errors.New("transport: unreachable")
	ErrBusy              = errors.New("transport: busy")
	ErrTimeout           = errors.New("transport: timeout")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrPermissionDenied  = errors.New("transport: permission denied")

	// ErrHandleClosed is returned by I/O on a closed handle.
	ErrHandleClosed = errors.New("transport: handle closed")
	// ErrWrongMedium is returned when a driver is asked to open an address of another medium.
	ErrWrongMedium = errors.New("transport: address medium not served by driver")
)

func (c Class) sentinel() error {
	switch c {
	case ClassUnreachable:
		return ErrUnreachable
	case ClassBusy:
		return ErrBusy
	case ClassTimeout:
		return ErrTimeout
	case ClassProtocolViolation:
		return ErrProtocolViolation
	case ClassPermissionDenied:
		return ErrPermissionDenied
	default:
		return nil
	}
}

// Error is a classified transport failure.
type Error struct {
	Class    Class
	Op       string // "open", "write", "read", "close", "clear"
	Resource string // canonical address string
	// Partial holds bytes received before a framed read timed out.
	Partial []byte
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("transport: %s %s: %s", e.Op, e.Resource, e.Class)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Partial) > 0 {
		msg += " (partial " + util.PrintableBytes(e.Partial) + ")"
	}

	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the class sentinel of e.
func (e *Error) Is(target error) bool {
	s := e.Class.sentinel()
	return s != nil && target == s
}

// NewError builds a *Error of class c.
func NewError(c Class, op, resource string, err error) *Error {
	return &Error{Class: c, Op: op, Resource: resource, Err: err}
}

// ClassOf returns the class of the first *Error in err's chain.
func ClassOf(err error) (Class, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Class, true
	}

	return 0, false
}

// Classify maps err to a *Error. An err whose chain already holds a *Error is returned
// unchanged; OS and network errors are classified by kind. It returns nil for a nil err.
func Classify(op, resource string, err error) error {
	if err == nil {
		return nil
	}

	var te *Error
	if errors.As(err, &te) {
		return err
	}

	return NewError(classOf(err), op, resource, err)
}

func classOf(err error) Class {
	var ne net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ETIMEDOUT):
		return ClassTimeout
	case errors.As(err, &ne) && ne.Timeout():
		return ClassTimeout
	case errors.Is(err, syscall.EBUSY),
		errors.Is(err, syscall.EADDRINUSE):
		return ClassBusy
	case errors.Is(err, fs.ErrPermission),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM):
		return ClassPermissionDenied
	case errors.Is(err, syscall.EPROTO),
		errors.Is(err, syscall.EPROTONOSUPPORT):
		return ClassProtocolViolation
	default:
		// EOF, resets, refused connections, unplugged devices
		return ClassUnreachable
	}
}
