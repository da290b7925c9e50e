package session

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-instr/address"
)

var (
	// ErrSessionInvalidated is returned for work queued on, or submitted to, a session
	// that was closed or faulted.
	ErrSessionInvalidated = errors.New("session: session invalidated")
	// ErrHandleReleased is returned when a released Handle is used.
	ErrHandleReleased = errors.New("session: handle released")
	// ErrManagerClosed is returned by Acquire after Shutdown.
	ErrManagerClosed = errors.New("session: manager closed")
	// ErrNoDriver is returned by Acquire when no driver serves the address medium.
	ErrNoDriver = errors.New("session: no driver for medium")
)

// AcquireError reports a failed Acquire.
type AcquireError struct {
	Address address.Address
	Err     error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("session: acquire %s: %v", e.Address, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }
