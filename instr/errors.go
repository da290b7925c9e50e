package instr

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-instr/address"
)

var (
	// ErrNoCatalog is returned by model operations on a client without a catalog.
	ErrNoCatalog = errors.New("instr: no catalog configured")
	// ErrUnsupportedMedium is returned when a model does not list the medium of an address.
	ErrUnsupportedMedium = errors.New("instr: medium not supported by model")
)

// DispatchError is returned by every failed dispatch. It names the address and command and
// wraps the classified cause: an *address.InvalidAddressError, a
// *command.InvalidArgumentError, a *session.AcquireError, a *transport.Error, a
// *command.MalformedResponseError or a *retry.ExhaustedError.
type DispatchError struct {
	Address  address.Address
	Command  string
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("instr: %s on %s failed after %d attempts: %v", e.Command, e.Address, e.Attempts, e.Err)
	}

	return fmt.Sprintf("instr: %s on %s: %v", e.Command, e.Address, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
