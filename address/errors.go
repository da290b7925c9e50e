package address

import (
	"errors"
	"fmt"
)

// ErrInvalidAddress is matched by every *InvalidAddressError through errors.Is.
var ErrInvalidAddress = errors.New("address: invalid address")

// InvalidAddressError reports a field that failed validation during Compose or Parse.
type InvalidAddressError struct {
	Medium Medium
	Field  string
	Value  string
	Reason string
}

func (e *InvalidAddressError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("address: invalid %s field %q: %s", e.Medium, e.Field, e.Reason)
	}

	return fmt.Sprintf("address: invalid %s field %q (%q): %s", e.Medium, e.Field, e.Value, e.Reason)
}

// Is reports whether target is ErrInvalidAddress.
func (e *InvalidAddressError) Is(target error) bool {
	return target == ErrInvalidAddress
}

func invalid(m Medium, field, value, reason string) *InvalidAddressError {
	return &InvalidAddressError{Medium: m, Field: field, Value: value, Reason: reason}
}
