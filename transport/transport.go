// Package transport defines the uniform driver and handle contracts shared by every
// instrument medium, and the classified error type drivers report failures with.
//
// A Driver opens a Handle for one address.Address. A Handle is a half-duplex byte pipe
// with explicit per-call timeouts:
//
//   - Write sends the whole buffer or fails.
//   - Read returns as soon as any bytes are available, at most max bytes. When no byte
//     arrives within the timeout it fails with a *Error of class Timeout.
//   - Close releases the underlying resource and is idempotent.
//
// Handles are not goroutine-safe; the session layer serializes access.
package transport

import (
	"context"
	"time"

	"github.com/arloliu/go-instr/address"
)

// DefaultIOTimeout is used by handles when a caller passes a non-positive timeout.
const DefaultIOTimeout = 2 * time.Second

// Driver opens handles for one medium.
type Driver interface {
	// Medium returns the medium this driver serves.
	Medium() address.Medium

	// Open establishes the link to addr. It is the only operation that may block on
	// discovery or enumeration. It honours both ctx and connectTimeout.
	Open(ctx context.Context, addr address.Address, connectTimeout time.Duration) (Handle, error)
}

// Handle is an open transport link to one instrument.
type Handle interface {
	// Write writes all of p within timeout.
	Write(p []byte, timeout time.Duration) error

	// Read returns at most max bytes, as soon as any are available.
	Read(max int, timeout time.Duration) ([]byte, error)

	// Close closes the link. Calling Close more than once returns nil.
	Close() error
}

// Clearer is implemented by handles able to issue a device clear (USBTMC INITIATE_CLEAR,
// GPIB SDC) to abort a stuck exchange.
type Clearer interface {
	Clear(timeout time.Duration) error
}

// EffectiveTimeout returns timeout, or DefaultIOTimeout when timeout is not positive.
func EffectiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultIOTimeout
	}

	return timeout
}
