package session

import (
	"context"
	"sync/atomic"

	"github.com/arloliu/go-instr/address"
)

// Handle is a caller's reference to a session. It does not own the transport handle.
type Handle struct {
	s        *Session
	released atomic.Bool
}

func newHandle(s *Session) *Handle {
	return &Handle{s: s}
}

// Address returns the session address.
func (h *Handle) Address() address.Address { return h.s.addr }

// SessionID returns the identifier of the underlying session.
func (h *Handle) SessionID() string { return h.s.id }

// State returns the state of the underlying session.
func (h *Handle) State() State { return h.s.State() }

// Valid reports whether the handle can still run exchanges.
func (h *Handle) Valid() bool {
	return !h.released.Load() && !h.s.isInvalid()
}

// Do queues fn behind earlier exchanges of the same session and waits for its result.
//
// If ctx is done while fn is still queued, fn is dropped and ctx.Err() is returned. Once
// fn has started it runs to completion, after which the cancellation is reported. Work on
// a closed or faulted session fails with ErrSessionInvalidated.
func (h *Handle) Do(ctx context.Context, fn Exchange) error {
	if h.released.Load() {
		return ErrHandleReleased
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return h.s.submit(ctx, fn)
}

// Release drops the reference. Releasing twice is a no-op.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.s.release()
	}
}
