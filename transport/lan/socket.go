package lan

import (
	"context"
	"sync"
	"time"

	"github.com/arloliu/go-instr/transport"
)

// socketHandle is an open raw SCPI socket.
//
// A raw socket has no device clear message, so Clear drops the connection and dials a
// new one. A reply still in flight from the aborted exchange then arrives on the
// abandoned connection instead of answering the next command.
type socketHandle struct {
	driver   *Driver
	resource string
	target   string

	mu     sync.Mutex
	conn   *transport.ConnHandle
	closed bool
}

var (
	_ transport.Handle  = (*socketHandle)(nil)
	_ transport.Clearer = (*socketHandle)(nil)
)

func (h *socketHandle) current() *transport.ConnHandle {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.conn
}

func (h *socketHandle) Write(p []byte, timeout time.Duration) error {
	return h.current().Write(p, timeout)
}

func (h *socketHandle) Read(max int, timeout time.Duration) ([]byte, error) {
	return h.current().Read(max, timeout)
}

// Clear reconnects the socket within timeout. When the new dial fails the handle stays
// closed and later I/O reports the instrument unreachable.
func (h *socketHandle) Clear(timeout time.Duration) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return transport.NewError(transport.ClassUnreachable, "clear", h.resource, transport.ErrHandleClosed)
	}
	old := h.conn
	h.mu.Unlock()

	_ = old.Close()
	h.driver.logger.Debug("lan: reconnecting to clear the socket", "address", h.resource)

	conn, err := h.driver.dialConn(context.Background(), h.resource, h.target, transport.EffectiveTimeout(timeout))
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		// closed while dialing
		return conn.Close()
	}
	h.conn = conn

	return nil
}

// Close closes the socket once.
func (h *socketHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conn := h.conn
	h.mu.Unlock()

	return conn.Close()
}
