package transport

import (
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-instr/internal/pool"
	"github.com/arloliu/go-instr/internal/util"
	"github.com/arloliu/go-instr/logger"
)

// ConnHandle is a Handle over a net.Conn, using read and write deadlines for timeouts.
//
// It backs the LAN driver and TCP-attached GPIB controllers, and is handy in tests
// with one end of net.Pipe().
type ConnHandle struct {
	conn     net.Conn
	resource string
	logger   logger.Logger
	closed   atomic.Bool
}

// drainQuiet is how long the connection must stay silent before Clear stops draining.
const drainQuiet = 20 * time.Millisecond

var (
	_ Handle  = (*ConnHandle)(nil)
	_ Clearer = (*ConnHandle)(nil)
)

// NewConnHandle wraps conn. resource is the canonical address string used in errors.
func NewConnHandle(conn net.Conn, resource string, l logger.Logger) *ConnHandle {
	if l == nil {
		l = logger.GetLogger()
	}

	return &ConnHandle{conn: conn, resource: resource, logger: l}
}

// Conn returns the underlying connection.
func (h *ConnHandle) Conn() net.Conn { return h.conn }

// Write writes all bytes in p before the timeout elapses.
func (h *ConnHandle) Write(p []byte, timeout time.Duration) error {
	if h.closed.Load() {
		return NewError(ClassUnreachable, "write", h.resource, ErrHandleClosed)
	}

	if err := h.conn.SetWriteDeadline(time.Now().Add(EffectiveTimeout(timeout))); err != nil {
		return Classify("write", h.resource, err)
	}

	for written := 0; written < len(p); {
		n, err := h.conn.Write(p[written:])
		written += n

		if err != nil {
			return Classify("write", h.resource, err)
		}
	}

	return nil
}

// Read returns up to max bytes from a single read call on the connection.
func (h *ConnHandle) Read(max int, timeout time.Duration) ([]byte, error) {
	if h.closed.Load() {
		return nil, NewError(ClassUnreachable, "read", h.resource, ErrHandleClosed)
	}
	if max <= 0 {
		max = 1
	}

	if err := h.conn.SetReadDeadline(time.Now().Add(EffectiveTimeout(timeout))); err != nil {
		return nil, Classify("read", h.resource, err)
	}

	buf, release := readBuffer(max)
	defer release()

	n, err := h.conn.Read(buf)
	if n > 0 {
		// data wins over a concurrent error; the error resurfaces on the next read
		return util.CloneSlice(buf[:n], 0), nil
	}
	if err != nil {
		return nil, Classify("read", h.resource, err)
	}

	return nil, NewError(ClassTimeout, "read", h.resource, nil)
}

// Clear discards input already buffered on the connection. It reads until the connection
// stays silent for drainQuiet or the timeout elapses.
func (h *ConnHandle) Clear(timeout time.Duration) error {
	if h.closed.Load() {
		return NewError(ClassUnreachable, "clear", h.resource, ErrHandleClosed)
	}

	deadline := time.Now().Add(EffectiveTimeout(timeout))
	buf, release := readBuffer(pool.ReadBufferSize)
	defer release()

	dropped := 0
	for now := time.Now(); now.Before(deadline); now = time.Now() {
		quiet := now.Add(drainQuiet)
		if deadline.Before(quiet) {
			quiet = deadline
		}
		if err := h.conn.SetReadDeadline(quiet); err != nil {
			return Classify("clear", h.resource, err)
		}

		n, err := h.conn.Read(buf)
		dropped += n
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}

			return Classify("clear", h.resource, err)
		}
	}

	if dropped > 0 {
		h.logger.Debug("transport: dropped stale input", "resource", h.resource, "bytes", dropped)
	}

	return nil
}

// Close closes the connection once.
func (h *ConnHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	h.logger.Debug("transport: closing connection", "resource", h.resource)

	if err := h.conn.Close(); err != nil {
		return Classify("close", h.resource, err)
	}

	return nil
}

// readBuffer returns a scratch buffer of length max, pooled when it fits.
func readBuffer(max int) ([]byte, func()) {
	if max > pool.ReadBufferSize {
		return make([]byte, max), func() {}
	}

	b := pool.GetBuffer()

	return (*b)[:max], func() { pool.PutBuffer(b) }
}
