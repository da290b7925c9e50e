package serial

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	bugst "go.bug.st/serial"

	"github.com/arloliu/go-instr/internal/pool"
	"github.com/arloliu/go-instr/internal/util"
	"github.com/arloliu/go-instr/logger"
	"github.com/arloliu/go-instr/transport"
)

var errWritePending = errors.New("serial: previous write still pending")

// PortHandle is a transport.Handle over a go.bug.st/serial port.
//
// Reads use the port read timeout. The port API has no write timeout, so writes run
// on a helper goroutine bounded by a timer; a write that times out leaves the port
// Busy until the stuck write returns.
type PortHandle struct {
	port     bugst.Port
	resource string
	logger   logger.Logger

	mu      sync.Mutex
	pending chan struct{} // closed when the in-flight write returns
	closed  atomic.Bool
}

var _ transport.Handle = (*PortHandle)(nil)

// NewPortHandle wraps an open port.
func NewPortHandle(port bugst.Port, resource string, l logger.Logger) *PortHandle {
	if l == nil {
		l = logger.GetLogger()
	}

	return &PortHandle{port: port, resource: resource, logger: l}
}

// Write writes all of p within timeout.
func (h *PortHandle) Write(p []byte, timeout time.Duration) error {
	if h.closed.Load() {
		return transport.NewError(transport.ClassUnreachable, "write", h.resource, transport.ErrHandleClosed)
	}

	h.mu.Lock()
	if h.pending != nil {
		select {
		case <-h.pending:
			h.pending = nil
		default:
			h.mu.Unlock()
			return transport.NewError(transport.ClassBusy, "write", h.resource, errWritePending)
		}
	}
	done := make(chan struct{})
	h.pending = done
	h.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		defer close(done)
		errCh <- writeAll(h.port, p)
	}()

	t := pool.GetTimer(transport.EffectiveTimeout(timeout))
	defer pool.PutTimer(t)

	select {
	case err := <-errCh:
		return ClassifyPortError("write", h.resource, err)
	case <-t.C:
		h.logger.Warn("serial: write timed out", "address", h.resource, "bytes", len(p))
		_ = h.port.ResetOutputBuffer()

		return transport.NewError(transport.ClassTimeout, "write", h.resource, nil)
	}
}

func writeAll(port bugst.Port, data []byte) error {
	for written := 0; written < len(data); {
		n, err := port.Write(data[written:])
		written += n

		if err != nil {
			return err
		}
	}

	return nil
}

// Read returns up to max bytes, waiting at most timeout for the first byte.
func (h *PortHandle) Read(max int, timeout time.Duration) ([]byte, error) {
	if h.closed.Load() {
		return nil, transport.NewError(transport.ClassUnreachable, "read", h.resource, transport.ErrHandleClosed)
	}
	if max <= 0 {
		max = 1
	}

	if err := h.port.SetReadTimeout(transport.EffectiveTimeout(timeout)); err != nil {
		return nil, ClassifyPortError("read", h.resource, err)
	}

	var buf []byte
	if max <= pool.ReadBufferSize {
		b := pool.GetBuffer()
		defer pool.PutBuffer(b)
		buf = (*b)[:max]
	} else {
		buf = make([]byte, max)
	}

	n, err := h.port.Read(buf)
	if n > 0 {
		return util.CloneSlice(buf[:n], 0), nil
	}
	if err != nil {
		return nil, ClassifyPortError("read", h.resource, err)
	}

	// go.bug.st/serial reports a read timeout as (0, nil)
	return nil, transport.NewError(transport.ClassTimeout, "read", h.resource, nil)
}

// Clear discards pending input and output.
func (h *PortHandle) Clear(time.Duration) error {
	if err := h.port.ResetInputBuffer(); err != nil {
		return ClassifyPortError("clear", h.resource, err)
	}
	if err := h.port.ResetOutputBuffer(); err != nil {
		return ClassifyPortError("clear", h.resource, err)
	}

	return nil
}

// Close closes the port once.
func (h *PortHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	h.logger.Debug("serial: closing port", "address", h.resource)

	if err := h.port.Close(); err != nil {
		return ClassifyPortError("close", h.resource, err)
	}

	return nil
}
