package gpib

import (
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/internal/pool"
	"github.com/arloliu/go-instr/transport"
)

// Prologix escape character; CR, LF, ESC and '+' in payloads are prefixed with it.
const esc = 0x1B

// secondaryOffset maps a secondary address 0-30 onto the 96-126 range ++addr expects.
const secondaryOffset = 96

// deviceHandle is one instrument on a shared controller link. It is not goroutine-safe;
// the board lock only serializes it against other devices of the same board.
type deviceHandle struct {
	driver   *Driver
	link     *link
	resource string
	addrCmd  []byte

	pending []byte // response bytes fetched but not yet returned
	closed  atomic.Bool
}

var (
	_ transport.Handle  = (*deviceHandle)(nil)
	_ transport.Clearer = (*deviceHandle)(nil)
)

func addrCommand(gf address.GPIBFields) []byte {
	cmd := "++addr " + strconv.Itoa(int(gf.Primary))
	if gf.HasSecondary {
		cmd += " " + strconv.Itoa(int(gf.Secondary)+secondaryOffset)
	}

	return []byte(cmd + "\n")
}

// escape prefixes controller-significant bytes so they reach the instrument verbatim.
func escape(p []byte) []byte {
	out := make([]byte, 0, len(p)+8)
	for _, b := range p {
		switch b {
		case '\r', '\n', esc, '+':
			out = append(out, esc)
		}
		out = append(out, b)
	}

	return out
}

// Write sends p to the device: ++addr, then the escaped payload ended by an unescaped LF.
func (h *deviceHandle) Write(p []byte, timeout time.Duration) error {
	if h.closed.Load() {
		return transport.NewError(transport.ClassUnreachable, "write", h.resource, transport.ErrHandleClosed)
	}

	msg := make([]byte, 0, len(h.addrCmd)+len(p)*2+1)
	msg = append(msg, h.addrCmd...)
	msg = append(msg, escape(p)...)
	msg = append(msg, '\n')

	h.link.mu.Lock()
	defer h.link.mu.Unlock()

	h.pending = nil

	return h.rebrand("write", h.link.h.Write(msg, timeout))
}

// Read returns buffered response bytes, fetching the next response with ++read eoi
// when the buffer is empty.
func (h *deviceHandle) Read(max int, timeout time.Duration) ([]byte, error) {
	if h.closed.Load() {
		return nil, transport.NewError(transport.ClassUnreachable, "read", h.resource, transport.ErrHandleClosed)
	}
	if max <= 0 {
		max = 1
	}

	if len(h.pending) == 0 {
		if err := h.fetch(timeout); err != nil {
			return nil, err
		}
	}

	n := min(max, len(h.pending))
	out := h.pending[:n:n]
	h.pending = h.pending[n:]

	return out, nil
}

// fetch addresses the device as talker and drains what the controller forwards until the
// link goes quiet for the inter-byte timeout, all under the board lock.
func (h *deviceHandle) fetch(timeout time.Duration) error {
	h.link.mu.Lock()
	defer h.link.mu.Unlock()

	req := make([]byte, 0, len(h.addrCmd)+12)
	req = append(req, h.addrCmd...)
	req = append(req, "++read eoi\n"...)

	if err := h.link.h.Write(req, timeout); err != nil {
		return h.rebrand("read", err)
	}

	first, err := h.link.h.Read(pool.ReadBufferSize, timeout)
	if err != nil {
		return h.rebrand("read", err)
	}

	buf := append([]byte(nil), first...)
	for {
		chunk, err := h.link.h.Read(pool.ReadBufferSize, h.driver.interByteTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				break
			}

			return h.rebrand("read", err)
		}
		buf = append(buf, chunk...)
	}

	h.pending = buf

	return nil
}

// Clear sends Selected Device Clear to the device and drops buffered bytes.
func (h *deviceHandle) Clear(timeout time.Duration) error {
	if h.closed.Load() {
		return transport.NewError(transport.ClassUnreachable, "clear", h.resource, transport.ErrHandleClosed)
	}

	msg := make([]byte, 0, len(h.addrCmd)+6)
	msg = append(msg, h.addrCmd...)
	msg = append(msg, "++clr\n"...)

	h.link.mu.Lock()
	defer h.link.mu.Unlock()

	h.pending = nil

	if err := h.link.h.Write(msg, timeout); err != nil {
		return h.rebrand("clear", err)
	}

	return h.rebrand("clear", h.drainLocked(timeout))
}

// drainLocked drops bytes the controller still forwards from an aborted read, until the
// link stays silent for the inter-byte timeout. The caller holds the board lock.
func (h *deviceHandle) drainLocked(timeout time.Duration) error {
	deadline := time.Now().Add(transport.EffectiveTimeout(timeout))
	for time.Now().Before(deadline) {
		if _, err := h.link.h.Read(pool.ReadBufferSize, h.driver.interByteTimeout); err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				return nil
			}

			return err
		}
	}

	return nil
}

// Close detaches the device; the last device on a board closes the controller link.
func (h *deviceHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	h.driver.logger.Debug("gpib: device detached", "address", h.resource)
	h.driver.releaseLink(h.link)

	return nil
}

// rebrand reports a link error against the device address, keeping its class.
func (h *deviceHandle) rebrand(op string, err error) error {
	if err == nil {
		return nil
	}

	class, ok := transport.ClassOf(err)
	if !ok {
		class = transport.ClassUnreachable
	}

	return transport.NewError(class, op, h.resource, err)
}
