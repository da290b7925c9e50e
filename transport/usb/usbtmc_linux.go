//go:build linux

package usb

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/arloliu/go-instr/internal/pool"
	"github.com/arloliu/go-instr/internal/util"
	"github.com/arloliu/go-instr/transport"
)

// usbtmcSupported reports whether the kernel usbtmc driver path is available.
const usbtmcSupported = true

// ioctl requests of the Linux usbtmc driver (include/uapi/linux/usb/tmc.h).
const (
	usbtmcIoctlClear      = 0x5B02     // _IO(USBTMC_IOC_NR, 2)
	usbtmcIoctlSetTimeout = 0x40045B0A // _IOW(USBTMC_IOC_NR, 10, __u32)
)

// usbtmcHandle talks to /dev/usbtmcN with raw blocking syscalls; the device polls only for
// SRQ, so it must stay out of the runtime poller. The kernel driver frames each write into
// a DEV_DEP_MSG_OUT transfer and each read into a REQUEST_DEV_DEP_MSG_IN.
type usbtmcHandle struct {
	resource string

	mu     sync.Mutex
	fd     int
	closed bool
}

func openUSBTMC(node, resource string) (transport.Handle, error) {
	fd, err := unix.Open(node, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, transport.Classify("open", resource, err)
	}

	return &usbtmcHandle{fd: fd, resource: resource}, nil
}

func (h *usbtmcHandle) setTimeout(timeout time.Duration) error {
	ms := int(transport.EffectiveTimeout(timeout) / time.Millisecond)
	// the kernel rejects timeouts below 100 ms
	ms = max(ms, 100)

	return unix.IoctlSetPointerInt(h.fd, usbtmcIoctlSetTimeout, ms)
}

func (h *usbtmcHandle) lockOpen(op string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return transport.NewError(transport.ClassUnreachable, op, h.resource, transport.ErrHandleClosed)
	}

	return nil
}

func (h *usbtmcHandle) Write(p []byte, timeout time.Duration) error {
	if err := h.lockOpen("write"); err != nil {
		return err
	}
	defer h.mu.Unlock()

	if err := h.setTimeout(timeout); err != nil {
		return transport.Classify("write", h.resource, err)
	}

	for written := 0; written < len(p); {
		n, err := unix.Write(h.fd, p[written:])
		if n > 0 {
			written += n
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return transport.Classify("write", h.resource, err)
		}
	}

	return nil
}

func (h *usbtmcHandle) Read(max int, timeout time.Duration) ([]byte, error) {
	if err := h.lockOpen("read"); err != nil {
		return nil, err
	}
	defer h.mu.Unlock()

	if max <= 0 {
		max = 1
	}
	if err := h.setTimeout(timeout); err != nil {
		return nil, transport.Classify("read", h.resource, err)
	}

	var buf []byte
	if max <= pool.ReadBufferSize {
		b := pool.GetBuffer()
		defer pool.PutBuffer(b)
		buf = (*b)[:max]
	} else {
		buf = make([]byte, max)
	}

	for {
		n, err := unix.Read(h.fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, transport.Classify("read", h.resource, err)
		}
		if n <= 0 {
			return nil, transport.NewError(transport.ClassTimeout, "read", h.resource, nil)
		}

		return util.CloneSlice(buf[:n], 0), nil
	}
}

// Clear issues USBTMC INITIATE_CLEAR through the kernel driver.
func (h *usbtmcHandle) Clear(timeout time.Duration) error {
	if err := h.lockOpen("clear"); err != nil {
		return err
	}
	defer h.mu.Unlock()

	if err := h.setTimeout(timeout); err != nil {
		return transport.Classify("clear", h.resource, err)
	}
	if err := unix.IoctlSetInt(h.fd, usbtmcIoctlClear, 0); err != nil {
		return transport.Classify("clear", h.resource, err)
	}

	return nil
}

func (h *usbtmcHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if err := unix.Close(h.fd); err != nil {
		return transport.Classify("close", h.resource, err)
	}

	return nil
}
