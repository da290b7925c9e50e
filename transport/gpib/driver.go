// Package gpib implements the GPIB transport by driving a Prologix-style controller
// (the "++" command set) attached over a serial port or TCP.
//
// Every address on a board shares the board's controller link. The link is opened on
// first use, reference counted, and closed when the last handle on the board closes.
// Each exchange takes the board lock, re-addresses the controller with ++addr and
// escapes the payload, so interleaved exchanges on different devices of one board
// never see each other's bytes.
package gpib

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/logger"
	"github.com/arloliu/go-instr/transport"
)

// Protocol timing defaults.
const (
	// DefaultInterByteTimeout ends a response once the controller link is silent this long
	// after the first byte.
	DefaultInterByteTimeout = 50 * time.Millisecond
	MinInterByteTimeout     = 5 * time.Millisecond
	MaxInterByteTimeout     = 2 * time.Second

	// DefaultSetupTimeout bounds writing the controller setup commands after open.
	DefaultSetupTimeout = time.Second
)

// setupCommands put a Prologix controller into controller mode with manual read-after-write,
// EOI on the last byte and no appended terminator (the payload carries its own).
var setupCommands = []string{"++mode 1", "++auto 0", "++eoi 1", "++eos 3", "++ifc"}

// Driver serves GPIB addresses through configured controllers.
type Driver struct {
	controllers      map[uint8]Controller
	openLink         LinkOpener
	interByteTimeout time.Duration
	logger           logger.Logger

	mu    sync.Mutex // guards link creation and reference counts
	links *xsync.MapOf[uint8, *link]
}

var _ transport.Driver = (*Driver)(nil)

// Option configures a Driver.
type Option interface {
	apply(*Driver) error
}

type optFunc func(*Driver) error

func (f optFunc) apply(d *Driver) error { return f(d) }

// WithController registers the controller for c.Board. A later registration for the
// same board replaces the earlier one.
func WithController(c Controller) Option {
	return optFunc(func(d *Driver) error {
		if err := c.Validate(); err != nil {
			return err
		}
		d.controllers[c.Board] = c

		return nil
	})
}

// WithLinkOpener replaces the controller link opener.
func WithLinkOpener(open LinkOpener) Option {
	return optFunc(func(d *Driver) error {
		if open == nil {
			return errors.New("gpib: link opener must not be nil")
		}
		d.openLink = open

		return nil
	})
}

// WithInterByteTimeout sets the link silence that ends a response.
func WithInterByteTimeout(timeout time.Duration) Option {
	return optFunc(func(d *Driver) error {
		if timeout < MinInterByteTimeout || timeout > MaxInterByteTimeout {
			return fmt.Errorf("gpib: inter-byte timeout %v out of range [%v, %v]",
				timeout, MinInterByteTimeout, MaxInterByteTimeout)
		}
		d.interByteTimeout = timeout

		return nil
	})
}

// WithLogger sets the driver logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(d *Driver) error {
		if l == nil {
			return errors.New("gpib: logger must not be nil")
		}
		d.logger = l

		return nil
	})
}

// NewDriver creates a GPIB driver.
func NewDriver(opts ...Option) (*Driver, error) {
	d := &Driver{
		controllers:      make(map[uint8]Controller),
		openLink:         OpenLink,
		interByteTimeout: DefaultInterByteTimeout,
		logger:           logger.GetLogger(),
		links:            xsync.NewMapOf[uint8, *link](),
	}

	for _, opt := range opts {
		if err := opt.apply(d); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Medium returns address.MediumGPIB.
func (d *Driver) Medium() address.Medium { return address.MediumGPIB }

// Controllers returns the configured controllers by board.
func (d *Driver) Controllers() map[uint8]Controller {
	out := make(map[uint8]Controller, len(d.controllers))
	for k, v := range d.controllers {
		out[k] = v
	}

	return out
}

// OpenBoards returns the boards whose controller link is currently open, with their
// reference counts.
func (d *Driver) OpenBoards() map[uint8]int {
	out := make(map[uint8]int)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.links.Range(func(board uint8, l *link) bool {
		if l.err == nil {
			out[board] = l.refs
		}
		return true
	})

	return out
}

// Open attaches a device handle to the board's controller link, opening the link on first use.
func (d *Driver) Open(ctx context.Context, addr address.Address, connectTimeout time.Duration) (transport.Handle, error) {
	resource := addr.String()

	gf, ok := addr.GPIB()
	if !ok {
		return nil, transport.NewError(transport.ClassProtocolViolation, "open", resource, transport.ErrWrongMedium)
	}

	ctrl, ok := d.controllers[gf.Board]
	if !ok {
		return nil, transport.NewError(transport.ClassUnreachable, "open", resource,
			fmt.Errorf("%w %d", errNoController, gf.Board))
	}

	l, err := d.acquireLink(ctx, ctrl, connectTimeout)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("gpib: device attached", "address", resource, "controller", ctrl.String())

	return &deviceHandle{
		driver:   d,
		link:     l,
		resource: resource,
		addrCmd:  addrCommand(gf),
	}, nil
}

// acquireLink returns the board link with its reference count raised. Concurrent callers
// for a board whose link is still opening wait for that open and share its outcome.
func (d *Driver) acquireLink(ctx context.Context, ctrl Controller, timeout time.Duration) (*link, error) {
	d.mu.Lock()
	l, ok := d.links.Load(ctrl.Board)
	if !ok {
		l = &link{board: ctrl.Board, ready: make(chan struct{}), refs: 1}
		d.links.Store(ctrl.Board, l)
		d.mu.Unlock()

		d.openBoard(ctx, ctrl, timeout, l)
		if l.err != nil {
			return nil, l.err
		}

		return l, nil
	}
	l.refs++
	d.mu.Unlock()

	select {
	case <-l.ready:
	case <-ctx.Done():
		d.releaseLink(l)
		return nil, ctx.Err()
	}

	if l.err != nil {
		d.releaseLink(l)
		return nil, l.err
	}

	return l, nil
}

func (d *Driver) openBoard(ctx context.Context, ctrl Controller, timeout time.Duration, l *link) {
	defer close(l.ready)

	d.logger.Debug("gpib: opening controller link", "board", ctrl.Board, "controller", ctrl.String())

	h, err := d.openLink(ctx, ctrl, timeout, d.logger)
	if err == nil {
		err = writeSetup(h, ctrl)
		if err != nil {
			_ = h.Close()
		}
	}

	if err != nil {
		d.logger.Warn("gpib: controller link failed", "board", ctrl.Board, "controller", ctrl.String(), "error", err)

		d.mu.Lock()
		l.err = transport.Classify("open", ctrl.String(), err)
		l.refs--
		d.links.Delete(ctrl.Board)
		d.mu.Unlock()

		return
	}

	d.mu.Lock()
	l.h = h
	d.mu.Unlock()
}

func writeSetup(h transport.Handle, ctrl Controller) error {
	var buf []byte
	for _, cmd := range setupCommands {
		buf = append(buf, cmd...)
		buf = append(buf, '\n')
	}

	if err := h.Write(buf, DefaultSetupTimeout); err != nil {
		return fmt.Errorf("gpib: configure controller %s: %w", ctrl.String(), err)
	}

	return nil
}

// releaseLink drops one reference and closes the link at zero.
func (d *Driver) releaseLink(l *link) {
	d.mu.Lock()
	l.refs--
	last := l.refs == 0 && l.h != nil
	if last {
		if cur, ok := d.links.Load(l.board); ok && cur == l {
			d.links.Delete(l.board)
		}
	}
	d.mu.Unlock()

	if last {
		d.logger.Debug("gpib: closing controller link", "board", l.board)
		_ = l.h.Close()
	}
}

// link is the shared controller connection of one board.
type link struct {
	board uint8
	ready chan struct{} // closed once the open attempt finished
	err   error         // open failure, set before ready is closed
	h     transport.Handle
	refs  int // guarded by Driver.mu

	mu sync.Mutex // board lock, held for one exchange step
}
