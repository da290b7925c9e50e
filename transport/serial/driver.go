// Package serial implements the RS-232 transport on top of go.bug.st/serial.
//
// The same port handle backs Prologix GPIB controllers attached over USB and USB CDC
// instruments, so the port-level helpers (OpenPort, NewPortHandle, ModeFor) are exported.
package serial

import (
	"context"
	"errors"
	"time"

	bugst "go.bug.st/serial"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/internal/pool"
	"github.com/arloliu/go-instr/logger"
	"github.com/arloliu/go-instr/transport"
)

// DefaultOpenTimeout bounds a port open when the caller passes no connect timeout.
const DefaultOpenTimeout = 3 * time.Second

// OpenFunc opens a serial port. It matches go.bug.st/serial.Open.
type OpenFunc func(path string, mode *bugst.Mode) (bugst.Port, error)

// Driver opens RS-232 instruments.
type Driver struct {
	logger logger.Logger
	open   OpenFunc
}

var _ transport.Driver = (*Driver)(nil)

// Option configures a Driver.
type Option interface {
	apply(*Driver) error
}

type optFunc func(*Driver) error

func (f optFunc) apply(d *Driver) error { return f(d) }

// WithLogger sets the driver logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(d *Driver) error {
		if l == nil {
			return errors.New("serial: logger must not be nil")
		}
		d.logger = l

		return nil
	})
}

// WithOpenFunc replaces the port opener, e.g. with a fake port in tests.
func WithOpenFunc(open OpenFunc) Option {
	return optFunc(func(d *Driver) error {
		if open == nil {
			return errors.New("serial: open func must not be nil")
		}
		d.open = open

		return nil
	})
}

// NewDriver creates a serial driver.
func NewDriver(opts ...Option) (*Driver, error) {
	d := &Driver{logger: logger.GetLogger(), open: bugst.Open}

	for _, opt := range opts {
		if err := opt.apply(d); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Medium returns address.MediumSerial.
func (d *Driver) Medium() address.Medium { return address.MediumSerial }

// Open opens the serial device named by addr with the address line settings.
func (d *Driver) Open(ctx context.Context, addr address.Address, connectTimeout time.Duration) (transport.Handle, error) {
	resource := addr.String()

	sf, ok := addr.Serial()
	if !ok {
		return nil, transport.NewError(transport.ClassProtocolViolation, "open", resource, transport.ErrWrongMedium)
	}

	d.logger.Debug("serial: opening port", "address", resource, "path", sf.Path)

	port, err := OpenPort(ctx, d.open, sf.Path, ModeFor(sf), connectTimeout)
	if err != nil {
		d.logger.Debug("serial: open failed", "address", resource, "error", err)
		return nil, ClassifyPortError("open", resource, err)
	}

	return NewPortHandle(port, resource, d.logger), nil
}

// ModeFor converts address line settings into a go.bug.st/serial mode.
func ModeFor(sf address.SerialFields) *bugst.Mode {
	mode := &bugst.Mode{
		BaudRate: int(sf.Baud),
		DataBits: int(sf.DataBits),
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}

	switch sf.Parity {
	case address.ParityEven:
		mode.Parity = bugst.EvenParity
	case address.ParityOdd:
		mode.Parity = bugst.OddParity
	case address.ParityMark:
		mode.Parity = bugst.MarkParity
	case address.ParitySpace:
		mode.Parity = bugst.SpaceParity
	}

	switch sf.StopBits {
	case address.StopBits1_5:
		mode.StopBits = bugst.OnePointFiveStopBits
	case address.StopBits2:
		mode.StopBits = bugst.TwoStopBits
	}

	return mode
}

// OpenPort opens path with mode, giving up when ctx ends or timeout elapses.
// A port that opens after the caller gave up is closed.
func OpenPort(ctx context.Context, open OpenFunc, path string, mode *bugst.Mode, timeout time.Duration) (bugst.Port, error) {
	if open == nil {
		open = bugst.Open
	}
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		port bugst.Port
		err  error
	}
	done := make(chan result, 1)

	go func() {
		p, err := open(path, mode)
		done <- result{port: p, err: err}
	}()

	t := pool.GetTimer(timeout)
	defer pool.PutTimer(t)

	abandon := func() {
		go func() {
			if r := <-done; r.err == nil {
				_ = r.port.Close()
			}
		}()
	}

	select {
	case r := <-done:
		return r.port, r.err
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-t.C:
		abandon()
		return nil, transport.NewError(transport.ClassUnreachable, "open", path, context.DeadlineExceeded)
	}
}

// ClassifyPortError maps go.bug.st/serial port errors onto transport classes.
func ClassifyPortError(op, resource string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := transport.ClassOf(err); ok {
		return err
	}

	var pe *bugst.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case bugst.PortBusy:
			return transport.NewError(transport.ClassBusy, op, resource, err)
		case bugst.PortNotFound, bugst.PortClosed:
			return transport.NewError(transport.ClassUnreachable, op, resource, err)
		case bugst.PermissionDenied:
			return transport.NewError(transport.ClassPermissionDenied, op, resource, err)
		case bugst.InvalidSerialPort, bugst.InvalidSpeed, bugst.InvalidDataBits,
			bugst.InvalidParity, bugst.InvalidStopBits:
			return transport.NewError(transport.ClassProtocolViolation, op, resource, err)
		}
	}

	return transport.Classify(op, resource, err)
}
