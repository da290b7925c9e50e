// Package lan implements the LAN/LXI transport: raw SCPI sockets over TCP.
//
// Only the SOCKET resource class is served. Addresses with any other suffix
// (INSTR for VXI-11, HISLIP) fail at open with a protocol-violation error.
package lan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/logger"
	"github.com/arloliu/go-instr/transport"
)

// DefaultPort is the conventional raw SCPI socket port.
const DefaultPort = 5025

// DefaultKeepAlive is the TCP keep-alive period applied to instrument sockets.
const DefaultKeepAlive = 15 * time.Second

// Driver opens raw TCP sockets to LAN instruments.
type Driver struct {
	keepAlive time.Duration
	noDelay   bool
	logger    logger.Logger
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)
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
			return errors.New("lan: logger must not be nil")
		}
		d.logger = l

		return nil
	})
}

// WithKeepAlive sets the TCP keep-alive period. A negative value disables keep-alives.
func WithKeepAlive(period time.Duration) Option {
	return optFunc(func(d *Driver) error {
		d.keepAlive = period
		return nil
	})
}

// WithNoDelay toggles TCP_NODELAY on opened sockets. Enabled by default, since
// SCPI exchanges are small request/response pairs.
func WithNoDelay(enabled bool) Option {
	return optFunc(func(d *Driver) error {
		d.noDelay = enabled
		return nil
	})
}

// WithDialFunc replaces the TCP dialer. connectTimeout is still applied through ctx.
func WithDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return optFunc(func(d *Driver) error {
		if dial == nil {
			return errors.New("lan: dial func must not be nil")
		}
		d.dial = dial

		return nil
	})
}

// NewDriver creates a LAN driver.
func NewDriver(opts ...Option) (*Driver, error) {
	d := &Driver{
		keepAlive: DefaultKeepAlive,
		noDelay:   true,
		logger:    logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(d); err != nil {
			return nil, err
		}
	}

	if d.dial == nil {
		dialer := &net.Dialer{KeepAlive: d.keepAlive}
		d.dial = dialer.DialContext
	}

	return d, nil
}

// Medium returns address.MediumLAN.
func (d *Driver) Medium() address.Medium { return address.MediumLAN }

// Open dials the instrument socket. A connect timeout is reported as unreachable.
func (d *Driver) Open(ctx context.Context, addr address.Address, connectTimeout time.Duration) (transport.Handle, error) {
	resource := addr.String()

	lf, ok := addr.LAN()
	if !ok {
		return nil, transport.NewError(transport.ClassProtocolViolation, "open", resource, transport.ErrWrongMedium)
	}
	if lf.Suffix != address.DefaultLANSuffix {
		return nil, transport.NewError(transport.ClassProtocolViolation, "open", resource,
			fmt.Errorf("lan: resource class %q not supported, only %s", lf.Suffix, address.DefaultLANSuffix))
	}

	target := net.JoinHostPort(lf.Host, strconv.Itoa(int(lf.Port)))
	conn, err := d.dialConn(ctx, resource, target, connectTimeout)
	if err != nil {
		return nil, err
	}

	return &socketHandle{driver: d, resource: resource, target: target, conn: conn}, nil
}

// dialConn connects to target within connectTimeout. A cancelled ctx is returned
// unclassified.
func (d *Driver) dialConn(ctx context.Context, resource, target string, connectTimeout time.Duration) (*transport.ConnHandle, error) {
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	d.logger.Debug("lan: dialing", "address", resource, "target", target)

	conn, err := d.dial(ctx, "tcp", target)
	if err != nil {
		d.logger.Debug("lan: dial failed", "address", resource, "error", err)
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("lan: dial %s: %w", resource, context.Canceled)
		}

		return nil, transport.NewError(transport.ClassUnreachable, "open", resource, err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(d.noDelay)
	}

	return transport.NewConnHandle(conn, resource, d.logger), nil
}
