package gpib

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	bugst "go.bug.st/serial"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/logger"
	"github.com/arloliu/go-instr/transport"
	"github.com/arloliu/go-instr/transport/serial"
)

// Controller link defaults.
const (
	DefaultSerialBaud = 115200 // ignored by USB Prologix adapters, required by RS-232 ones
	DefaultTCPPort    = 1234   // Prologix GPIB-ETHERNET
)

// Controller describes the GPIB controller serving one board index.
// Exactly one of Path (serial or USB virtual COM port) and Host (TCP) is set.
type Controller struct {
	Board uint8  `yaml:"board"`
	Path  string `yaml:"path,omitempty"`
	Baud  int    `yaml:"baud,omitempty"`
	Host  string `yaml:"host,omitempty"`
	Port  int    `yaml:"port,omitempty"`
}

// Validate checks the controller description and fills defaults.
func (c *Controller) Validate() error {
	if c.Board > address.MaxGPIBBoard {
		return fmt.Errorf("gpib: board %d out of range [0, %d]", c.Board, address.MaxGPIBBoard)
	}

	switch {
	case c.Path != "" && c.Host != "":
		return fmt.Errorf("gpib: board %d: path and host are mutually exclusive", c.Board)
	case c.Path != "":
		if c.Baud == 0 {
			c.Baud = DefaultSerialBaud
		}
		if c.Baud < 0 {
			return fmt.Errorf("gpib: board %d: invalid baud %d", c.Board, c.Baud)
		}
	case c.Host != "":
		if c.Port == 0 {
			c.Port = DefaultTCPPort
		}
		if c.Port < 1 || c.Port > 65535 {
			return fmt.Errorf("gpib: board %d: port %d out of range [1, 65535]", c.Board, c.Port)
		}
	default:
		return fmt.Errorf("gpib: board %d: either path or host is required", c.Board)
	}

	return nil
}

// String describes the controller link, e.g. "serial:/dev/ttyUSB0" or "tcp:10.0.0.9:1234".
func (c Controller) String() string {
	if c.Host != "" {
		return "tcp:" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}

	return "serial:" + c.Path
}

// LinkOpener opens the byte link to a controller.
type LinkOpener func(ctx context.Context, c Controller, timeout time.Duration, l logger.Logger) (transport.Handle, error)

// OpenLink is the default LinkOpener: a go.bug.st/serial port or a TCP socket.
func OpenLink(ctx context.Context, c Controller, timeout time.Duration, l logger.Logger) (transport.Handle, error) {
	resource := c.String()

	if c.Host != "" {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(c.Host, strconv.Itoa(c.Port)))
		if err != nil {
			return nil, transport.NewError(transport.ClassUnreachable, "open", resource, err)
		}

		return transport.NewConnHandle(conn, resource, l), nil
	}

	mode := &bugst.Mode{BaudRate: c.Baud, DataBits: 8, Parity: bugst.NoParity, StopBits: bugst.OneStopBit}

	port, err := serial.OpenPort(ctx, bugst.Open, c.Path, mode, timeout)
	if err != nil {
		return nil, serial.ClassifyPortError("open", resource, err)
	}

	return serial.NewPortHandle(port, resource, l), nil
}

var errNoController = errors.New("gpib: no controller configured for board")
