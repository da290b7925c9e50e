// Package usb implements the USB transport.
//
// On Linux, USBTMC instruments are reached through the kernel usbtmc character devices,
// matched to an address by walking sysfs for idVendor, idProduct and serial. Instruments
// exposing a USB CDC virtual serial port instead are found with the go.bug.st/serial
// enumerator and driven as serial ports. Other platforms support only the CDC path.
package usb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	bugst "go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/logger"
	"github.com/arloliu/go-instr/transport"
	"github.com/arloliu/go-instr/transport/serial"
)

// Defaults for device discovery and the CDC fallback.
const (
	DefaultSysfsRoot = "/sys"
	DefaultDevRoot   = "/dev"
	DefaultCDCBaud   = 115200
)

var errNotFound = errors.New("usb: no matching usbtmc device or CDC port")

// Driver opens USB instruments.
type Driver struct {
	sysfsRoot string
	devRoot   string
	cdcBaud   int
	logger    logger.Logger

	listPorts func() ([]*enumerator.PortDetails, error)
	openPort  serial.OpenFunc
	openTMC   func(node, resource string) (transport.Handle, error)
	tmc       bool
}

var _ transport.Driver = (*Driver)(nil)

// Option configures a Driver.
type Option interface {
	apply(*Driver) error
}

type optFunc func(*Driver) error

func (f optFunc) apply(d *Driver) error { return f(d) }

// WithSysfsRoot sets the sysfs mount point scanned for usbtmc devices.
func WithSysfsRoot(root string) Option {
	return optFunc(func(d *Driver) error {
		if root == "" {
			return errors.New("usb: sysfs root must not be empty")
		}
		d.sysfsRoot = root

		return nil
	})
}

// WithDevRoot sets the directory holding the usbtmc device nodes.
func WithDevRoot(root string) Option {
	return optFunc(func(d *Driver) error {
		if root == "" {
			return errors.New("usb: dev root must not be empty")
		}
		d.devRoot = root

		return nil
	})
}

// WithCDCBaud sets the line speed used for CDC virtual serial ports.
func WithCDCBaud(baud int) Option {
	return optFunc(func(d *Driver) error {
		if baud <= 0 {
			return fmt.Errorf("usb: invalid CDC baud %d", baud)
		}
		d.cdcBaud = baud

		return nil
	})
}

// WithPortLister replaces the CDC serial port enumerator.
func WithPortLister(list func() ([]*enumerator.PortDetails, error)) Option {
	return optFunc(func(d *Driver) error {
		if list == nil {
			return errors.New("usb: port lister must not be nil")
		}
		d.listPorts = list

		return nil
	})
}

// WithPortOpener replaces the CDC serial port opener.
func WithPortOpener(open serial.OpenFunc) Option {
	return optFunc(func(d *Driver) error {
		if open == nil {
			return errors.New("usb: port opener must not be nil")
		}
		d.openPort = open

		return nil
	})
}

// WithLogger sets the driver logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(d *Driver) error {
		if l == nil {
			return errors.New("usb: logger must not be nil")
		}
		d.logger = l

		return nil
	})
}

// NewDriver creates a USB driver.
func NewDriver(opts ...Option) (*Driver, error) {
	d := &Driver{
		sysfsRoot: DefaultSysfsRoot,
		devRoot:   DefaultDevRoot,
		cdcBaud:   DefaultCDCBaud,
		logger:    logger.GetLogger(),
		listPorts: enumerator.GetDetailedPortsList,
		openPort:  bugst.Open,
		openTMC:   openUSBTMC,
		tmc:       usbtmcSupported,
	}

	for _, opt := range opts {
		if err := opt.apply(d); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Medium returns address.MediumUSB.
func (d *Driver) Medium() address.Medium { return address.MediumUSB }

// Open finds the instrument by vendor, product and serial, preferring a usbtmc device
// over a CDC port.
func (d *Driver) Open(ctx context.Context, addr address.Address, connectTimeout time.Duration) (transport.Handle, error) {
	resource := addr.String()

	uf, ok := addr.USB()
	if !ok {
		return nil, transport.NewError(transport.ClassProtocolViolation, "open", resource, transport.ErrWrongMedium)
	}

	if err := ctx.Err(); err != nil {
		return nil, transport.NewError(transport.ClassUnreachable, "open", resource, err)
	}

	if d.tmc {
		devices, err := ScanUSBTMC(d.sysfsRoot, d.devRoot)
		if err != nil {
			d.logger.Debug("usb: sysfs scan failed", "address", resource, "error", err)
		}
		for _, dev := range devices {
			if dev.Matches(uf) {
				d.logger.Debug("usb: opening usbtmc device", "address", resource, "node", dev.Node)
				return d.openTMC(dev.Node, resource)
			}
		}
	}

	port, err := d.findCDC(uf)
	if err != nil {
		return nil, transport.NewError(transport.ClassUnreachable, "open", resource, err)
	}

	d.logger.Debug("usb: opening CDC port", "address", resource, "port", port)

	mode := &bugst.Mode{BaudRate: d.cdcBaud, DataBits: 8, Parity: bugst.NoParity, StopBits: bugst.OneStopBit}
	p, err := serial.OpenPort(ctx, d.openPort, port, mode, connectTimeout)
	if err != nil {
		return nil, serial.ClassifyPortError("open", resource, err)
	}

	return serial.NewPortHandle(p, resource, d.logger), nil
}

func (d *Driver) findCDC(uf address.USBFields) (string, error) {
	ports, err := d.listPorts()
	if err != nil {
		return "", fmt.Errorf("usb: enumerate serial ports: %w", err)
	}

	for _, p := range ports {
		if p == nil || !p.IsUSB {
			continue
		}
		vid, ok := parseHexID(p.VID)
		if !ok || vid != uf.VendorID {
			continue
		}
		pid, ok := parseHexID(p.PID)
		if !ok || pid != uf.ProductID {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(p.SerialNumber), uf.Serial) {
			continue
		}

		return p.Name, nil
	}

	return "", errNotFound
}

// Instrument is a USB instrument visible to the driver.
type Instrument struct {
	Address address.Address
	Path    string // usbtmc node or serial port name
	CDC     bool
}

// List enumerates attached instruments that carry a serial number, usbtmc devices first.
func (d *Driver) List() ([]Instrument, error) {
	var out []Instrument

	if d.tmc {
		devices, err := ScanUSBTMC(d.sysfsRoot, d.devRoot)
		if err != nil {
			return nil, err
		}
		for _, dev := range devices {
			a, err := address.NewUSB(dev.VendorID, dev.ProductID, dev.Serial)
			if err != nil {
				continue
			}
			out = append(out, Instrument{Address: a, Path: dev.Node})
		}
	}

	ports, err := d.listPorts()
	if err != nil {
		return out, fmt.Errorf("usb: enumerate serial ports: %w", err)
	}
	for _, p := range ports {
		if p == nil || !p.IsUSB {
			continue
		}
		vid, ok1 := parseHexID(p.VID)
		pid, ok2 := parseHexID(p.PID)
		if !ok1 || !ok2 {
			continue
		}
		a, err := address.NewUSB(vid, pid, strings.TrimSpace(p.SerialNumber))
		if err != nil {
			continue
		}
		out = append(out, Instrument{Address: a, Path: p.Name, CDC: true})
	}

	return out, nil
}
