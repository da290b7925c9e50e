package instr

import (
	"context"
	"errors"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/diag"
	"github.com/arloliu/go-instr/transport/lan"
	"github.com/arloliu/go-instr/transport/usb"
)

// ErrNoUSBDriver is returned by ListUSB when the manager has no USB driver registered.
var ErrNoUSBDriver = errors.New("instr: no usb driver registered")

// DiscoverLAN browses mDNS for LXI and SCPI raw socket instruments and publishes one
// discovery event per instrument with a composable address.
func (c *Client) DiscoverLAN(ctx context.Context, opts ...lan.DiscoverOption) ([]lan.Instrument, error) {
	found, err := lan.Discover(ctx, append([]lan.DiscoverOption{lan.WithDiscoverLogger(c.logger)}, opts...)...)
	if err != nil {
		return nil, err
	}

	for _, inst := range found {
		c.announce(inst.Address, "lan", inst.Instance)
	}

	return found, nil
}

// ListUSB enumerates the USB instruments visible to the registered USB driver.
func (c *Client) ListUSB() ([]usb.Instrument, error) {
	drv, ok := c.mgr.Driver(address.MediumUSB)
	if !ok {
		return nil, ErrNoUSBDriver
	}
	ud, ok := drv.(*usb.Driver)
	if !ok {
		return nil, ErrNoUSBDriver
	}

	found, err := ud.List()
	for _, inst := range found {
		c.announce(inst.Address, "usb", inst.Path)
	}

	return found, err
}

func (c *Client) announce(addr address.Address, source, detail string) {
	if addr.IsZero() {
		return
	}

	c.publish(diag.Event{
		Kind:    diag.KindDiscovery,
		Address: addr.String(),
		Detail:  source + ": " + detail,
	})
}
