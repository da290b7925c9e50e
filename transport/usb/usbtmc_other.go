//go:build !linux

package usb

import (
	"errors"

	"github.com/arloliu/go-instr/transport"
)

const usbtmcSupported = false

var errUSBTMCUnsupported = errors.New("usb: usbtmc character devices are only supported on linux")

func openUSBTMC(_, resource string) (transport.Handle, error) {
	return nil, transport.NewError(transport.ClassUnreachable, "open", resource, errUSBTMCUnsupported)
}
