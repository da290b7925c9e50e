package usb

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/arloliu/go-instr/address"
)

// Device is a USBTMC character device found under sysfs.
type Device struct {
	Node      string // e.g. /dev/usbtmc0
	VendorID  uint16
	ProductID uint16
	Serial    string
}

// ScanUSBTMC lists the usbtmc character devices registered under sysfsRoot
// (normally "/sys"), resolving each to its USB device attributes. Device nodes are
// reported under devRoot (normally "/dev").
func ScanUSBTMC(sysfsRoot, devRoot string) ([]Device, error) {
	entries, err := filepath.Glob(filepath.Join(sysfsRoot, "class", "usbmisc", "usbtmc*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)

	out := make([]Device, 0, len(entries))
	for _, entry := range entries {
		// class/usbmisc/usbtmcN/device -> the USB interface; its parent is the USB device
		iface, err := filepath.EvalSymlinks(filepath.Join(entry, "device"))
		if err != nil {
			continue
		}
		usbDev := filepath.Dir(iface)

		vid, ok := readHexAttr(usbDev, "idVendor")
		if !ok {
			continue
		}
		pid, ok := readHexAttr(usbDev, "idProduct")
		if !ok {
			continue
		}

		out = append(out, Device{
			Node:      filepath.Join(devRoot, filepath.Base(entry)),
			VendorID:  vid,
			ProductID: pid,
			Serial:    readAttr(usbDev, "serial"),
		})
	}

	return out, nil
}

// Matches reports whether d is the instrument named by uf.
func (d Device) Matches(uf address.USBFields) bool {
	return d.VendorID == uf.VendorID && d.ProductID == uf.ProductID && d.Serial == uf.Serial
}

func readAttr(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(b))
}

func readHexAttr(dir, name string) (uint16, bool) {
	return parseHexID(readAttr(dir, name))
}

// parseHexID parses a USB ID written as hex, with or without a 0x prefix.
func parseHexID(s string) (uint16, bool) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" {
		return 0, false
	}

	n, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, false
	}

	return uint16(n), true
}
