package address

import (
	"fmt"
	"strconv"
	"strings"
)

// Medium is the transport medium tag of an Address.
type Medium uint8

const (
	// MediumUnknown is the medium of the zero Address.
	MediumUnknown Medium = iota
	// MediumUSB is a USB (USBTMC or USB CDC) attached instrument.
	MediumUSB
	// MediumLAN is a LAN/LXI instrument reached over TCP.
	MediumLAN
	// MediumGPIB is an IEEE 488 bus instrument reached through a GPIB controller.
	MediumGPIB
	// MediumSerial is an RS-232 instrument.
	MediumSerial
)

// Media lists every concrete medium.
var Media = []Medium{MediumUSB, MediumLAN, MediumGPIB, MediumSerial}

// String returns the lower-case medium name.
func (m Medium) String() string {
	switch m {
	case MediumUSB:
		return "usb"
	case MediumLAN:
		return "lan"
	case MediumGPIB:
		return "gpib"
	case MediumSerial:
		return "serial"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Medium) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler using ParseMedium.
func (m *Medium) UnmarshalText(text []byte) error {
	v, err := ParseMedium(string(text))
	if err != nil {
		return err
	}
	*m = v

	return nil
}

// ParseMedium converts a connection type name into a Medium.
//
// Besides the canonical names it accepts the connection type names used by instrument
// libraries and configuration tools: "lxi", "tcpip", "ethernet" (LAN), "rs232", "asrl" (serial).
func ParseMedium(name string) (Medium, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "usb", "usbtmc":
		return MediumUSB, nil
	case "lan", "lxi", "tcpip", "ethernet", "socket":
		return MediumLAN, nil
	case "gpib", "ieee488":
		return MediumGPIB, nil
	case "serial", "rs232", "rs-232", "asrl":
		return MediumSerial, nil
	default:
		return MediumUnknown, fmt.Errorf("address: unknown medium %q", name)
	}
}

// Parity is the serial parity mode.
type Parity byte

const (
	ParityNone  Parity = 'N'
	ParityEven  Parity = 'E'
	ParityOdd   Parity = 'O'
	ParityMark  Parity = 'M'
	ParitySpace Parity = 'S'
)

func (p Parity) String() string { return string(rune(p)) }

// StopBits is the number of serial stop bits, stored in tenths (10, 15, 20).
type StopBits uint8

const (
	StopBits1   StopBits = 10
	StopBits1_5 StopBits = 15
	StopBits2   StopBits = 20
)

func (s StopBits) String() string {
	switch s {
	case StopBits1:
		return "1"
	case StopBits1_5:
		return "1.5"
	case StopBits2:
		return "2"
	default:
		return "?"
	}
}

// LANFields are the LAN/LXI variant fields.
type LANFields struct {
	Host   string
	Port   uint16
	Suffix string // VISA resource class, e.g. "SOCKET"
}

// GPIBFields are the GPIB variant fields.
type GPIBFields struct {
	Board        uint8
	Primary      uint8
	Secondary    uint8
	HasSecondary bool
}

// SerialFields are the serial variant fields.
type SerialFields struct {
	Path     string
	Baud     uint32
	DataBits uint8
	Parity   Parity
	StopBits StopBits
}

// USBFields are the USB variant fields.
type USBFields struct {
	VendorID  uint16
	ProductID uint16
	Serial    string
}

// Address identifies one instrument endpoint. The zero value is not a valid address.
//
// Only the variant selected by the medium tag is populated; the other variants stay zero,
// which keeps == equality exact.
type Address struct {
	medium Medium
	lan    LANFields
	gpib   GPIBFields
	serial SerialFields
	usb    USBFields
}

// Medium returns the medium tag.
func (a Address) Medium() Medium { return a.medium }

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool { return a.medium == MediumUnknown }

// LAN returns the LAN fields; ok is false for other media.
func (a Address) LAN() (LANFields, bool) { return a.lan, a.medium == MediumLAN }

// GPIB returns the GPIB fields; ok is false for other media.
func (a Address) GPIB() (GPIBFields, bool) { return a.gpib, a.medium == MediumGPIB }

// Serial returns the serial fields; ok is false for other media.
func (a Address) Serial() (SerialFields, bool) { return a.serial, a.medium == MediumSerial }

// USB returns the USB fields; ok is false for other media.
func (a Address) USB() (USBFields, bool) { return a.usb, a.medium == MediumUSB }

// String returns the canonical resource string.
func (a Address) String() string {
	var sb strings.Builder

	switch a.medium {
	case MediumLAN:
		sb.WriteString("TCPIP::")
		if strings.Contains(a.lan.Host, ":") {
			sb.WriteString("[" + a.lan.Host + "]")
		} else {
			sb.WriteString(a.lan.Host)
		}
		sb.WriteString("::")
		sb.WriteString(strconv.Itoa(int(a.lan.Port)))
		sb.WriteString("::")
		sb.WriteString(a.lan.Suffix)
	case MediumGPIB:
		fmt.Fprintf(&sb, "GPIB%d::%d", a.gpib.Board, a.gpib.Primary)
		if a.gpib.HasSecondary {
			fmt.Fprintf(&sb, "::%d", a.gpib.Secondary)
		}
		sb.WriteString("::INSTR")
	case MediumSerial:
		fmt.Fprintf(&sb, "ASRL%s::%d::%d%s%s::INSTR",
			a.serial.Path, a.serial.Baud, a.serial.DataBits, a.serial.Parity, a.serial.StopBits)
	case MediumUSB:
		fmt.Fprintf(&sb, "USB::0x%04X::0x%04X::%s::INSTR", a.usb.VendorID, a.usb.ProductID, a.usb.Serial)
	default:
		return ""
	}

	return sb.String()
}

// Fields returns the canonical field map of a, suitable for Compose.
func (a Address) Fields() Fields {
	switch a.medium {
	case MediumLAN:
		return Fields{
			FieldHost:   a.lan.Host,
			FieldPort:   strconv.Itoa(int(a.lan.Port)),
			FieldSuffix: a.lan.Suffix,
		}
	case MediumGPIB:
		f := Fields{
			FieldBoard:   strconv.Itoa(int(a.gpib.Board)),
			FieldPrimary: strconv.Itoa(int(a.gpib.Primary)),
		}
		if a.gpib.HasSecondary {
			f[FieldSecondary] = strconv.Itoa(int(a.gpib.Secondary))
		}
		return f
	case MediumSerial:
		return Fields{
			FieldPath:     a.serial.Path,
			FieldBaud:     strconv.FormatUint(uint64(a.serial.Baud), 10),
			FieldDataBits: strconv.Itoa(int(a.serial.DataBits)),
			FieldParity:   a.serial.Parity.String(),
			FieldStopBits: a.serial.StopBits.String(),
		}
	case MediumUSB:
		return Fields{
			FieldVendorID:  fmt.Sprintf("0x%04X", a.usb.VendorID),
			FieldProductID: fmt.Sprintf("0x%04X", a.usb.ProductID),
			FieldSerial:    a.usb.Serial,
		}
	default:
		return Fields{}
	}
}

// MarshalText implements encoding.TextMarshaler with the canonical string.
func (a Address) MarshalText() ([]byte, error) {
	if a.IsZero() {
		return nil, invalid(MediumUnknown, "medium", "", "zero address")
	}

	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler using Parse.
func (a *Address) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = v

	return nil
}
