package address

import (
	"net"
	"sort"
	"strconv"
	"strings"
)

// Fields holds the per-medium field values, keyed by field name, as entered upstream.
type Fields map[string]string

// Canonical field names.
const (
	FieldHost      = "host"
	FieldPort      = "port"
	FieldSuffix    = "suffix"
	FieldBoard     = "board"
	FieldPrimary   = "primary"
	FieldSecondary = "secondary"
	FieldPath      = "path"
	FieldBaud      = "baud"
	FieldDataBits  = "data_bits"
	FieldParity    = "parity"
	FieldStopBits  = "stop_bits"
	FieldVendorID  = "vendor_id"
	FieldProductID = "product_id"
	FieldSerial    = "serial"
)

// Validation limits.
const (
	MaxGPIBBoard     = 31
	MaxGPIBPrimary   = 30
	MaxGPIBSecondary = 30

	DefaultLANSuffix = "SOCKET"
	DefaultDataBits  = 8
)

// SupportedBaudRates is the enumerated set of accepted serial baud rates.
var SupportedBaudRates = []uint32{
	300, 600, 1200, 2400, 4800, 9600, 14400, 19200, 38400, 57600, 115200, 230400, 460800, 921600,
}

// fieldAliases maps alternative field names emitted by configuration front-ends
// onto canonical names, per medium.
var fieldAliases = map[Medium]map[string]string{
	MediumLAN:    {"ip": FieldHost, "ip_address": FieldHost},
	MediumGPIB:   {"address": FieldPrimary, "gpib_address": FieldPrimary, "gpib_board": FieldBoard},
	MediumSerial: {"com": FieldPath, "com_port": FieldPath, "device": FieldPath, "baudrate": FieldBaud},
	MediumUSB:    {"usb_serial": FieldSerial, "vid": FieldVendorID, "pid": FieldProductID},
}

var knownFields = map[Medium][]string{
	MediumLAN:    {FieldHost, FieldPort, FieldSuffix},
	MediumGPIB:   {FieldBoard, FieldPrimary, FieldSecondary},
	MediumSerial: {FieldPath, FieldBaud, FieldDataBits, FieldParity, FieldStopBits},
	MediumUSB:    {FieldVendorID, FieldProductID, FieldSerial},
}

// Compose validates fields for medium and builds an Address.
//
// Unknown fields, missing required fields and out-of-range values fail with an
// *InvalidAddressError; no Address is returned on failure. Compose performs no I/O
// (hostnames are checked syntactically, not resolved).
func Compose(medium Medium, fields Fields) (Address, error) {
	norm, err := normalize(medium, fields)
	if err != nil {
		return Address{}, err
	}

	switch medium {
	case MediumLAN:
		return composeLAN(norm)
	case MediumGPIB:
		return composeGPIB(norm)
	case MediumSerial:
		return composeSerial(norm)
	case MediumUSB:
		return composeUSB(norm)
	default:
		return Address{}, invalid(medium, "medium", medium.String(), "unsupported medium")
	}
}

// NewLAN builds a LAN address. An empty suffix selects DefaultLANSuffix.
func NewLAN(host string, port int, suffix string) (Address, error) {
	f := Fields{FieldHost: host, FieldPort: strconv.Itoa(port)}
	if suffix != "" {
		f[FieldSuffix] = suffix
	}

	return Compose(MediumLAN, f)
}

// NewGPIB builds a GPIB address without a secondary address.
func NewGPIB(board, primary int) (Address, error) {
	return Compose(MediumGPIB, Fields{FieldBoard: strconv.Itoa(board), FieldPrimary: strconv.Itoa(primary)})
}

// NewGPIBSecondary builds a GPIB address with a secondary address.
func NewGPIBSecondary(board, primary, secondary int) (Address, error) {
	return Compose(MediumGPIB, Fields{
		FieldBoard:     strconv.Itoa(board),
		FieldPrimary:   strconv.Itoa(primary),
		FieldSecondary: strconv.Itoa(secondary),
	})
}

// NewSerial builds a serial address with 8 data bits, no parity and one stop bit.
func NewSerial(path string, baud int) (Address, error) {
	return Compose(MediumSerial, Fields{FieldPath: path, FieldBaud: strconv.Itoa(baud)})
}

// NewUSB builds a USB address.
func NewUSB(vendorID, productID uint16, serial string) (Address, error) {
	return Compose(MediumUSB, Fields{
		FieldVendorID:  "0x" + strconv.FormatUint(uint64(vendorID), 16),
		FieldProductID: "0x" + strconv.FormatUint(uint64(productID), 16),
		FieldSerial:    serial,
	})
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return a
}

// normalize maps aliases onto canonical names, trims values and rejects unknown fields.
func normalize(medium Medium, fields Fields) (Fields, error) {
	known, ok := knownFields[medium]
	if !ok {
		return nil, invalid(medium, "medium", medium.String(), "unsupported medium")
	}

	aliases := fieldAliases[medium]
	out := make(Fields, len(fields))

	// deterministic order so the reported error does not depend on map iteration
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := strings.ToLower(strings.TrimSpace(k))
		if canon, ok := aliases[name]; ok {
			name = canon
		}
		if !contains(known, name) {
			return nil, invalid(medium, k, fields[k], "unknown field")
		}
		if _, dup := out[name]; dup {
			return nil, invalid(medium, name, fields[k], "field given more than once")
		}
		out[name] = strings.TrimSpace(fields[k])
	}

	return out, nil
}

func composeLAN(f Fields) (Address, error) {
	host := f[FieldHost]
	if host == "" {
		return Address{}, invalid(MediumLAN, FieldHost, "", "required")
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if !validHost(host) {
		return Address{}, invalid(MediumLAN, FieldHost, host, "not an IP address or hostname")
	}

	port, err := requiredUint(MediumLAN, f, FieldPort, 1, 65535)
	if err != nil {
		return Address{}, err
	}

	suffix := strings.ToUpper(f[FieldSuffix])
	if suffix == "" {
		suffix = DefaultLANSuffix
	}
	if !isAlnum(suffix) {
		return Address{}, invalid(MediumLAN, FieldSuffix, suffix, "must be alphanumeric")
	}

	if ip := net.ParseIP(host); ip != nil {
		host = ip.String()
	} else {
		host = strings.ToLower(strings.TrimSuffix(host, "."))
	}

	return Address{medium: MediumLAN, lan: LANFields{Host: host, Port: uint16(port), Suffix: suffix}}, nil
}

func composeGPIB(f Fields) (Address, error) {
	board, err := requiredUint(MediumGPIB, f, FieldBoard, 0, MaxGPIBBoard)
	if err != nil {
		return Address{}, err
	}
	primary, err := requiredUint(MediumGPIB, f, FieldPrimary, 0, MaxGPIBPrimary)
	if err != nil {
		return Address{}, err
	}

	g := GPIBFields{Board: uint8(board), Primary: uint8(primary)}
	if v, ok := f[FieldSecondary]; ok && v != "" {
		sec, err := requiredUint(MediumGPIB, f, FieldSecondary, 0, MaxGPIBSecondary)
		if err != nil {
			return Address{}, err
		}
		g.Secondary = uint8(sec)
		g.HasSecondary = true
	}

	return Address{medium: MediumGPIB, gpib: g}, nil
}

func composeSerial(f Fields) (Address, error) {
	path := f[FieldPath]
	if path == "" {
		return Address{}, invalid(MediumSerial, FieldPath, "", "required")
	}
	if strings.Contains(path, "::") || strings.ContainsAny(path, " \t\r\n") {
		return Address{}, invalid(MediumSerial, FieldPath, path, "must not contain '::' or whitespace")
	}

	baud, err := requiredUint(MediumSerial, f, FieldBaud, 1, 1<<32-1)
	if err != nil {
		return Address{}, err
	}
	if !containsBaud(uint32(baud)) {
		return Address{}, invalid(MediumSerial, FieldBaud, f[FieldBaud], "unsupported baud rate")
	}

	s := SerialFields{Path: path, Baud: uint32(baud), DataBits: DefaultDataBits, Parity: ParityNone, StopBits: StopBits1}

	if v := f[FieldDataBits]; v != "" {
		bits, err := requiredUint(MediumSerial, f, FieldDataBits, 5, 8)
		if err != nil {
			return Address{}, err
		}
		s.DataBits = uint8(bits)
	}

	if v := f[FieldParity]; v != "" {
		p, ok := parseParity(v)
		if !ok {
			return Address{}, invalid(MediumSerial, FieldParity, v, "must be one of N, E, O, M, S")
		}
		s.Parity = p
	}

	if v := f[FieldStopBits]; v != "" {
		sb, ok := parseStopBits(v)
		if !ok {
			return Address{}, invalid(MediumSerial, FieldStopBits, v, "must be 1, 1.5 or 2")
		}
		s.StopBits = sb
	}

	return Address{medium: MediumSerial, serial: s}, nil
}

func composeUSB(f Fields) (Address, error) {
	vid, err := parseUSBID(f, FieldVendorID)
	if err != nil {
		return Address{}, err
	}
	pid, err := parseUSBID(f, FieldProductID)
	if err != nil {
		return Address{}, err
	}

	serial := f[FieldSerial]
	if serial == "" {
		return Address{}, invalid(MediumUSB, FieldSerial, "", "required")
	}
	if strings.Contains(serial, "::") || strings.ContainsAny(serial, " \t\r\n") {
		return Address{}, invalid(MediumUSB, FieldSerial, serial, "must not contain '::' or whitespace")
	}

	return Address{medium: MediumUSB, usb: USBFields{VendorID: vid, ProductID: pid, Serial: serial}}, nil
}

func requiredUint(m Medium, f Fields, field string, lo, hi uint64) (uint64, error) {
	v, ok := f[field]
	if !ok || v == "" {
		return 0, invalid(m, field, "", "required")
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, invalid(m, field, v, "not an unsigned integer")
	}
	if n < lo || n > hi {
		return 0, invalid(m, field, v, "out of range ["+strconv.FormatUint(lo, 10)+", "+strconv.FormatUint(hi, 10)+"]")
	}

	return n, nil
}

func parseUSBID(f Fields, field string) (uint16, error) {
	v := f[field]
	if v == "" {
		return 0, invalid(MediumUSB, field, "", "required")
	}
	// base 0 accepts both 0x1AB1 and decimal
	n, err := strconv.ParseUint(v, 0, 16)
	if err != nil || n == 0 {
		return 0, invalid(MediumUSB, field, v, "must be a 16-bit non-zero ID")
	}

	return uint16(n), nil
}

func parseParity(v string) (Parity, bool) {
	switch strings.ToLower(v) {
	case "n", "none":
		return ParityNone, true
	case "e", "even":
		return ParityEven, true
	case "o", "odd":
		return ParityOdd, true
	case "m", "mark":
		return ParityMark, true
	case "s", "space":
		return ParitySpace, true
	default:
		return 0, false
	}
}

func parseStopBits(v string) (StopBits, bool) {
	switch v {
	case "1":
		return StopBits1, true
	case "1.5":
		return StopBits1_5, true
	case "2":
		return StopBits2, true
	default:
		return 0, false
	}
}

// validHost accepts IP literals and RFC 1123 hostnames.
func validHost(host string) bool {
	if net.ParseIP(host) != nil {
		return true
	}

	host = strings.TrimSuffix(host, ".")
	if host == "" || len(host) > 253 {
		return false
	}

	labels := strings.Split(host, ".")
	if isDigits(labels[len(labels)-1]) {
		return false // dotted quads that failed ParseIP, e.g. 192.0.2.999
	}

	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			if !(c == '-' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
				return false
			}
		}
	}

	return true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}

	return true
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}

	return true
}

func containsBaud(b uint32) bool {
	for _, v := range SupportedBaudRates {
		if v == b {
			return true
		}
	}

	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}

	return false
}
