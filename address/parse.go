package address

import (
	"strconv"
	"strings"
)

const resourceSep = "::"

// Parse converts a canonical resource string (as produced by Address.String) back into
// an Address. Board-numbered prefixes such as "TCPIP0::" and "USB0::" are accepted, and
// the prefix match is case-insensitive.
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)

	switch {
	case strings.HasPrefix(upper, "TCPIP"):
		return parseLAN(s[len("TCPIP"):])
	case strings.HasPrefix(upper, "GPIB"):
		return parseGPIB(s[len("GPIB"):])
	case strings.HasPrefix(upper, "ASRL"):
		return parseSerial(s[len("ASRL"):])
	case strings.HasPrefix(upper, "USB"):
		return parseUSB(s[len("USB"):])
	default:
		return Address{}, invalid(MediumUnknown, "resource", s, "unknown resource prefix")
	}
}

// splitBoard strips an optional board number and the following "::".
func splitBoard(m Medium, rest string) (board string, tail string, err error) {
	i := strings.Index(rest, resourceSep)
	if i < 0 {
		return "", "", invalid(m, "resource", rest, "missing '::' separator")
	}
	board = rest[:i]
	if board != "" && !isDigits(board) {
		return "", "", invalid(m, FieldBoard, board, "board must be numeric")
	}

	return board, rest[i+len(resourceSep):], nil
}

func parseLAN(rest string) (Address, error) {
	_, tail, err := splitBoard(MediumLAN, rest)
	if err != nil {
		return Address{}, err
	}

	var host string
	if strings.HasPrefix(tail, "[") {
		end := strings.Index(tail, "]")
		if end < 0 {
			return Address{}, invalid(MediumLAN, FieldHost, tail, "unterminated '['")
		}
		host = tail[1:end]
		tail = strings.TrimPrefix(tail[end+1:], resourceSep)
	} else {
		parts := strings.SplitN(tail, resourceSep, 2)
		host = parts[0]
		tail = ""
		if len(parts) == 2 {
			tail = parts[1]
		}
	}

	parts := strings.Split(tail, resourceSep)
	f := Fields{FieldHost: host}
	switch len(parts) {
	case 1:
		f[FieldPort] = parts[0]
	case 2:
		f[FieldPort] = parts[0]
		f[FieldSuffix] = parts[1]
	default:
		return Address{}, invalid(MediumLAN, "resource", rest, "too many '::' sections")
	}

	return Compose(MediumLAN, f)
}

func parseGPIB(rest string) (Address, error) {
	board, tail, err := splitBoard(MediumGPIB, rest)
	if err != nil {
		return Address{}, err
	}
	if board == "" {
		board = "0"
	}

	parts := strings.Split(tail, resourceSep)
	if n := len(parts); n > 0 && strings.EqualFold(parts[n-1], "INSTR") {
		parts = parts[:n-1]
	}

	f := Fields{FieldBoard: board}
	switch len(parts) {
	case 1:
		f[FieldPrimary] = parts[0]
	case 2:
		f[FieldPrimary] = parts[0]
		f[FieldSecondary] = parts[1]
	default:
		return Address{}, invalid(MediumGPIB, "resource", rest, "expected primary[::secondary]")
	}

	return Compose(MediumGPIB, f)
}

func parseSerial(rest string) (Address, error) {
	parts := strings.Split(rest, resourceSep)
	if n := len(parts); n > 0 && strings.EqualFold(parts[n-1], "INSTR") {
		parts = parts[:n-1]
	}
	if len(parts) != 3 {
		return Address{}, invalid(MediumSerial, "resource", rest, "expected <path>::<baud>::<frame>")
	}

	f := Fields{FieldPath: parts[0], FieldBaud: parts[1]}

	frame := parts[2]
	if len(frame) < 3 {
		return Address{}, invalid(MediumSerial, "frame", frame, "expected <data bits><parity><stop bits>, e.g. 8N1")
	}
	f[FieldDataBits] = frame[:1]
	f[FieldParity] = frame[1:2]
	f[FieldStopBits] = frame[2:]

	return Compose(MediumSerial, f)
}

func parseUSB(rest string) (Address, error) {
	_, tail, err := splitBoard(MediumUSB, rest)
	if err != nil {
		return Address{}, err
	}

	parts := strings.Split(tail, resourceSep)
	if n := len(parts); n > 0 && strings.EqualFold(parts[n-1], "INSTR") {
		parts = parts[:n-1]
	}
	// an optional trailing USB interface number is accepted and ignored
	if len(parts) == 4 {
		if _, err := strconv.Atoi(parts[3]); err == nil {
			parts = parts[:3]
		}
	}
	if len(parts) != 3 {
		return Address{}, invalid(MediumUSB, "resource", rest, "expected <vid>::<pid>::<serial>")
	}

	return Compose(MediumUSB, Fields{
		FieldVendorID:  parts[0],
		FieldProductID: parts[1],
		FieldSerial:    parts[2],
	})
}
