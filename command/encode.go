package command

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/arloliu/go-instr/catalog"
)

// Args holds command arguments by parameter name. Values may be Go numbers, bools and
// strings; numeric and bool parameters also accept their text form.
type Args map[string]any

// Encode validates args against spec and renders the wire bytes. No I/O happens here.
func Encode(spec *catalog.CommandSpec, args Args) ([]byte, error) {
	enc := catalog.DefaultEncoding().Merge(spec.Encoding)

	values, err := formatArgs(spec, enc, args)
	if err != nil {
		return nil, err
	}

	header, used, err := substitute(spec, values)
	if err != nil {
		return nil, err
	}

	var rest []string
	for _, p := range spec.Params {
		v, ok := values[p.Name]
		if !ok || used[p.Name] {
			continue
		}
		rest = append(rest, v)
	}

	var b strings.Builder
	b.WriteString(header)
	if len(rest) > 0 {
		b.WriteString(enc.HeaderSeparator)
		b.WriteString(strings.Join(rest, enc.ArgSeparator))
	}
	b.WriteString(enc.WriteTerminator)

	return []byte(b.String()), nil
}

// substitute replaces {param} placeholders in the mnemonic.
func substitute(spec *catalog.CommandSpec, values map[string]string) (string, map[string]bool, error) {
	used := make(map[string]bool)
	m := spec.Mnemonic

	var b strings.Builder
	for {
		open := strings.IndexByte(m, '{')
		if open < 0 {
			b.WriteString(m)
			break
		}
		end := strings.IndexByte(m[open:], '}')
		if end < 0 {
			b.WriteString(m)
			break
		}
		end += open

		name := m[open+1 : end]
		if _, declared := spec.Param(name); !declared {
			return "", nil, invalidArg(spec.Name, name, "placeholder without a declared parameter")
		}
		v, ok := values[name]
		if !ok {
			return "", nil, invalidArg(spec.Name, name, "missing value for placeholder")
		}

		b.WriteString(m[:open])
		b.WriteString(v)
		used[name] = true
		m = m[end+1:]
	}

	return b.String(), used, nil
}

func formatArgs(spec *catalog.CommandSpec, enc catalog.Encoding, args Args) (map[string]string, error) {
	for name := range args {
		if _, ok := spec.Param(name); !ok {
			return nil, invalidArg(spec.Name, name, "unknown parameter")
		}
	}

	values := make(map[string]string, len(spec.Params))
	for _, p := range spec.Params {
		v, ok := args[p.Name]
		if !ok || v == nil {
			if !p.Optional {
				return nil, invalidArg(spec.Name, p.Name, "missing required parameter")
			}
			if p.Default == "" {
				continue
			}
			v = p.Default
		}

		s, reason := formatValue(p, enc, v)
		if reason != "" {
			return nil, invalidArg(spec.Name, p.Name, "%s", reason)
		}
		values[p.Name] = s
	}

	return values, nil
}

// formatValue renders v for p, or returns the reason it is invalid.
func formatValue(p catalog.ParamSpec, enc catalog.Encoding, v any) (string, string) {
	switch p.Type {
	case catalog.ParamInteger:
		n, ok := toInt(v)
		if !ok {
			return "", fmt.Sprintf("expected integer, got %T %v", v, v)
		}
		if reason := checkRange(p, float64(n)); reason != "" {
			return "", reason
		}

		return strconv.FormatInt(n, 10), ""

	case catalog.ParamFloat:
		f, ok := toFloat(v)
		if !ok {
			return "", fmt.Sprintf("expected number, got %T %v", v, v)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", "not a finite number"
		}
		if reason := checkRange(p, f); reason != "" {
			return "", reason
		}

		return strconv.FormatFloat(f, enc.FloatFormat[0], enc.Precision(), 64), ""

	case catalog.ParamEnum:
		s, ok := v.(string)
		if !ok {
			return "", fmt.Sprintf("expected one of %v, got %T", p.Values, v)
		}
		for _, allowed := range p.Values {
			if strings.EqualFold(allowed, strings.TrimSpace(s)) {
				return allowed, ""
			}
		}

		return "", fmt.Sprintf("%q not one of %v", s, p.Values)

	case catalog.ParamBool:
		b, ok := toBool(v)
		if !ok {
			return "", fmt.Sprintf("expected bool, got %T %v", v, v)
		}
		if b {
			return enc.BoolTrue, ""
		}

		return enc.BoolFalse, ""

	case catalog.ParamString:
		s, ok := v.(string)
		if !ok {
			return "", fmt.Sprintf("expected string, got %T", v)
		}
		if p.MaxLength > 0 && len(s) > p.MaxLength {
			return "", fmt.Sprintf("length %d exceeds %d", len(s), p.MaxLength)
		}
		if strings.ContainsAny(s, "\r\n") ||
			(enc.WriteTerminator != "" && strings.Contains(s, enc.WriteTerminator)) {
			return "", "contains a line terminator"
		}
		if enc.Quote() {
			q := enc.QuoteChar
			return q + strings.ReplaceAll(s, q, q+q) + q, ""
		}

		return s, ""

	default:
		return "", fmt.Sprintf("unsupported parameter type %q", p.Type)
	}
}

func checkRange(p catalog.ParamSpec, f float64) string {
	if p.Min != nil && f < *p.Min {
		return fmt.Sprintf("%v below minimum %v", f, *p.Min)
	}
	if p.Max != nil && f > *p.Max {
		return fmt.Sprintf("%v above maximum %v", f, *p.Max)
	}

	return ""
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), n <= math.MaxInt64 //nolint:gosec
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64 //nolint:gosec
	case float32:
		return toInt(float64(n))
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, false
		}
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		if i, ok := toInt(v); ok {
			return float64(i), true
		}
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "1", "on", "true", "yes":
			return true, true
		case "0", "off", "false", "no":
			return false, true
		}
	case int:
		if b == 0 || b == 1 {
			return b == 1, true
		}
	}

	return false, false
}
