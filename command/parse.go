package command

import (
	"math"
	"strconv"
	"strings"

	"github.com/arloliu/go-instr/catalog"
)

// Parse converts a response body (terminator stripped) into typed values for spec.
// raw is attached to a MalformedResponseError.
func Parse(spec *catalog.CommandSpec, enc catalog.Encoding, raw, body []byte) (*Response, error) {
	resp := &Response{Command: spec.Name, Shape: spec.Response.Shape, Raw: raw}

	switch spec.Response.Shape {
	case catalog.ShapeNone, "":
		resp.Shape = catalog.ShapeNone
		return resp, nil

	case catalog.ShapeBlock:
		resp.Block = body
		return resp, nil

	case catalog.ShapeScalar:
		text := strings.TrimSpace(string(body))
		if text == "" {
			return nil, malformed(spec.Name, raw, "empty response")
		}
		v, reason := parseValue(spec.Response, text)
		if reason != "" {
			return nil, malformed(spec.Name, raw, "%s", reason)
		}
		resp.Scalar = v

		return resp, nil

	case catalog.ShapeList:
		text := strings.TrimSpace(string(body))
		sep := spec.Response.Separator
		if sep == "" {
			sep = enc.ArgSeparator
		}

		var parts []string
		if text != "" {
			parts = splitList(text, sep)
		}
		if n := spec.Response.Count; n > 0 && len(parts) != n {
			return nil, malformed(spec.Name, raw, "expected %d elements, got %d", n, len(parts))
		}

		resp.List = make([]any, len(parts))
		for i, part := range parts {
			v, reason := parseValue(spec.Response, strings.TrimSpace(part))
			if reason != "" {
				return nil, malformed(spec.Name, raw, "element %d: %s", i, reason)
			}
			resp.List[i] = v
		}

		return resp, nil

	default:
		return nil, malformed(spec.Name, raw, "unknown response shape %q", spec.Response.Shape)
	}
}

// splitList splits on sep outside of double-quoted strings.
func splitList(text, sep string) []string {
	if !strings.Contains(text, `"`) {
		return strings.Split(text, sep)
	}

	var (
		parts   []string
		quoted  bool
		current strings.Builder
	)
	for i := 0; i < len(text); {
		if text[i] == '"' {
			quoted = !quoted
		}
		if !quoted && strings.HasPrefix(text[i:], sep) {
			parts = append(parts, current.String())
			current.Reset()
			i += len(sep)

			continue
		}
		current.WriteByte(text[i])
		i++
	}

	return append(parts, current.String())
}

// parseValue parses one scalar or list element, or returns the reason it is malformed.
func parseValue(rs catalog.ResponseSpec, text string) (any, string) {
	switch rs.Type {
	case catalog.ValueFloat:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil || math.IsNaN(f) {
			return nil, "not a number: " + strconv.Quote(text)
		}
		return f, ""

	case catalog.ValueInt:
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return i, ""
		}
		// instruments often answer integer queries in NR3 form, e.g. "+1.00000E+00"
		f, err := strconv.ParseFloat(text, 64)
		if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return nil, "not an integer: " + strconv.Quote(text)
		}
		return int64(f), ""

	case catalog.ValueBool:
		switch strings.ToUpper(text) {
		case "1", "ON", "TRUE":
			return true, ""
		case "0", "OFF", "FALSE":
			return false, ""
		}
		return nil, "not a boolean: " + strconv.Quote(text)

	case catalog.ValueEnum:
		for _, v := range rs.Values {
			if strings.EqualFold(v, text) {
				return v, ""
			}
		}
		return nil, strconv.Quote(text) + " not one of " + strings.Join(rs.Values, ", ")

	default:
		if len(text) >= 2 && text[0] == '"' && text[len(text)-1] == '"' {
			text = strings.ReplaceAll(text[1:len(text)-1], `""`, `"`)
		}
		return text, ""
	}
}
