package command

import (
	"strconv"
	"strings"
	"time"

	"github.com/arloliu/go-instr/catalog"
)

// Response is the outcome of one exchange.
type Response struct {
	Command string
	Shape   catalog.Shape
	// Raw is every byte read, terminator included.
	Raw []byte
	// Scalar holds a float64, int64, string or bool for ShapeScalar.
	Scalar any
	// List holds the typed elements for ShapeList.
	List []any
	// Block is the payload of a binary block for ShapeBlock.
	Block   []byte
	Elapsed time.Duration
}

// Float returns a float scalar; int scalars are converted.
func (r *Response) Float() (float64, bool) {
	switch v := r.Scalar.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Int returns an int scalar.
func (r *Response) Int() (int64, bool) {
	v, ok := r.Scalar.(int64)
	return v, ok
}

// Text returns a string or enum scalar.
func (r *Response) Text() (string, bool) {
	v, ok := r.Scalar.(string)
	return v, ok
}

// Bool returns a bool scalar.
func (r *Response) Bool() (bool, bool) {
	v, ok := r.Scalar.(bool)
	return v, ok
}

// Floats returns the list as float64 values when every element is numeric.
func (r *Response) Floats() ([]float64, bool) {
	out := make([]float64, 0, len(r.List))
	for _, e := range r.List {
		switch v := e.(type) {
		case float64:
			out = append(out, v)
		case int64:
			out = append(out, float64(v))
		default:
			return nil, false
		}
	}

	return out, true
}

// Strings returns the list elements formatted as text.
func (r *Response) Strings() []string {
	out := make([]string, len(r.List))
	for i, e := range r.List {
		out[i] = formatAny(e)
	}

	return out
}

// String renders the typed value for display.
func (r *Response) String() string {
	switch r.Shape {
	case catalog.ShapeScalar:
		return formatAny(r.Scalar)
	case catalog.ShapeList:
		return strings.Join(r.Strings(), ", ")
	case catalog.ShapeBlock:
		return "block of " + strconv.Itoa(len(r.Block)) + " bytes"
	default:
		return "ok"
	}
}

func formatAny(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	default:
		return ""
	}
}
