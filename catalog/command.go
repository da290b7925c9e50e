package catalog

import (
	"fmt"
	"time"
)

// ParamType is the semantic type of a command parameter.
type ParamType string

const (
	ParamInteger ParamType = "integer"
	ParamFloat   ParamType = "float"
	ParamEnum    ParamType = "enum"
	ParamString  ParamType = "string"
	ParamBool    ParamType = "bool"
)

func (t ParamType) valid() bool {
	switch t {
	case ParamInteger, ParamFloat, ParamEnum, ParamString, ParamBool:
		return true
	default:
		return false
	}
}

// ParamSpec declares one typed command parameter.
type ParamSpec struct {
	Name string    `yaml:"name"`
	Type ParamType `yaml:"type"`
	// Min and Max bound integer and float values.
	Min *float64 `yaml:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty"`
	// Values is the accepted set of an enum.
	Values []string `yaml:"values,omitempty"`
	// MaxLength bounds a string, zero means unbounded.
	MaxLength int    `yaml:"max_length,omitempty"`
	Optional  bool   `yaml:"optional,omitempty"`
	Default   string `yaml:"default,omitempty"`
	Unit      string `yaml:"unit,omitempty"`
}

// Shape is the declared response shape.
type Shape string

const (
	ShapeNone   Shape = "none"
	ShapeScalar Shape = "scalar"
	ShapeList   Shape = "list"
	ShapeBlock  Shape = "block"
)

// ValueType is the type of a scalar response or of list elements.
type ValueType string

const (
	ValueFloat  ValueType = "float"
	ValueInt    ValueType = "int"
	ValueString ValueType = "string"
	ValueEnum   ValueType = "enum"
	ValueBool   ValueType = "bool"
)

// ResponseSpec declares what a command answers.
type ResponseSpec struct {
	Shape Shape     `yaml:"shape"`
	Type  ValueType `yaml:"type,omitempty"`
	// Count fixes the number of list elements; zero accepts any number.
	Count int `yaml:"count,omitempty"`
	// Separator splits list elements; the encoding ArgSeparator is used when empty.
	Separator string `yaml:"separator,omitempty"`
	// Values is the accepted set of an enum response.
	Values []string `yaml:"values,omitempty"`
	// Timeout overrides the read timeout of this command.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Encoding holds the data-driven wire rules of an instrument family. Zero fields
// inherit from the enclosing level (defaults, series, model, command).
type Encoding struct {
	WriteTerminator string        `yaml:"write_terminator,omitempty"`
	ReadTerminator  string        `yaml:"read_terminator,omitempty"`
	HeaderSeparator string        `yaml:"header_separator,omitempty"`
	ArgSeparator    string        `yaml:"arg_separator,omitempty"`
	FloatFormat     string        `yaml:"float_format,omitempty"`
	FloatPrecision  *int          `yaml:"float_precision,omitempty"`
	QuoteStrings    *bool         `yaml:"quote_strings,omitempty"`
	QuoteChar       string        `yaml:"quote_char,omitempty"`
	BoolTrue        string        `yaml:"bool_true,omitempty"`
	BoolFalse       string        `yaml:"bool_false,omitempty"`
	BlockTimeout    time.Duration `yaml:"block_timeout,omitempty"`
	MaxResponse     int           `yaml:"max_response,omitempty"`
}

// Encoding defaults: SCPI over a line-oriented link.
const (
	DefaultTerminator      = "\n"
	DefaultHeaderSeparator = " "
	DefaultArgSeparator    = ","
	DefaultFloatFormat     = "g"
	DefaultQuoteChar       = `"`
	DefaultBlockTimeout    = 10 * time.Second
	DefaultMaxResponse     = 1 << 20
)

// DefaultEncoding returns the encoding every catalog level is merged onto.
func DefaultEncoding() Encoding {
	precision := -1
	quote := false

	return Encoding{
		WriteTerminator: DefaultTerminator,
		ReadTerminator:  DefaultTerminator,
		HeaderSeparator: DefaultHeaderSeparator,
		ArgSeparator:    DefaultArgSeparator,
		FloatFormat:     DefaultFloatFormat,
		FloatPrecision:  &precision,
		QuoteStrings:    &quote,
		QuoteChar:       DefaultQuoteChar,
		BoolTrue:        "1",
		BoolFalse:       "0",
		BlockTimeout:    DefaultBlockTimeout,
		MaxResponse:     DefaultMaxResponse,
	}
}

// Merge returns e overridden by the non-zero fields of over.
func (e Encoding) Merge(over Encoding) Encoding {
	pick := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	pick(&e.WriteTerminator, over.WriteTerminator)
	pick(&e.ReadTerminator, over.ReadTerminator)
	pick(&e.HeaderSeparator, over.HeaderSeparator)
	pick(&e.ArgSeparator, over.ArgSeparator)
	pick(&e.FloatFormat, over.FloatFormat)
	pick(&e.QuoteChar, over.QuoteChar)
	pick(&e.BoolTrue, over.BoolTrue)
	pick(&e.BoolFalse, over.BoolFalse)

	if over.FloatPrecision != nil {
		p := *over.FloatPrecision
		e.FloatPrecision = &p
	}
	if over.QuoteStrings != nil {
		q := *over.QuoteStrings
		e.QuoteStrings = &q
	}
	if over.BlockTimeout > 0 {
		e.BlockTimeout = over.BlockTimeout
	}
	if over.MaxResponse > 0 {
		e.MaxResponse = over.MaxResponse
	}

	return e
}

// Precision returns the float precision, -1 meaning the shortest exact form.
func (e Encoding) Precision() int {
	if e.FloatPrecision == nil {
		return -1
	}

	return *e.FloatPrecision
}

// Quote reports whether string arguments are quoted.
func (e Encoding) Quote() bool {
	return e.QuoteStrings != nil && *e.QuoteStrings
}

func (e Encoding) validate() error {
	switch e.FloatFormat {
	case "", "g", "f", "e", "G", "E":
	default:
		return fmt.Errorf("float_format %q not one of g, f, e", e.FloatFormat)
	}
	if e.FloatPrecision != nil && *e.FloatPrecision < -1 {
		return fmt.Errorf("float_precision %d below -1", *e.FloatPrecision)
	}
	if e.MaxResponse < 0 {
		return fmt.Errorf("max_response %d is negative", e.MaxResponse)
	}

	return nil
}

// CommandSpec is a catalog-declared command.
type CommandSpec struct {
	// Name is the catalog key, e.g. "measure_voltage".
	Name string `yaml:"name"`
	// Mnemonic is the wire header; it may hold {param} placeholders, e.g. "INST:NSEL {channel}".
	Mnemonic    string       `yaml:"mnemonic"`
	Description string       `yaml:"description,omitempty"`
	Params      []ParamSpec  `yaml:"params,omitempty"`
	Response    ResponseSpec `yaml:"response"`
	Encoding    Encoding     `yaml:"encoding,omitempty"`
}

// Param returns the parameter called name.
func (c *CommandSpec) Param(name string) (ParamSpec, bool) {
	for _, p := range c.Params {
		if p.Name == name {
			return p, true
		}
	}

	return ParamSpec{}, false
}

// Validate checks the declaration of c.
func (c *CommandSpec) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("catalog: command without name")
	}
	if c.Mnemonic == "" {
		return fmt.Errorf("catalog: command %s: empty mnemonic", c.Name)
	}

	seen := make(map[string]bool, len(c.Params))
	for _, p := range c.Params {
		if p.Name == "" {
			return fmt.Errorf("catalog: command %s: parameter without name", c.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("catalog: command %s: duplicate parameter %s", c.Name, p.Name)
		}
		seen[p.Name] = true

		if !p.Type.valid() {
			return fmt.Errorf("catalog: command %s: parameter %s: unknown type %q", c.Name, p.Name, p.Type)
		}
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			return fmt.Errorf("catalog: command %s: parameter %s: min above max", c.Name, p.Name)
		}
		if p.Type == ParamEnum && len(p.Values) == 0 {
			return fmt.Errorf("catalog: command %s: parameter %s: enum without values", c.Name, p.Name)
		}
	}

	switch c.Response.Shape {
	case "":
		c.Response.Shape = ShapeNone
	case ShapeNone, ShapeBlock:
	case ShapeScalar, ShapeList:
		switch c.Response.Type {
		case "":
			c.Response.Type = ValueString
		case ValueFloat, ValueInt, ValueString, ValueBool:
		case ValueEnum:
			if len(c.Response.Values) == 0 {
				return fmt.Errorf("catalog: command %s: enum response without values", c.Name)
			}
		default:
			return fmt.Errorf("catalog: command %s: unknown response type %q", c.Name, c.Response.Type)
		}
	default:
		return fmt.Errorf("catalog: command %s: unknown response shape %q", c.Name, c.Response.Shape)
	}
	if c.Response.Count < 0 {
		return fmt.Errorf("catalog: command %s: negative list count", c.Name)
	}

	if err := c.Encoding.validate(); err != nil {
		return fmt.Errorf("catalog: command %s: %w", c.Name, err)
	}

	return nil
}

// Clone returns a deep copy of c.
func (c *CommandSpec) Clone() *CommandSpec {
	out := *c
	out.Params = make([]ParamSpec, len(c.Params))
	for i, p := range c.Params {
		if p.Min != nil {
			v := *p.Min
			p.Min = &v
		}
		if p.Max != nil {
			v := *p.Max
			p.Max = &v
		}
		p.Values = append([]string(nil), p.Values...)
		out.Params[i] = p
	}
	out.Response.Values = append([]string(nil), c.Response.Values...)
	out.Encoding = Encoding{}.Merge(c.Encoding)

	return &out
}
