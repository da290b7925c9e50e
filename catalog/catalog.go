// Package catalog loads the instrument capability library: instrument types, series and
// models, the connection types each model supports, and the commands it understands.
//
// The library is YAML or JSON shaped as
//
//	{<instrument_type>: [{series_id, series_name, encoding, commands, models: [{id, name,
//	  encoding, interface: {supported_connection_types: [{type, defaults}]},
//	  capabilities, commands}]}]}
//
// optionally wrapped in an "instrument_library" object. Commands declared on a series are
// inherited by its models; encodings merge defaults -> series -> model -> command.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-instr/address"
)

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("catalog: not found")

// Catalog is a loaded, validated capability library.
type Catalog struct {
	types  map[string][]*Series
	models map[string]*Model
}

// Series is a family of models sharing an encoding and commands.
type Series struct {
	ID       string        `yaml:"series_id"`
	Name     string        `yaml:"series_name"`
	Encoding Encoding      `yaml:"encoding,omitempty"`
	Commands []CommandSpec `yaml:"commands,omitempty"`
	Models   []*Model      `yaml:"models"`

	instrumentType string
}

// Type returns the instrument type the series is listed under.
func (s *Series) Type() string { return s.instrumentType }

// Label returns the series name, or its ID when unnamed.
func (s *Series) Label() string {
	if s.Name != "" {
		return s.Name
	}

	return s.ID
}

// ConnectionType is one connection a model supports, with default field values.
type ConnectionType struct {
	Type     string         `yaml:"type"`
	Defaults map[string]any `yaml:"defaults,omitempty"`
}

// Interface lists the supported connection types of a model.
type Interface struct {
	SupportedConnectionTypes []ConnectionType `yaml:"supported_connection_types"`
}

// Model is one instrument model.
type Model struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Encoding     Encoding       `yaml:"encoding,omitempty"`
	Interface    Interface      `yaml:"interface"`
	Capabilities map[string]any `yaml:"capabilities,omitempty"`
	Commands     []CommandSpec  `yaml:"commands,omitempty"`

	series *Series
}

// Series returns the series the model belongs to.
func (m *Model) Series() *Series { return m.series }

// Type returns the instrument type of the model.
func (m *Model) Type() string { return m.series.instrumentType }

// Label returns the model name, or its ID when unnamed.
func (m *Model) Label() string {
	if m.Name != "" {
		return m.Name
	}

	return m.ID
}

// Load reads a library from r.
func Load(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("catalog: read: %w", err)
	}

	return Parse(data)
}

// LoadFile reads a library file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w (file %s)", err, path)
	}

	return c, nil
}

// Parse decodes and validates a library document.
func Parse(data []byte) (*Catalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("catalog: empty document")
	}

	var wrapped struct {
		Library map[string][]*Series `yaml:"instrument_library"`
	}
	if err := yaml.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if wrapped.Library != nil {
		return build(wrapped.Library)
	}

	var lib map[string][]*Series
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}

	return build(lib)
}

func build(lib map[string][]*Series) (*Catalog, error) {
	c := &Catalog{types: lib, models: make(map[string]*Model)}

	for typ, series := range lib {
		for i, s := range series {
			if s == nil || s.ID == "" {
				return nil, fmt.Errorf("catalog: %s[%d]: missing series_id", typ, i)
			}
			s.instrumentType = typ

			if err := s.Encoding.validate(); err != nil {
				return nil, fmt.Errorf("catalog: series %s: %w", s.ID, err)
			}
			if err := validateCommands(s.Commands); err != nil {
				return nil, fmt.Errorf("catalog: series %s: %w", s.ID, err)
			}

			for j, m := range s.Models {
				if m == nil || m.ID == "" {
					return nil, fmt.Errorf("catalog: series %s: model %d: missing id", s.ID, j)
				}
				if _, dup := c.models[m.ID]; dup {
					return nil, fmt.Errorf("catalog: duplicate model id %s", m.ID)
				}
				m.series = s

				if err := m.validate(); err != nil {
					return nil, err
				}
				c.models[m.ID] = m
			}
		}
	}

	return c, nil
}

func validateCommands(cmds []CommandSpec) error {
	seen := make(map[string]bool, len(cmds))
	for i := range cmds {
		if err := cmds[i].Validate(); err != nil {
			return err
		}
		if seen[cmds[i].Name] {
			return fmt.Errorf("duplicate command %s", cmds[i].Name)
		}
		seen[cmds[i].Name] = true
	}

	return nil
}

func (m *Model) validate() error {
	if err := m.Encoding.validate(); err != nil {
		return fmt.Errorf("catalog: model %s: %w", m.ID, err)
	}
	if err := validateCommands(m.Commands); err != nil {
		return fmt.Errorf("catalog: model %s: %w", m.ID, err)
	}
	for _, ct := range m.Interface.SupportedConnectionTypes {
		if _, err := address.ParseMedium(ct.Type); err != nil {
			return fmt.Errorf("catalog: model %s: %w", m.ID, err)
		}
	}

	return nil
}

// Types returns the instrument types in lexical order.
func (c *Catalog) Types() []string {
	out := make([]string, 0, len(c.types))
	for typ := range c.types {
		out = append(out, typ)
	}
	sort.Strings(out)

	return out
}

// Series returns the series listed under an instrument type.
func (c *Catalog) Series(typ string) []*Series {
	return c.types[typ]
}

// Models returns every model ordered by ID.
func (c *Catalog) Models() []*Model {
	out := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// FindModel returns the model with the given generic ID.
func (c *Catalog) FindModel(id string) (*Model, error) {
	if m, ok := c.models[id]; ok {
		return m, nil
	}

	return nil, fmt.Errorf("%w: model %s", ErrNotFound, id)
}

// Lookup returns a model by instrument type, series ID and model ID.
func (c *Catalog) Lookup(typ, seriesID, modelID string) (*Model, error) {
	for _, s := range c.types[typ] {
		if s.ID != seriesID {
			continue
		}
		for _, m := range s.Models {
			if m.ID == modelID {
				return m, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, typ, seriesID, modelID)
}

// Resolve accepts either a model ID or a "type/series/model" reference.
func (c *Catalog) Resolve(ref string) (*Model, error) {
	if parts := strings.Split(ref, "/"); len(parts) == 3 {
		return c.Lookup(parts[0], parts[1], parts[2])
	}

	return c.FindModel(ref)
}

// Command returns the effective command called name: model commands shadow series
// commands, and the encoding is merged defaults -> series -> model -> command.
// The result is a copy the caller may modify.
func (m *Model) Command(name string) (*CommandSpec, error) {
	var found *CommandSpec
	for i := range m.Commands {
		if m.Commands[i].Name == name {
			found = &m.Commands[i]
			break
		}
	}
	if found == nil {
		for i := range m.series.Commands {
			if m.series.Commands[i].Name == name {
				found = &m.series.Commands[i]
				break
			}
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: command %s on model %s", ErrNotFound, name, m.ID)
	}

	cmd := found.Clone()
	cmd.Encoding = m.EffectiveEncoding().Merge(found.Encoding)

	return cmd, nil
}

// CommandNames returns the names of every command available on the model, sorted.
func (m *Model) CommandNames() []string {
	seen := make(map[string]bool)
	for _, c := range m.series.Commands {
		seen[c.Name] = true
	}
	for _, c := range m.Commands {
		seen[c.Name] = true
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)

	return out
}

// EffectiveEncoding returns the defaults merged with the series and model encodings.
func (m *Model) EffectiveEncoding() Encoding {
	return DefaultEncoding().Merge(m.series.Encoding).Merge(m.Encoding)
}

func (m *Model) connection(medium address.Medium) (ConnectionType, bool) {
	for _, ct := range m.Interface.SupportedConnectionTypes {
		if mm, err := address.ParseMedium(ct.Type); err == nil && mm == medium {
			return ct, true
		}
	}

	return ConnectionType{}, false
}

// Supports reports whether the model lists a connection type of medium.
func (m *Model) Supports(medium address.Medium) bool {
	_, ok := m.connection(medium)
	return ok
}

// Media returns the media the model supports, in declaration order.
func (m *Model) Media() []address.Medium {
	var out []address.Medium
	for _, ct := range m.Interface.SupportedConnectionTypes {
		if mm, err := address.ParseMedium(ct.Type); err == nil {
			out = append(out, mm)
		}
	}

	return out
}

// DefaultFields returns the default address fields the model declares for medium.
func (m *Model) DefaultFields(medium address.Medium) address.Fields {
	ct, ok := m.connection(medium)
	if !ok || len(ct.Defaults) == 0 {
		return address.Fields{}
	}

	out := make(address.Fields, len(ct.Defaults))
	for k, v := range ct.Defaults {
		out[k] = fmt.Sprint(v)
	}

	return out
}

// Channel is one channel listed in a model's capabilities.
type Channel struct {
	ID    string
	Label string
}

// Channels returns the channels from capabilities.channels, which is either a count or a
// list of {channel_id, label} objects.
func (m *Model) Channels() []Channel {
	switch v := m.Capabilities["channels"].(type) {
	case int:
		out := make([]Channel, v)
		for i := range out {
			out[i] = Channel{ID: fmt.Sprintf("CH%d", i+1), Label: fmt.Sprintf("Channel %d", i+1)}
		}

		return out
	case []any:
		out := make([]Channel, 0, len(v))
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			ch := Channel{ID: fmt.Sprint(obj["channel_id"]), Label: fmt.Sprint(obj["label"])}
			if obj["channel_id"] == nil {
				ch.ID = fmt.Sprintf("CH%d", i+1)
			}
			if obj["label"] == nil {
				ch.Label = ch.ID
			}
			out = append(out, ch)
		}

		return out
	default:
		return nil
	}
}
