package catalog

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChannelAssignment maps a project signal to an instrument channel.
type ChannelAssignment struct {
	SignalName    string `yaml:"signal_name,omitempty" json:"signal_name,omitempty"`
	ChannelName   string `yaml:"channel_name,omitempty" json:"channel_name,omitempty"`
	ChannelID     string `yaml:"channel_id,omitempty" json:"channel_id,omitempty"`
	ChannelNumber string `yaml:"channel_number,omitempty" json:"channel_number,omitempty"`
}

// Name returns the signal or channel name.
func (a ChannelAssignment) Name() string {
	if a.SignalName != "" {
		return a.SignalName
	}

	return a.ChannelName
}

// Channel returns the channel ID or number.
func (a ChannelAssignment) Channel() string {
	if a.ChannelID != "" {
		return a.ChannelID
	}

	return a.ChannelNumber
}

// Instance is one configured instrument of a project.
type Instance struct {
	Name               string              `yaml:"instance_name" json:"instance_name"`
	GenericID          string              `yaml:"instrument_generic_id" json:"instrument_generic_id"`
	ConnectionType     string              `yaml:"actual_connection_type" json:"actual_connection_type"`
	Address            string              `yaml:"actual_visa_address" json:"actual_visa_address"`
	ChannelAssignments []ChannelAssignment `yaml:"channel_assignments,omitempty" json:"channel_assignments,omitempty"`
}

// Instances is the content of an instrument instance file.
type Instances struct {
	Instruments []Instance `yaml:"instruments" json:"instruments"`
}

// Find returns the instance called name.
func (in *Instances) Find(name string) (Instance, error) {
	for _, i := range in.Instruments {
		if i.Name == name {
			return i, nil
		}
	}

	return Instance{}, fmt.Errorf("%w: instance %s", ErrNotFound, name)
}

// ParseInstances decodes an instance document (YAML or JSON).
func ParseInstances(data []byte) (*Instances, error) {
	var in Instances
	if err := yaml.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("catalog: decode instances: %w", err)
	}

	seen := make(map[string]bool, len(in.Instruments))
	for i, inst := range in.Instruments {
		if inst.Name == "" {
			return nil, fmt.Errorf("catalog: instance %d: missing instance_name", i)
		}
		if seen[inst.Name] {
			return nil, fmt.Errorf("catalog: duplicate instance %s", inst.Name)
		}
		seen[inst.Name] = true
		if inst.GenericID == "" {
			return nil, fmt.Errorf("catalog: instance %s: missing instrument_generic_id", inst.Name)
		}
	}

	return &in, nil
}

// LoadInstances reads an instance file.
func LoadInstances(path string) (*Instances, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("catalog: empty instance file")
	}

	return ParseInstances(data)
}
