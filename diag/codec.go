package diag

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec serializes events for external sinks.
type Codec interface {
	// Name is the codec name used in configuration and message headers.
	Name() string
	Marshal(e Event) ([]byte, error)
	Unmarshal(data []byte, e *Event) error
}

var (
	eventEncMode cbor.EncMode
	eventDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	eventEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("diag: failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	eventDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("diag: failed to create CBOR decoder mode: %v", err))
	}
}

// JSONCodec encodes events as JSON objects.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(e Event) ([]byte, error) { return json.Marshal(e) }

func (JSONCodec) Unmarshal(data []byte, e *Event) error { return json.Unmarshal(data, e) }

// CBORCodec encodes events as canonical CBOR maps keyed by the JSON field names.
type CBORCodec struct{}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Marshal(e Event) ([]byte, error) { return eventEncMode.Marshal(e) }

func (CBORCodec) Unmarshal(data []byte, e *Event) error { return eventDecMode.Unmarshal(data, e) }

// CodecByName returns the codec called name ("json" or "cbor", case-insensitive).
// An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("diag: unknown codec %q", name)
	}
}
