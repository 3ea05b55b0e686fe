// Package codec serializes payloads exchanged with remote nodes and written
// to dead-letter sinks.
package codec

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec is the serialization contract for payloads and envelopes.
type Codec interface {
	// Marshal serializes v to bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes data into v.
	Unmarshal(data []byte, v any) error

	// Name returns the codec identifier used in headers and blob metadata.
	Name() string

	// ContentType returns the MIME type of the encoded form.
	ContentType() string
}

// Codec names for format negotiation.
const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// Get returns a codec by name. Unknown names default to MessagePack, the
// format remote nodes speak.
func Get(name string) Codec {
	switch name {
	case NameJSON:
		return JSON{}
	default:
		return Msgpack{}
	}
}

// JSON encodes with encoding/json.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSON) Name() string                       { return NameJSON }
func (JSON) ContentType() string                { return "application/json" }

// Msgpack encodes with MessagePack.
type Msgpack struct{}

func (Msgpack) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (Msgpack) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (Msgpack) Name() string                       { return NameMsgpack }
func (Msgpack) ContentType() string                { return "application/msgpack" }
