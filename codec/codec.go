// Package codec serializes call envelopes (*message.Request, *message.Response) into the
// opaque payload of a frame.
//
// Three interchangeable codecs are provided:
//   - JSON:   reflective, human-readable, easy to debug
//   - Binary: hand-written length-prefixed layout, compact, no reflection
//   - Proto:  schema-based, protobuf wire format with fixed field numbers
//
// Client and server must be configured with the same codec; nothing is negotiated in-band.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

type Type byte

const (
	TypeJSON   Type = 0
	TypeBinary Type = 1
	TypeProto  Type = 2
)

// ErrUnsupported is returned when a codec is asked to handle a value it has no layout for.
var ErrUnsupported = errors.New("codec: unsupported value")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() Type
}

func (t Type) String() string {
	switch t {
	case TypeJSON:
		return "json"
	case TypeBinary:
		return "binary"
	case TypeProto:
		return "proto"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

// ParseType maps a configuration name ("json", "binary", "proto") to a Type.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "json", "":
		return TypeJSON, nil
	case "binary":
		return TypeBinary, nil
	case "proto", "protobuf":
		return TypeProto, nil
	}
	return 0, fmt.Errorf("codec: unknown codec %q", name)
}

// Get returns the codec for t.
func Get(t Type) (Codec, error) {
	switch t {
	case TypeJSON:
		return &JSONCodec{}, nil
	case TypeBinary:
		return &BinaryCodec{}, nil
	case TypeProto:
		return &ProtoCodec{}, nil
	}
	return nil, fmt.Errorf("codec: unknown codec type %d", byte(t))
}
