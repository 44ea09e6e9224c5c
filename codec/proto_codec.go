package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"dyn-rpc/message"
)

// ProtoCodec encodes envelopes in the protobuf wire format against a fixed schema:
//
//	message Request {                 message Response {
//	  string id              = 1;       string id     = 1;
//	  string class_name      = 2;       string error  = 2;
//	  string method_name     = 3;       bytes  result = 3;
//	  repeated string param_types = 4;  }
//	  repeated bytes  params = 5;
//	  string version         = 6;
//	}
//
// Any protobuf implementation speaking this schema can interoperate. Unknown fields are skipped.
type ProtoCodec struct{}

const (
	fieldID         protowire.Number = 1
	fieldClassName  protowire.Number = 2
	fieldMethodName protowire.Number = 3
	fieldParamTypes protowire.Number = 4
	fieldParams     protowire.Number = 5
	fieldVersion    protowire.Number = 6

	fieldError  protowire.Number = 2
	fieldResult protowire.Number = 3
)

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.Request:
		var b []byte
		b = appendString(b, fieldID, msg.ID)
		b = appendString(b, fieldClassName, msg.ClassName)
		b = appendString(b, fieldMethodName, msg.MethodName)
		for _, t := range msg.ParamTypes {
			b = protowire.AppendTag(b, fieldParamTypes, protowire.BytesType)
			b = protowire.AppendString(b, t)
		}
		for _, p := range msg.Params {
			b = protowire.AppendTag(b, fieldParams, protowire.BytesType)
			b = protowire.AppendBytes(b, p)
		}
		b = appendString(b, fieldVersion, msg.Version)
		return b, nil
	case *message.Response:
		var b []byte
		b = appendString(b, fieldID, msg.ID)
		b = appendString(b, fieldError, msg.Error)
		if len(msg.Result) > 0 {
			b = protowire.AppendTag(b, fieldResult, protowire.BytesType)
			b = protowire.AppendBytes(b, msg.Result)
		}
		return b, nil
	}
	return nil, fmt.Errorf("ProtoCodec: %w: %T", ErrUnsupported, v)
}

func (c *ProtoCodec) Decode(data []byte, v any) error {
	switch msg := v.(type) {
	case *message.Request:
		return consumeFields(data, func(num protowire.Number, val []byte) {
			switch num {
			case fieldID:
				msg.ID = string(val)
			case fieldClassName:
				msg.ClassName = string(val)
			case fieldMethodName:
				msg.MethodName = string(val)
			case fieldParamTypes:
				msg.ParamTypes = append(msg.ParamTypes, string(val))
			case fieldParams:
				msg.Params = append(msg.Params, json.RawMessage(cloneBytes(val)))
			case fieldVersion:
				msg.Version = string(val)
			}
		})
	case *message.Response:
		return consumeFields(data, func(num protowire.Number, val []byte) {
			switch num {
			case fieldID:
				msg.ID = string(val)
			case fieldError:
				msg.Error = string(val)
			case fieldResult:
				msg.Result = json.RawMessage(cloneBytes(val))
			}
		})
	}
	return fmt.Errorf("ProtoCodec: %w: %T", ErrUnsupported, v)
}

func (c *ProtoCodec) Type() Type {
	return TypeProto
}

// appendString omits empty strings, as proto3 does for default values.
func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// consumeFields walks every field of a message and hands length-delimited values to fn.
// Fields of other wire types are skipped.
func consumeFields(b []byte, fn func(num protowire.Number, val []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("ProtoCodec: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("ProtoCodec: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		val, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("ProtoCodec: bad field %d: %w", num, protowire.ParseError(n))
		}
		fn(num, val)
		b = b[n:]
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
