package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"dyn-rpc/message"
)

// BinaryCodec lays the envelope fields out one after another, every variable-size
// field preceded by its length (big-endian):
//
//	Request:  kind=1 | id | className | methodName | n(u16) paramTypes... | n(u16) params... | version
//	Response: kind=2 | id | error | result
//
//	strings: u16 length + bytes      params/result: u32 length + bytes
type BinaryCodec struct{}

const (
	kindRequest  byte = 1
	kindResponse byte = 2
)

var errTruncated = errors.New("BinaryCodec: truncated input")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.Request:
		return encodeBinaryRequest(msg)
	case *message.Response:
		return encodeBinaryResponse(msg)
	}
	return nil, fmt.Errorf("BinaryCodec: %w: %T", ErrUnsupported, v)
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := &binReader{buf: data}
	switch msg := v.(type) {
	case *message.Request:
		if kind := r.byte(); r.err == nil && kind != kindRequest {
			return fmt.Errorf("BinaryCodec: expect request, got kind %d", kind)
		}
		msg.ID = r.string()
		msg.ClassName = r.string()
		msg.MethodName = r.string()
		if n := int(r.uint16()); r.err == nil && n > 0 {
			msg.ParamTypes = make([]string, 0, n)
			for i := 0; i < n && r.err == nil; i++ {
				msg.ParamTypes = append(msg.ParamTypes, r.string())
			}
		}
		if n := int(r.uint16()); r.err == nil && n > 0 {
			msg.Params = make([]json.RawMessage, 0, n)
			for i := 0; i < n && r.err == nil; i++ {
				msg.Params = append(msg.Params, r.bytes())
			}
		}
		msg.Version = r.string()
	case *message.Response:
		if kind := r.byte(); r.err == nil && kind != kindResponse {
			return fmt.Errorf("BinaryCodec: expect response, got kind %d", kind)
		}
		msg.ID = r.string()
		msg.Error = r.string()
		msg.Result = r.bytes()
	default:
		return fmt.Errorf("BinaryCodec: %w: %T", ErrUnsupported, v)
	}
	return r.err
}

func (c *BinaryCodec) Type() Type {
	return TypeBinary
}

func encodeBinaryRequest(msg *message.Request) ([]byte, error) {
	if len(msg.ParamTypes) > math.MaxUint16 || len(msg.Params) > math.MaxUint16 {
		return nil, errors.New("BinaryCodec: too many parameters")
	}
	w := &binWriter{buf: make([]byte, 0, 64)}
	w.buf = append(w.buf, kindRequest)
	w.string(msg.ID)
	w.string(msg.ClassName)
	w.string(msg.MethodName)
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(msg.ParamTypes)))
	for _, t := range msg.ParamTypes {
		w.string(t)
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(msg.Params)))
	for _, p := range msg.Params {
		w.bytes(p)
	}
	w.string(msg.Version)
	return w.buf, w.err
}

func encodeBinaryResponse(msg *message.Response) ([]byte, error) {
	w := &binWriter{buf: make([]byte, 0, 32+len(msg.Result))}
	w.buf = append(w.buf, kindResponse)
	w.string(msg.ID)
	w.string(msg.Error)
	w.bytes(msg.Result)
	return w.buf, w.err
}

type binWriter struct {
	buf []byte
	err error
}

func (w *binWriter) string(s string) {
	if len(s) > math.MaxUint16 {
		w.err = fmt.Errorf("BinaryCodec: string field too long (%d bytes)", len(s))
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *binWriter) bytes(b []byte) {
	if uint64(len(b)) > math.MaxUint32 {
		w.err = errors.New("BinaryCodec: bytes field too long")
		return
	}
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// binReader reads fields sequentially; after the first failure every read is a no-op
// and err holds the failure.
type binReader struct {
	buf []byte
	off int
	err error
}

func (r *binReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = errTruncated
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binReader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *binReader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *binReader) string() string {
	n := r.uint16()
	return string(r.take(int(n)))
}

func (r *binReader) bytes() []byte {
	b := r.take(4)
	if b == nil {
		return nil
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) > uint64(len(r.buf)-r.off) {
		r.err = errTruncated
		return nil
	}
	body := r.take(int(n))
	if body == nil {
		return nil
	}
	// Copy so the decoded message does not alias the frame buffer
	out := make([]byte, len(body))
	copy(out, body)
	return out
}
