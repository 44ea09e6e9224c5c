// Package message defines the call envelopes exchanged between client and server.
//
// A Request travels client → server, a Response travels server → client. Both are
// serialized by the codec layer and wrapped in a length-prefixed frame by the protocol
// layer. The envelope codec and the argument encoding are independent: argument values
// and results are always carried as JSON documents inside the envelope.
package message

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// HeartbeatID is the reserved correlation id of heartbeat pings and pongs.
// It never collides with a real call because real ids are UUIDs.
const HeartbeatID = "BEAT_PING_PONG"

// serviceKeySep joins interface name and version in a service key.
const serviceKeySep = "#"

// ServiceKey derives the routing/dispatch key for an interface and version.
// A blank version yields the bare name, so ("Foo", "") and ("Foo", "1.0") are distinct keys.
func ServiceKey(name, version string) string {
	if strings.TrimSpace(version) == "" {
		return name
	}
	return name + serviceKeySep + version
}

// SplitServiceKey is the inverse of ServiceKey.
func SplitServiceKey(key string) (name, version string) {
	name, version, _ = strings.Cut(key, serviceKeySep)
	return name, version
}

// Request carries one call.
//
//   - ID is unique per outstanding call and is echoed back in the Response.
//   - ClassName + Version select the service, MethodName + len(Params) select the method.
//   - ParamTypes is informational (the Go type of each argument on the caller side).
type Request struct {
	ID         string            `json:"requestId"`
	ClassName  string            `json:"className"`
	MethodName string            `json:"methodName"`
	ParamTypes []string          `json:"parameterTypes,omitempty"`
	Params     []json.RawMessage `json:"parameters,omitempty"`
	Version    string            `json:"version,omitempty"`
}

// Response carries the outcome of one call. Error is non-empty if the call failed.
type Response struct {
	ID     string          `json:"requestId"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// NewRequest builds a Request with a fresh correlation id, JSON-encoding every argument.
func NewRequest(className, methodName, version string, args ...any) (*Request, error) {
	req := &Request{
		ID:         uuid.NewString(),
		ClassName:  className,
		MethodName: methodName,
		Version:    version,
		ParamTypes: make([]string, len(args)),
		Params:     make([]json.RawMessage, len(args)),
	}
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("message: encode argument %d of %s.%s: %w", i, className, methodName, err)
		}
		req.ParamTypes[i] = fmt.Sprintf("%T", arg)
		req.Params[i] = raw
	}
	return req, nil
}

// NewHeartbeat returns a ping request.
func NewHeartbeat() *Request {
	return &Request{ID: HeartbeatID}
}

// ServiceKey returns the key this request is routed and dispatched by.
func (r *Request) ServiceKey() string {
	return ServiceKey(r.ClassName, r.Version)
}

func (r *Request) IsHeartbeat() bool {
	return r.ID == HeartbeatID
}

func (r *Response) IsHeartbeat() bool {
	return r.ID == HeartbeatID
}

// IsError reports whether the response carries a failure.
func (r *Response) IsError() bool {
	return r.Error != ""
}

// NewResult builds a successful Response, JSON-encoding the result value.
func NewResult(id string, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("message: encode result: %w", err)
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewError builds a failed Response.
func NewError(id string, format string, a ...any) *Response {
	return &Response{ID: id, Error: fmt.Sprintf(format, a...)}
}
