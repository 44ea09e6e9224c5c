package registry

import (
	"encoding/json"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"dyn-rpc/message"
)

// ServiceInfo is one (interface, version) pair offered by an endpoint.
type ServiceInfo struct {
	Name    string `json:"serviceName"`
	Version string `json:"version"`
}

func (s ServiceInfo) Key() string {
	return message.ServiceKey(s.Name, s.Version)
}

// Endpoint is a server process: its address plus the services it offers.
//
// Endpoints are values. Two endpoints are the same endpoint iff host, port and the
// service set are equal (service order does not matter). An endpoint is never mutated
// after construction; a change in discovery replaces it wholesale.
type Endpoint struct {
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Services []ServiceInfo `json:"serviceInfoList"`
}

// NewEndpoint copies services so the caller cannot mutate the endpoint afterwards.
func NewEndpoint(host string, port int, services ...ServiceInfo) Endpoint {
	return Endpoint{Host: host, Port: port, Services: slices.Clone(services)}
}

// ParseEndpoint decodes the JSON form stored in the coordination service.
func ParseEndpoint(data []byte) (Endpoint, error) {
	var ep Endpoint
	if err := json.Unmarshal(data, &ep); err != nil {
		return Endpoint{}, fmt.Errorf("registry: parse endpoint: %w", err)
	}
	if ep.Host == "" || ep.Port <= 0 || ep.Port > 65535 {
		return Endpoint{}, fmt.Errorf("registry: parse endpoint: invalid address %q:%d", ep.Host, ep.Port)
	}
	return ep, nil
}

func (e Endpoint) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Addr returns the dialable "host:port".
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ServiceKeys returns the sorted, de-duplicated service keys.
func (e Endpoint) ServiceKeys() []string {
	keys := make([]string, 0, len(e.Services))
	for _, s := range e.Services {
		keys = append(keys, s.Key())
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// ID is the canonical identity of the endpoint, used as map key on the client side.
func (e Endpoint) ID() string {
	return e.Addr() + "|" + strings.Join(e.ServiceKeys(), ",")
}

func (e Endpoint) Equal(o Endpoint) bool {
	return e.ID() == o.ID()
}

// Serves reports whether the endpoint advertises serviceKey.
func (e Endpoint) Serves(serviceKey string) bool {
	for _, s := range e.Services {
		if s.Key() == serviceKey {
			return true
		}
	}
	return false
}

func (e Endpoint) String() string {
	return e.ID()
}
