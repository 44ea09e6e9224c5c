// Package registry connects the RPC runtime to the coordination service.
//
// Servers publish their Endpoint through a Publisher; clients receive the live set of
// endpoints through a Discovery, which feeds a Listener (the client's connection manager):
//
//	server ──Register──► etcd ──watch──► Discovery ──Reconcile/ApplyDelta──► Listener
package registry

import "context"

// EventKind classifies one discovery notification.
type EventKind int

const (
	Added EventKind = iota
	Updated
	Removed
	// Reconnected means the subscription was re-established; the full list must be re-fetched.
	Reconnected
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	case Reconnected:
		return "reconnected"
	}
	return "unknown"
}

// Listener consumes discovery output.
type Listener interface {
	// Reconcile replaces the known endpoint set with a complete snapshot.
	// An empty snapshot means "no endpoints", not "no change".
	Reconcile(endpoints []Endpoint)
	// ApplyDelta applies a single change.
	ApplyDelta(endpoint Endpoint, kind EventKind)
}

// Discovery delivers the initial endpoint list and then live updates to a Listener.
// Watch blocks until ctx is done.
type Discovery interface {
	Watch(ctx context.Context, l Listener) error
}

// Publisher makes a server's endpoint visible to clients.
type Publisher interface {
	Register(ctx context.Context, endpoint Endpoint) error
	Deregister(ctx context.Context, endpoint Endpoint) error
}
