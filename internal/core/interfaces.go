// Package core declares the seams between the session engine and the
// adapters that move bytes, render frames and report status.
package core

import (
	"context"

	"github.com/dkeye/Desk/internal/domain"
)

// Link is an established data-plane transport. Exactly one is active per
// session; it is replaced wholesale on reconnect.
type Link interface {
	Kind() domain.TransportKind
	// SendReliable delivers in order. It may block; callers use a writer
	// goroutine.
	SendReliable(tag domain.TypeTag, payload []byte) error
	// SendUnreliable never blocks and may drop.
	SendUnreliable(tag domain.TypeTag, payload []byte) error
	Close()
}

// BackendEvents is the typed sink a Backend reports into. Calls may come
// from any goroutine.
type BackendEvents interface {
	// Negotiation asks for a key/value pair to be relayed to the host.
	Negotiation(key, value string)
	Connected(l Link)
	Failed(err error)
	// Frame is an inbound envelope on the established link.
	Frame(tag domain.TypeTag, payload []byte)
	// Closed reports loss of an established link.
	Closed(err error)
}

// Backend is one transport attempt for a single candidate kind.
type Backend interface {
	Kind() domain.TransportKind
	Start(ctx context.Context, ev BackendEvents) error
	// HandleRemote applies a negotiation pair relayed from the host.
	HandleRemote(key, value string)
	// Cancel aborts an attempt that has not connected yet.
	Cancel()
}

// BackendFactory builds a fresh Backend for a candidate.
type BackendFactory interface {
	NewBackend(c domain.TransportCandidate, cfg domain.SessionConfig) (Backend, error)
}

type BackendFactoryFunc func(c domain.TransportCandidate, cfg domain.SessionConfig) (Backend, error)

func (f BackendFactoryFunc) NewBackend(c domain.TransportCandidate, cfg domain.SessionConfig) (Backend, error) {
	return f(c, cfg)
}
