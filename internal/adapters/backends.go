// Package adapters wires the concrete transports and headless sinks into
// the session engine.
package adapters

import (
	"fmt"
	"time"

	"github.com/dkeye/Desk/internal/adapters/rtc"
	"github.com/dkeye/Desk/internal/adapters/tcp"
	"github.com/dkeye/Desk/internal/core"
	"github.com/dkeye/Desk/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Backends builds a fresh backend per candidate: a TCP stream for Direct
// and a peer connection for the two P2P kinds.
type Backends struct {
	api         *webrtc.API
	dialTimeout time.Duration
}

var _ core.BackendFactory = (*Backends)(nil)

func NewBackends(loopback bool, dialTimeout time.Duration) (*Backends, error) {
	api, err := rtc.NewAPI(loopback)
	if err != nil {
		return nil, err
	}
	return &Backends{api: api, dialTimeout: dialTimeout}, nil
}

func (b *Backends) NewBackend(c domain.TransportCandidate, cfg domain.SessionConfig) (core.Backend, error) {
	switch c.Kind {
	case domain.Direct:
		return tcp.NewBackend(cfg.ClientID(), b.dialTimeout), nil
	case domain.P2P, domain.RelayedP2P:
		return rtc.NewBackend(b.api, c.Kind, cfg), nil
	default:
		return nil, fmt.Errorf("no backend for transport %s", c.Kind)
	}
}
