// Package dispatch routes decoded inbound envelopes to handlers on two
// lanes and queues outbound envelopes for the active link.
package dispatch

import (
	"errors"
	"sync"

	"github.com/dkeye/Desk/internal/app/loop"
	"github.com/dkeye/Desk/internal/codec"
	"github.com/dkeye/Desk/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler consumes one decoded message.
type Handler func(domain.Message)

type route struct {
	lane domain.Lane
	h    Handler
}

// Dispatcher decodes each envelope once and hands it to its lane. The
// reliable lane runs handlers on the event loop in arrival order; the media
// lane runs them on its own goroutine and may drop under load.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[domain.TypeTag]route

	poster loop.Poster
	media  *MediaLane
	onDrop func(tag domain.TypeTag, reason string)
	log    zerolog.Logger
}

func New(p loop.Poster, media *MediaLane) *Dispatcher {
	return &Dispatcher{
		routes: make(map[domain.TypeTag]route),
		poster: p,
		media:  media,
		log:    log.With().Str("module", "dispatch").Logger(),
	}
}

// OnDrop installs a hook called for every envelope that is not delivered.
// Set it before the first Dispatch.
func (d *Dispatcher) OnDrop(fn func(tag domain.TypeTag, reason string)) { d.onDrop = fn }

// Register binds tag to h on lane, replacing any previous binding.
func (d *Dispatcher) Register(tag domain.TypeTag, lane domain.Lane, h Handler) {
	d.mu.Lock()
	d.routes[tag] = route{lane: lane, h: h}
	d.mu.Unlock()
}

func (d *Dispatcher) Unregister(tag domain.TypeTag) {
	d.mu.Lock()
	delete(d.routes, tag)
	d.mu.Unlock()
}

// Dispatch is called from reader goroutines. Unknown tags and payloads
// that fail to decode are logged and dropped.
func (d *Dispatcher) Dispatch(tag domain.TypeTag, payload []byte) {
	d.mu.RLock()
	r, ok := d.routes[tag]
	d.mu.RUnlock()
	if !ok {
		d.log.Warn().Stringer("tag", tag).Msg("no handler, envelope dropped")
		d.drop(tag, "unhandled")
		return
	}

	msg, err := codec.Decode(tag, payload)
	if err != nil {
		reason := "decode"
		if errors.Is(err, codec.ErrUnknownTag) {
			reason = "unknown_tag"
		}
		d.log.Warn().Err(err).Stringer("tag", tag).Msg("envelope dropped")
		d.drop(tag, reason)
		return
	}

	switch r.lane {
	case domain.LaneMedia:
		if d.media == nil || !d.media.Offer(msg, r.h) {
			d.drop(tag, "backpressure")
		}
	default:
		h := r.h
		if !d.poster.PostTask(func() { h(msg) }) {
			d.drop(tag, "loop_stopped")
		}
	}
}

func (d *Dispatcher) drop(tag domain.TypeTag, reason string) {
	if d.onDrop != nil {
		d.onDrop(tag, reason)
	}
}
