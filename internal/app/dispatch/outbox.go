package dispatch

import (
	"sync"
	"time"

	"github.com/dkeye/Desk/internal/core"
	"github.com/dkeye/Desk/internal/domain"
	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Outbox owns the write side of one link. Reliable envelopes go through a
// FIFO drained by a writer goroutine; unreliable ones are handed to the
// link straight away.
type Outbox struct {
	link core.Link

	mu       sync.Mutex
	q        *queue.Queue
	closed   bool
	draining bool
	inflight bool
	idle     chan struct{}

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once

	onError func(error)
	log     zerolog.Logger
}

func NewOutbox(link core.Link, onError func(error)) *Outbox {
	o := &Outbox{
		link:    link,
		q:       queue.New(),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		onError: onError,
		log: log.With().Str("module", "outbox").
			Stringer("link", link.Kind()).Logger(),
	}
	go o.writer()
	return o
}

// Send submits env. It never blocks.
func (o *Outbox) Send(env domain.OutboundEnvelope) error {
	if !env.Reliable {
		o.mu.Lock()
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return domain.ErrClosed
		}
		return o.link.SendUnreliable(env.Tag, env.Payload)
	}

	o.mu.Lock()
	if o.closed || o.draining {
		o.mu.Unlock()
		return domain.ErrClosed
	}
	o.q.Add(env)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns queued reliable envelopes, including one being written.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.q.Length()
	if o.inflight {
		n++
	}
	return n
}

func (o *Outbox) writer() {
	defer close(o.done)
	for {
		env, ok := o.next()
		if !ok {
			select {
			case <-o.quit:
				return
			case <-o.wake:
				continue
			}
		}
		err := o.link.SendReliable(env.Tag, env.Payload)
		o.mu.Lock()
		o.inflight = false
		o.mu.Unlock()
		if err != nil {
			o.log.Warn().Err(err).Stringer("tag", env.Tag).Msg("reliable send failed, outbox closed")
			o.shut()
			if o.onError != nil {
				o.onError(err)
			}
			return
		}
	}
}

func (o *Outbox) next() (domain.OutboundEnvelope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.q.Length() == 0 {
		if o.idle != nil && !o.inflight {
			close(o.idle)
			o.idle = nil
		}
		return domain.OutboundEnvelope{}, false
	}
	o.inflight = true
	return o.q.Remove().(domain.OutboundEnvelope), true
}

// Drain stops accepting reliable envelopes and waits up to grace for the
// queue to empty. It reports whether everything was written. The outbox
// is closed afterwards either way.
func (o *Outbox) Drain(grace time.Duration) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return o.q.Length() == 0
	}
	o.draining = true
	if o.q.Length() == 0 && !o.inflight {
		o.mu.Unlock()
		o.Close()
		return true
	}
	idle := make(chan struct{})
	o.idle = idle
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}

	t := time.NewTimer(grace)
	defer t.Stop()
	flushed := false
	select {
	case <-idle:
		flushed = true
	case <-o.done:
		flushed = o.Pending() == 0
	case <-t.C:
		o.log.Warn().Int("pending", o.Pending()).Msg("drain grace expired")
	}
	o.Close()
	return flushed
}

func (o *Outbox) shut() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.once.Do(func() { close(o.quit) })
}

// Close drops pending envelopes and stops the writer. It does not close
// the link. A write in progress is not waited for.
func (o *Outbox) Close() {
	o.shut()
}
