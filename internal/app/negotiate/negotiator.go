// Package negotiate walks the transport candidates in priority order until
// one backend yields a link.
package negotiate

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/dkeye/Desk/internal/app/loop"
	"github.com/dkeye/Desk/internal/core"
	"github.com/dkeye/Desk/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Channel carries negotiation pairs to the host, normally the signaling
// session.
type Channel interface {
	SendRelayed(msg domain.RelayedMessage) error
}

type ChannelFunc func(domain.RelayedMessage) error

func (f ChannelFunc) SendRelayed(msg domain.RelayedMessage) error { return f(msg) }

// Result is a successful negotiation.
type Result struct {
	Link      core.Link
	Candidate domain.TransportCandidate
	Attempts  int
}

// Negotiator runs one attempt at a time. All methods run on the event loop.
type Negotiator struct {
	poster  loop.Poster
	factory core.BackendFactory
	cfg     domain.SessionConfig
	timeout time.Duration
	log     zerolog.Logger

	// OnFrame receives inbound envelopes of the established link, on the
	// backend's goroutine.
	OnFrame func(tag domain.TypeTag, payload []byte)
	// OnLinkClosed is posted to the loop when the established link drops.
	OnLinkClosed func(err error)
	// OnAttempt is called as each candidate starts.
	OnAttempt func(c domain.TransportCandidate)

	attempt     uint64
	live        atomic.Uint64
	running     bool
	candidates  []domain.TransportCandidate
	idx         int
	errs        []error
	current     core.Backend
	cancelCtx   context.CancelFunc
	timer       *loop.Timer
	channel     Channel
	done        func(Result, error)
	established core.Backend
}

func New(p loop.Poster, f core.BackendFactory, cfg domain.SessionConfig) *Negotiator {
	return &Negotiator{
		poster:  p,
		factory: f,
		cfg:     cfg,
		timeout: cfg.Tuning().CandidateTimeout,
		log:     log.With().Str("module", "negotiate").Logger(),
	}
}

// Negotiate tries candidates by ascending priority. done is called exactly
// once with either a link or a *domain.NegotiationFailedError, unless
// Cancel is called first.
func (n *Negotiator) Negotiate(candidates []domain.TransportCandidate, ch Channel, done func(Result, error)) {
	n.Cancel()
	n.candidates = slices.Clone(candidates)
	slices.SortStableFunc(n.candidates, func(a, b domain.TransportCandidate) int {
		return cmp.Compare(a.Priority, b.Priority)
	})
	n.idx = 0
	n.errs = n.errs[:0]
	n.channel = ch
	n.done = done
	n.running = true
	n.next()
}

func (n *Negotiator) Running() bool { return n.running }

func (n *Negotiator) next() {
	if n.idx >= len(n.candidates) {
		n.exhausted()
		return
	}
	c := n.candidates[n.idx]
	n.idx++
	n.attempt++
	id := n.attempt

	if n.OnAttempt != nil {
		n.OnAttempt(c)
	}
	lg := n.log.With().Stringer("kind", c.Kind).Uint64("attempt", id).Logger()

	b, err := n.factory.NewBackend(c, n.cfg)
	if err != nil {
		lg.Warn().Err(err).Msg("backend unavailable")
		n.errs = append(n.errs, err)
		n.next()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.current, n.cancelCtx = b, cancel
	n.timer = n.poster.PostDelayTask(n.timeout, func() {
		n.fail(id, fmt.Errorf("%s: %w", c.Kind, context.DeadlineExceeded))
	})

	lg.Info().Dur("timeout", n.timeout).Msg("attempt started")
	if err := b.Start(ctx, &sink{n: n, id: id, kind: c.Kind}); err != nil {
		n.fail(id, err)
	}
}

func (n *Negotiator) fail(id uint64, err error) {
	if id != n.attempt || !n.running || n.current == nil {
		return
	}
	c := n.candidates[n.idx-1]
	n.log.Warn().Err(err).Stringer("kind", c.Kind).Msg("attempt failed")
	n.errs = append(n.errs, err)
	n.stopAttempt()
	n.next()
}

func (n *Negotiator) connected(id uint64, l core.Link) {
	if id != n.attempt || !n.running || n.current == nil {
		n.live.CompareAndSwap(id, 0)
		l.Close()
		return
	}
	c := n.candidates[n.idx-1]
	n.timer.Cancel()
	n.timer = nil
	n.established = n.current
	n.current = nil
	n.running = false

	n.log.Info().Stringer("kind", c.Kind).Int("attempts", n.idx).Msg("transport established")
	done := n.done
	n.done = nil
	done(Result{Link: l, Candidate: c, Attempts: n.idx}, nil)
}

func (n *Negotiator) exhausted() {
	n.running = false
	allPermission := len(n.errs) > 0
	for _, err := range n.errs {
		if !domain.IsPermission(err) {
			allPermission = false
			break
		}
	}
	var last error
	if len(n.errs) > 0 {
		last = n.errs[len(n.errs)-1]
	}
	err := &domain.NegotiationFailedError{
		Retryable: !allPermission,
		Attempts:  len(n.candidates),
		Last:      last,
	}
	n.log.Warn().Err(err).Msg("all candidates failed")
	done := n.done
	n.done = nil
	if done != nil {
		done(Result{}, err)
	}
}

// HandleRelayed routes a negotiation pair from the host to the backend of
// the same kind, in flight or established.
func (n *Negotiator) HandleRelayed(msg domain.RelayedMessage) {
	switch {
	case n.current != nil && n.current.Kind() == msg.Transport:
		n.current.HandleRemote(msg.Key, msg.Value)
	case n.established != nil && n.established.Kind() == msg.Transport:
		n.established.HandleRemote(msg.Key, msg.Value)
	default:
		n.log.Debug().Stringer("kind", msg.Transport).Str("key", msg.Key).Msg("relayed pair for no backend")
	}
}

func (n *Negotiator) stopAttempt() {
	n.timer.Cancel()
	n.timer = nil
	if n.cancelCtx != nil {
		n.cancelCtx()
		n.cancelCtx = nil
	}
	if n.current != nil {
		n.current.Cancel()
		n.current = nil
	}
}

// Cancel aborts any attempt in flight and forgets the established backend.
// done is not called. The caller owns and closes the link it was given.
func (n *Negotiator) Cancel() {
	n.attempt++
	n.live.Store(0)
	n.stopAttempt()
	n.running = false
	n.done = nil
	n.established = nil
}

type sink struct {
	n    *Negotiator
	id   uint64
	kind domain.TransportKind
}

func (s *sink) Negotiation(key, value string) {
	s.n.poster.PostTask(func() {
		if s.id != s.n.attempt || s.n.channel == nil {
			return
		}
		if err := s.n.channel.SendRelayed(domain.RelayedMessage{Transport: s.kind, Key: key, Value: value}); err != nil {
			s.n.log.Warn().Err(err).Str("key", key).Msg("relay negotiation pair failed")
		}
	})
}

// Connected opens the frame gate immediately; the loop closes it again if
// the attempt is stale.
func (s *sink) Connected(l core.Link) {
	s.n.live.Store(s.id)
	if !s.n.poster.PostTask(func() { s.n.connected(s.id, l) }) {
		l.Close()
	}
}

func (s *sink) Failed(err error) {
	s.n.poster.PostTask(func() { s.n.fail(s.id, err) })
}

func (s *sink) Frame(tag domain.TypeTag, payload []byte) {
	if s.n.live.Load() != s.id || s.n.OnFrame == nil {
		return
	}
	s.n.OnFrame(tag, payload)
}

func (s *sink) Closed(err error) {
	s.n.poster.PostTask(func() {
		if s.n.live.Load() != s.id {
			return
		}
		s.n.live.Store(0)
		s.n.established = nil
		if s.n.OnLinkClosed != nil {
			s.n.OnLinkClosed(err)
		}
	})
}
