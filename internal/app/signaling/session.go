// Package signaling manages the client's stream to the relay signaling
// server: dialing, framing, automatic redial and keepalive.
package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Desk/internal/app/backoff"
	"github.com/dkeye/Desk/internal/app/keepalive"
	"github.com/dkeye/Desk/internal/app/loop"
	"github.com/dkeye/Desk/internal/codec"
	"github.com/dkeye/Desk/internal/core"
	"github.com/dkeye/Desk/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type phase int

const (
	phaseIdle phase = iota
	phaseDialing
	phaseWaitRedial
	phaseConnected
	phaseClosed
)

// Session is owned by the event loop: every method except the dialer
// handler must be called from a loop task, and every callback runs on the
// loop.
type Session struct {
	poster  loop.Poster
	dialer  core.SignalDialer
	url     string
	backoff *backoff.Interval
	tuning  domain.Tuning
	log     zerolog.Logger

	phase      phase
	gen        uint64
	conn       core.SignalConnection
	dialCancel context.CancelFunc
	redial     *loop.Timer

	tracker *keepalive.Tracker
	monitor *keepalive.Monitor

	onMessage      func(domain.Message)
	onConnected    func()
	onDisconnected func(error)
	onReconnecting func(delay time.Duration)
}

func New(p loop.Poster, d core.SignalDialer, url string, b *backoff.Interval, t domain.Tuning) *Session {
	return &Session{
		poster:         p,
		dialer:         d,
		url:            url,
		backoff:        b,
		tuning:         t,
		log:            log.With().Str("module", "signaling").Logger(),
		tracker:        keepalive.NewTracker(t.KeepalivePeriod, t.TimeoutMultiplier, nil),
		onMessage:      func(domain.Message) {},
		onConnected:    func() {},
		onDisconnected: func(error) {},
		onReconnecting: func(time.Duration) {},
	}
}

func (s *Session) OnMessage(fn func(domain.Message))       { s.onMessage = fn }
func (s *Session) OnConnected(fn func())                   { s.onConnected = fn }
func (s *Session) OnDisconnected(fn func(error))           { s.onDisconnected = fn }
func (s *Session) OnReconnecting(fn func(d time.Duration)) { s.onReconnecting = fn }

func (s *Session) Connected() bool { return s.phase == phaseConnected }

// Connect starts dialing. Failed dials are retried with the shared backoff
// until Disconnect or Close. No-op while dialing or connected.
func (s *Session) Connect() {
	switch s.phase {
	case phaseIdle:
		s.dial()
	case phaseWaitRedial, phaseDialing, phaseConnected, phaseClosed:
	}
}

func (s *Session) dial() {
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.dialCancel = cancel
	s.phase = phaseDialing

	h := &connHandler{s: s, gen: gen}
	s.log.Info().Str("url", s.url).Uint64("gen", gen).Msg("dialing")
	go func() {
		conn, err := s.dialer.Dial(ctx, s.url, h)
		if !s.poster.PostTask(func() { s.dialed(gen, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (s *Session) dialed(gen uint64, conn core.SignalConnection, err error) {
	if gen != s.gen || s.phase != phaseDialing {
		if conn != nil {
			conn.Close()
		}
		return
	}
	s.dialCancel()
	s.dialCancel = nil
	if err != nil {
		s.log.Warn().Err(err).Msg("dial failed")
		s.scheduleRedial()
		return
	}
	s.conn = conn
	s.phase = phaseConnected
	s.log.Info().Uint64("gen", gen).Msg("connected")
	s.onConnected()
}

func (s *Session) scheduleRedial() {
	d := s.backoff.Next()
	s.phase = phaseWaitRedial
	s.onReconnecting(d)
	// callback may have disconnected us
	if s.phase != phaseWaitRedial {
		return
	}
	s.redial = s.poster.PostDelayTask(d, func() {
		s.redial = nil
		if s.phase == phaseWaitRedial {
			s.dial()
		}
	})
}

// Send frames msg onto the stream. It never blocks.
func (s *Session) Send(msg domain.Message) error {
	if s.phase != phaseConnected {
		return domain.ErrNoTransport
	}
	b, err := codec.EncodeFrame(msg)
	if err != nil {
		return err
	}
	return s.conn.TrySend(core.Frame(b))
}

// StartKeepalive begins the keepalive exchange; called once joined.
func (s *Session) StartKeepalive() {
	if s.phase != phaseConnected {
		return
	}
	s.monitor.Stop()
	s.tracker.Reset()
	s.monitor = keepalive.StartMonitor(s.tracker, s.poster, s.sendKeepalive, s.keepaliveDead)
}

func (s *Session) sendKeepalive() {
	if s.phase != phaseConnected || s.monitor == nil {
		return
	}
	seq := s.tracker.MarkSent()
	if err := s.Send(domain.Keepalive{Seq: seq}); err != nil {
		s.log.Debug().Err(err).Msg("keepalive not sent")
	}
}

func (s *Session) keepaliveDead(gen uint64) {
	if gen != s.tracker.Generation() || s.phase != phaseConnected {
		return
	}
	s.log.Warn().Dur("timeout", s.tracker.Timeout()).Msg("signaling keepalive timeout")
	s.lost(s.gen, domain.ErrKeepaliveTimeout)
}

func (s *Session) frame(gen uint64, f core.Frame) {
	if gen != s.gen || s.phase != phaseConnected {
		return
	}
	tag, payload, err := codec.ParseFrame(f)
	if err != nil {
		s.log.Warn().Err(err).Msg("bad signaling frame dropped")
		return
	}
	msg, err := codec.Decode(tag, payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("signaling envelope dropped")
		return
	}
	if _, ok := msg.(domain.KeepaliveAck); ok {
		s.tracker.MarkAck()
		return
	}
	s.onMessage(msg)
}

// lost tears the stream down, reports it, and redials unless the callback
// disconnected or closed the session.
func (s *Session) lost(gen uint64, cause error) {
	if gen != s.gen || s.phase != phaseConnected {
		return
	}
	s.teardown()
	s.phase = phaseIdle
	if cause == nil {
		cause = errors.New("stream closed by peer")
	}
	err := &domain.SignalingConnectError{URL: s.url, Err: cause}
	s.log.Warn().Err(err).Msg("signaling lost")
	s.onDisconnected(err)
	if s.phase == phaseIdle {
		s.scheduleRedial()
	}
}

func (s *Session) teardown() {
	s.gen++
	s.monitor.Stop()
	s.monitor = nil
	s.redial.Cancel()
	s.redial = nil
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Disconnect drops the stream and any pending redial without reporting
// it. Connect may be called again later.
func (s *Session) Disconnect() {
	if s.phase == phaseClosed {
		return
	}
	s.teardown()
	s.phase = phaseIdle
}

// Close is Disconnect, permanently.
func (s *Session) Close() {
	if s.phase == phaseClosed {
		return
	}
	s.teardown()
	s.phase = phaseClosed
}

// connHandler forwards adapter callbacks to the loop stamped with the
// dial generation so late events from an old stream are ignored.
type connHandler struct {
	s   *Session
	gen uint64
}

func (h *connHandler) OnFrame(f core.Frame) {
	h.s.poster.PostTask(func() { h.s.frame(h.gen, f) })
}

func (h *connHandler) OnClose(err error) {
	h.s.poster.PostTask(func() { h.s.lost(h.gen, err) })
}
