package orch

import (
	"errors"

	"github.com/dkeye/Desk/internal/app/dispatch"
	"github.com/dkeye/Desk/internal/app/keepalive"
	"github.com/dkeye/Desk/internal/app/negotiate"
	"github.com/dkeye/Desk/internal/app/timesync"
	"github.com/dkeye/Desk/internal/codec"
	"github.com/dkeye/Desk/internal/core"
	"github.com/dkeye/Desk/internal/domain"
)

func (c *Controller) negotiate() {
	ch := negotiate.ChannelFunc(func(m domain.RelayedMessage) error { return c.sig.Send(m) })
	c.neg.Negotiate(c.deps.Candidates, ch, c.negotiated)
}

func (c *Controller) negotiated(res negotiate.Result, err error) {
	if c.State() != domain.NegotiatingTransport {
		if res.Link != nil {
			res.Link.Close()
		}
		return
	}
	if err != nil {
		var nf *domain.NegotiationFailedError
		if errors.As(err, &nf) && !nf.Retryable {
			code := domain.CodePermissionDenied
			var pe *domain.PermissionError
			if errors.As(err, &pe) {
				code = pe.Code
			}
			c.fatal(code, err)
			c.fire(evNegotiationExhausted)
			return
		}
		c.retryNegotiation(err)
		return
	}
	c.installLink(res.Link)
}

// retryNegotiation leaves NegotiatingTransport for Reconnecting while the
// retry budget lasts and for Closed once it is spent.
func (c *Controller) retryNegotiation(err error) {
	if c.retries+1 > c.tuning.MaxRetries {
		c.fatal(domain.CodeNegotiationFailed, err)
		c.fire(evNegotiationExhausted)
		return
	}
	c.fire(evNegotiationRetry)
}

// installLink makes l the active transport and starts the handshake:
// StartTransmission plus the first keepalive exchange.
func (c *Controller) installLink(l core.Link) {
	c.link = l
	var ob *dispatch.Outbox
	ob = dispatch.NewOutbox(l, func(err error) {
		c.loop.PostTask(func() {
			if c.outbox.Load() == ob {
				c.onLinkClosed(err)
			}
		})
	})
	c.outbox.Store(ob)
	c.linkUp = true
	c.acked = false
	c.ts.Reset()

	c.restartKeepalive()

	v, a, f := c.cfg.Video(), c.cfg.Audio(), c.cfg.Features()
	c.sendData(domain.StartTransmission{
		ClientID:      c.cfg.ClientID(),
		AuthToken:     c.cfg.AuthToken(),
		Codec:         v.Codec,
		Width:         v.Width,
		Height:        v.Height,
		RefreshRate:   v.RefreshRate,
		AudioFreq:     a.Frequency,
		AudioChannels: a.Channels,
		DriverInput:   f.DriverInput,
		Gamepad:       f.Gamepad,
	}, true)
	c.sendKeepalive()
	c.log.Info().Stringer("link", l.Kind()).Msg("transport connected, waiting for first keepalive ack")
}

func (c *Controller) teardownTransport() {
	c.neg.Cancel()
	c.monitor.Stop()
	c.monitor = nil
	c.ts.Stop()
	if ob := c.outbox.Swap(nil); ob != nil {
		ob.Close()
	}
	if c.link != nil {
		c.link.Close()
		c.link = nil
	}
	c.linkUp = false
	c.acked = false
}

func (c *Controller) maybeStreaming() {
	if c.State() == domain.NegotiatingTransport && c.linkUp && c.acked {
		c.fire(evTransportReady)
	}
}

// restartKeepalive opens a fresh ack window. A dead report from the
// previous monitor carries a stale generation and is ignored.
func (c *Controller) restartKeepalive() {
	c.tracker.Reset()
	c.monitor.Stop()
	c.monitor = keepalive.StartMonitor(c.tracker, c.loop, c.sendKeepalive, c.onLinkDead)
}

func (c *Controller) enterStreaming() {
	c.restartKeepalive()
	c.backoff.Reset()
	c.retries = 0
	kind := c.link.Kind()
	c.updateSnap(func(s *Snapshot) { s.Retries = 0; s.Link = kind.String() })
	c.ts.Start(c.tuning.TimeSyncPeriod)
	c.deps.Status.OnConnected(kind)
}

// sendData queues msg on the active link. Safe from any goroutine.
func (c *Controller) sendData(msg domain.Message, reliable bool) {
	ob := c.outbox.Load()
	if ob == nil {
		return
	}
	env, err := codec.Encode(msg, reliable)
	if err != nil {
		c.log.Error().Err(err).Msg("encode failed")
		return
	}
	if err := ob.Send(env); err != nil {
		c.log.Debug().Err(err).Stringer("tag", msg.Tag()).Msg("send dropped")
	}
}

func (c *Controller) sendKeepalive() {
	if c.link == nil {
		return
	}
	c.sendData(domain.Keepalive{Seq: c.tracker.MarkSent()}, true)
}

func (c *Controller) onLinkDead(gen uint64) {
	if gen != c.tracker.Generation() || c.link == nil {
		return
	}
	c.log.Warn().Dur("timeout", c.tracker.Timeout()).Msg("transport keepalive timeout")
	c.linkFailed(domain.ErrKeepaliveTimeout)
}

func (c *Controller) onLinkClosed(err error) {
	if c.link == nil {
		return
	}
	if err == nil {
		err = errors.New("link closed by peer")
	}
	c.log.Warn().Err(err).Msg("transport lost")
	c.linkFailed(err)
}

func (c *Controller) linkFailed(err error) {
	switch c.State() {
	case domain.Streaming:
		c.fire(evLinkLost)
	case domain.NegotiatingTransport:
		c.log.Warn().Err(err).Msg("transport failed before streaming")
		c.retryNegotiation(err)
	}
}

func (c *Controller) registerHandlers() {
	c.disp.Register(domain.TagKeepaliveAck, domain.LaneReliable, func(domain.Message) {
		if c.link == nil {
			return
		}
		c.tracker.MarkAck()
		if !c.acked {
			c.acked = true
			c.maybeStreaming()
		}
	})
	c.disp.Register(domain.TagKeepalive, domain.LaneReliable, func(m domain.Message) {
		c.sendData(domain.KeepaliveAck{Seq: m.(domain.Keepalive).Seq}, true)
	})
	c.disp.Register(domain.TagTimeSyncEcho, domain.LaneReliable, func(m domain.Message) {
		c.ts.HandleEcho(m.(domain.TimeSyncEcho), c.ts.Now())
	})
	c.disp.Register(domain.TagTimeSyncProbe, domain.LaneReliable, func(m domain.Message) {
		p := m.(domain.TimeSyncProbe)
		now := c.ts.Now()
		c.sendData(domain.TimeSyncEcho{Seq: p.Seq, T0: p.T0, T1: now, T2: now}, true)
	})
	c.disp.Register(domain.TagStartTransmissionAck, domain.LaneReliable, func(m domain.Message) {
		c.onStartAck(m.(domain.StartTransmissionAck))
	})
	c.disp.Register(domain.TagStatReport, domain.LaneReliable, func(m domain.Message) {
		s := m.(domain.StatReport)
		c.updateSnap(func(sn *Snapshot) { sn.Stats = &s })
		c.media.Stats(s)
	})
	c.disp.Register(domain.TagVideoFrame, domain.LaneMedia, func(m domain.Message) {
		c.media.FeedVideo(m.(domain.VideoFrame))
	})
	c.disp.Register(domain.TagAudioFrame, domain.LaneMedia, func(m domain.Message) {
		c.media.FeedAudio(m.(domain.AudioFrame))
	})
	c.disp.Register(domain.TagCursorInfo, domain.LaneMedia, func(m domain.Message) {
		c.media.Cursor(m.(domain.CursorInfo))
	})
}

func (c *Controller) onStartAck(ack domain.StartTransmissionAck) {
	if ack.Code == domain.CodeSuccess {
		c.log.Info().Msg("host started transmission")
		return
	}
	c.log.Warn().Stringer("code", ack.Code).Msg("host refused transmission")
	if !ack.Code.PermissionLevel() {
		return
	}
	switch c.State() {
	case domain.NegotiatingTransport, domain.Streaming:
		c.abort(ack.Code, &domain.PermissionError{Code: ack.Code})
	}
}

func (c *Controller) onTimeSample(e timesync.Estimate) {
	c.deps.Metrics.clock(e.RTT.Seconds(), e.Offset.Seconds())
	c.updateSnap(func(s *Snapshot) { s.RTT = e.RTT; s.Offset = e.Offset })
}
