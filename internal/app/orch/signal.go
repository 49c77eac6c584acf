package orch

import (
	"errors"
	"time"

	"github.com/dkeye/Desk/internal/domain"
)

func (c *Controller) onSignalingConnected() {
	switch c.State() {
	case domain.ConnectingSignaling:
		c.fire(evSignalingConnected)
	case domain.WaitingJoinAck:
		// redialed before the ack arrived
		c.sendJoin()
	default:
		c.log.Debug().Stringer("state", c.State()).Msg("signaling connected in unexpected state")
	}
}

func (c *Controller) sendJoin() {
	if c.joinSent || !c.sig.Connected() {
		return
	}
	err := c.sig.Send(domain.JoinRoomRequest{
		RoomID:    c.cfg.RoomID(),
		ClientID:  c.cfg.ClientID(),
		AuthToken: c.cfg.AuthToken(),
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("join request not sent")
		return
	}
	c.joinSent = true
	c.log.Info().Str("client", string(c.cfg.ClientID())).Msg("join requested")
}

func (c *Controller) onJoinTimeout() {
	c.joinTimer = nil
	if c.State() != domain.WaitingJoinAck {
		return
	}
	c.fatal(domain.CodeTimeout, errors.New("no join acknowledgement"))
	c.fire(evJoinFailed)
}

func (c *Controller) onSignalingRetry(d time.Duration) {
	c.log.Info().Dur("delay", d).Stringer("state", c.State()).Msg("signaling redial scheduled")
}

// onSignalingLost runs before the signaling session decides to redial. In
// the pre-join states the session redials on its own; later a lost stream
// costs the whole transport.
func (c *Controller) onSignalingLost(err error) {
	switch c.State() {
	case domain.WaitingJoinAck:
		c.joinSent = false
	case domain.NegotiatingTransport:
		c.sig.Disconnect()
		c.log.Warn().Err(err).Msg("signaling lost during negotiation")
		c.retryNegotiation(err)
	case domain.Streaming:
		c.sig.Disconnect()
		c.log.Warn().Err(err).Msg("signaling lost while streaming")
		c.fire(evLinkLost)
	default:
		c.sig.Disconnect()
	}
}

func (c *Controller) onSignalingMessage(msg domain.Message) {
	switch m := msg.(type) {
	case domain.JoinRoomAck:
		c.onJoinAck(m)
	case domain.RelayedMessage:
		c.neg.HandleRelayed(m)
	case domain.Disconnected:
		c.onHostDisconnected(m)
	case domain.ServiceStatusReport:
		c.onServiceStatus(m)
	default:
		c.log.Warn().Stringer("tag", msg.Tag()).Msg("unexpected signaling message")
	}
}

func (c *Controller) onJoinAck(ack domain.JoinRoomAck) {
	if c.State() != domain.WaitingJoinAck {
		c.log.Debug().Stringer("state", c.State()).Msg("duplicate join ack ignored")
		return
	}
	c.joinTimer.Cancel()
	c.joinTimer = nil

	switch r := ack.Result().(type) {
	case domain.JoinAccepted:
		c.fire(evJoinAccepted)
	case domain.JoinRejected:
		c.fatal(r.Code, &domain.JoinRejectedError{Code: r.Code})
		c.fire(evJoinFailed)
	}
}

func (c *Controller) onHostDisconnected(m domain.Disconnected) {
	c.log.Warn().Str("reason", m.Reason).Msg("host disconnected")
	switch c.State() {
	case domain.NegotiatingTransport:
		c.retryNegotiation(errors.New("host disconnected: " + m.Reason))
	case domain.Streaming:
		c.fire(evLinkLost)
	}
}

func (c *Controller) onServiceStatus(m domain.ServiceStatusReport) {
	s := domain.ServiceStatusFromCode(m.Code)
	ev := c.log.Info()
	if s == domain.ServiceDown {
		ev = c.log.Warn()
	}
	ev.Stringer("code", m.Code).Stringer("status", s).Msg("host service status")
	c.deps.Metrics.service(s)
	c.updateSnap(func(sn *Snapshot) { sn.Service = s.String() })
}
