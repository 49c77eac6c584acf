package orch

import (
	"context"

	"github.com/dkeye/Desk/internal/domain"
	"github.com/looplab/fsm"
)

const (
	evStart                = "start"
	evSignalingConnected   = "signaling_connected"
	evJoinAccepted         = "join_accepted"
	evJoinFailed           = "join_failed"
	evTransportReady       = "transport_ready"
	evNegotiationRetry     = "negotiation_retry"
	evNegotiationExhausted = "negotiation_exhausted"
	evLinkLost             = "link_lost"
	evRedial               = "redial"
	evStop                 = "stop"
	evClosed               = "closed"
)

func st(s domain.ConnectionState) string { return s.String() }

// transitions is the complete set of allowed state changes.
var transitions = fsm.Events{
	{Name: evStart, Src: []string{st(domain.Idle)}, Dst: st(domain.ConnectingSignaling)},
	{Name: evSignalingConnected, Src: []string{st(domain.ConnectingSignaling)}, Dst: st(domain.WaitingJoinAck)},
	{Name: evJoinAccepted, Src: []string{st(domain.WaitingJoinAck)}, Dst: st(domain.NegotiatingTransport)},
	{Name: evJoinFailed, Src: []string{st(domain.WaitingJoinAck)}, Dst: st(domain.Closed)},
	{Name: evTransportReady, Src: []string{st(domain.NegotiatingTransport)}, Dst: st(domain.Streaming)},
	{Name: evNegotiationRetry, Src: []string{st(domain.NegotiatingTransport)}, Dst: st(domain.Reconnecting)},
	{Name: evNegotiationExhausted, Src: []string{st(domain.NegotiatingTransport)}, Dst: st(domain.Closed)},
	{Name: evLinkLost, Src: []string{st(domain.Streaming)}, Dst: st(domain.Reconnecting)},
	{Name: evRedial, Src: []string{st(domain.Reconnecting)}, Dst: st(domain.ConnectingSignaling)},
	{Name: evStop, Src: []string{
		st(domain.Idle),
		st(domain.ConnectingSignaling),
		st(domain.WaitingJoinAck),
		st(domain.NegotiatingTransport),
		st(domain.Streaming),
		st(domain.Reconnecting),
	}, Dst: st(domain.Closing)},
	{Name: evClosed, Src: []string{st(domain.Closing)}, Dst: st(domain.Closed)},
}

func newMachine(onTransition func(from, to domain.ConnectionState, event string)) *fsm.FSM {
	return fsm.NewFSM(
		st(domain.Idle),
		transitions,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				from, _ := domain.ParseState(e.Src)
				to, _ := domain.ParseState(e.Dst)
				onTransition(from, to, e.Event)
			},
		},
	)
}
