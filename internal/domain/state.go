package domain

// ConnectionState is the session lifecycle position. It is owned by the
// session controller and only changes on its event loop.
type ConnectionState int

const (
	Idle ConnectionState = iota
	ConnectingSignaling
	WaitingJoinAck
	NegotiatingTransport
	Streaming
	Reconnecting
	Closing
	Closed
)

var stateNames = [...]string{
	Idle:                 "idle",
	ConnectingSignaling:  "connecting_signaling",
	WaitingJoinAck:       "waiting_join_ack",
	NegotiatingTransport: "negotiating_transport",
	Streaming:            "streaming",
	Reconnecting:         "reconnecting",
	Closing:              "closing",
	Closed:               "closed",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ParseState maps a state name back to its value.
func ParseState(name string) (ConnectionState, bool) {
	for i, n := range stateNames {
		if n == name {
			return ConnectionState(i), true
		}
	}
	return Idle, false
}

// Terminal reports whether no further transition can leave s.
func (s ConnectionState) Terminal() bool { return s == Closed }
