package core

import "context"

// Frame is one binary signaling message: a single [tag][len][payload] frame.
type Frame []byte

// SignalConnection abstracts the signaling stream.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend queues f without blocking; ErrBackpressure when full.
	TrySend(Frame) error
	Close()
}

// SignalHandler receives inbound traffic from the adapter's read goroutine.
// OnClose is called exactly once, with nil after a local Close.
type SignalHandler interface {
	OnFrame(Frame)
	OnClose(err error)
}

// SignalDialer opens signaling streams.
type SignalDialer interface {
	Dial(ctx context.Context, url string, h SignalHandler) (SignalConnection, error)
}
