package core

import (
	"time"

	"github.com/dkeye/Desk/internal/domain"
)

// VideoSink renders decoded frames. RenderReset asks the engine to
// rebuild the sink.
type VideoSink interface {
	Feed(frame domain.VideoFrame, pts time.Duration) domain.RenderResult
}

// StatConsumer is optionally implemented by a VideoSink to show host stats.
type StatConsumer interface {
	OnStatReport(domain.StatReport)
}

// CursorConsumer is optionally implemented by a VideoSink to draw the
// remote pointer.
type CursorConsumer interface {
	OnCursor(domain.CursorInfo)
}

// VideoSinkFactory builds a video sink; called again after a render reset.
type VideoSinkFactory func() (VideoSink, error)

type AudioSink interface {
	Feed(frame domain.AudioFrame)
}

// LocalInput is one captured input event and the lane it wants.
type LocalInput struct {
	Event    domain.InputEvent
	Reliable bool
}

type InputSource interface {
	PollLocalEvents() []LocalInput
}
