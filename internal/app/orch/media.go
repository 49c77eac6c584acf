package orch

import (
	"sync"
	"time"

	"github.com/dkeye/Desk/internal/core"
	"github.com/dkeye/Desk/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MediaBridge hands frames to the sinks. mu is the one lock on the media
// path; it guards video sink replacement.
type MediaBridge struct {
	mu      sync.Mutex
	video   core.VideoSink
	factory core.VideoSinkFactory
	audio   core.AudioSink

	offset  func() time.Duration
	onReset func()
	metrics *Metrics
	log     zerolog.Logger
}

func NewMediaBridge(factory core.VideoSinkFactory, audio core.AudioSink, m *Metrics) (*MediaBridge, error) {
	b := &MediaBridge{
		factory: factory,
		audio:   audio,
		offset:  func() time.Duration { return 0 },
		onReset: func() {},
		metrics: m,
		log:     log.With().Str("module", "media").Logger(),
	}
	if factory != nil {
		v, err := factory()
		if err != nil {
			return nil, err
		}
		b.video = v
	}
	return b, nil
}

// FeedVideo runs on the media lane. pts is the capture time mapped onto the
// local clock.
func (b *MediaBridge) FeedVideo(f domain.VideoFrame) {
	pts := time.Duration(f.CaptureTS)*time.Microsecond - b.offset()

	b.mu.Lock()
	v := b.video
	var r domain.RenderResult
	if v != nil {
		r = v.Feed(f, pts)
	}
	b.mu.Unlock()

	if v == nil {
		return
	}
	b.metrics.render(r)
	if r == domain.RenderReset {
		b.log.Info().Msg("video sink asked for reset")
		b.onReset()
	}
}

func (b *MediaBridge) FeedAudio(f domain.AudioFrame) {
	if b.audio != nil {
		b.audio.Feed(f)
	}
}

func (b *MediaBridge) Cursor(c domain.CursorInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cc, ok := b.video.(core.CursorConsumer); ok {
		cc.OnCursor(c)
	}
}

func (b *MediaBridge) Stats(s domain.StatReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sc, ok := b.video.(core.StatConsumer); ok {
		sc.OnStatReport(s)
	}
}

// Reset rebuilds the video sink. On failure the old sink is kept.
func (b *MediaBridge) Reset() {
	if b.factory == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v, err := b.factory()
	if err != nil {
		b.log.Error().Err(err).Msg("video sink rebuild failed")
		return
	}
	b.video = v
	b.log.Info().Msg("video sink rebuilt")
}
