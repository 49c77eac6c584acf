package adapters

import (
	"sync/atomic"
	"time"

	"github.com/dkeye/Desk/internal/core"
	"github.com/dkeye/Desk/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogVideoSink stands in for a renderer: it counts frames and logs a
// summary every Every frames.
type LogVideoSink struct {
	Every  uint64
	frames atomic.Uint64
	bytes  atomic.Uint64
	log    zerolog.Logger
}

func NewLogVideoSink() (core.VideoSink, error) {
	return &LogVideoSink{Every: 300, log: log.With().Str("module", "video").Logger()}, nil
}

func (s *LogVideoSink) Feed(frame domain.VideoFrame, pts time.Duration) domain.RenderResult {
	n := s.frames.Add(1)
	total := s.bytes.Add(uint64(len(frame.Data)))
	if s.Every > 0 && n%s.Every == 0 {
		s.log.Info().Uint64("frames", n).Uint64("bytes", total).Dur("pts", pts).Msg("video frames rendered")
	}
	return domain.RenderOK
}

func (s *LogVideoSink) OnStatReport(r domain.StatReport) {
	s.log.Debug().Interface("stats", r).Msg("host stats")
}

func (s *LogVideoSink) OnCursor(c domain.CursorInfo) {
	s.log.Trace().Interface("cursor", c).Msg("cursor")
}

func (s *LogVideoSink) Frames() uint64 { return s.frames.Load() }

// LogAudioSink counts audio frames.
type LogAudioSink struct {
	frames atomic.Uint64
}

func (s *LogAudioSink) Feed(domain.AudioFrame) { s.frames.Add(1) }

func (s *LogAudioSink) Frames() uint64 { return s.frames.Load() }

// LogStatus reports session status changes to the log.
type LogStatus struct {
	log zerolog.Logger
}

func NewLogStatus() *LogStatus {
	return &LogStatus{log: log.With().Str("module", "status").Logger()}
}

func (s *LogStatus) OnConnected(kind domain.TransportKind) {
	s.log.Info().Stringer("link", kind).Msg("connected")
}

func (s *LogStatus) OnDisconnected() { s.log.Info().Msg("disconnected") }

func (s *LogStatus) OnReconnecting() { s.log.Warn().Msg("reconnecting") }

func (s *LogStatus) OnFatalError(code domain.ErrorCode) {
	s.log.Error().Stringer("code", code).Msg("fatal error")
}
