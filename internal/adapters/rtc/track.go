package rtc

import (
	"context"

	"github.com/dkeye/Desk/internal/codec"
	"github.com/dkeye/Desk/internal/core"
	"github.com/dkeye/Desk/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// maxFrameBytes caps one reassembled frame; larger ones are dropped.
const maxFrameBytes = 8 << 20

// assembler joins RTP payloads into frames on the marker bit. Frames are
// opaque here; depacketization belongs to the decoder.
type assembler struct {
	clockRate uint32
	buf       []byte
	ts        uint32
	lastSeq   uint16
	started   bool
	broken    bool
}

// push returns a completed frame and its capture time in microseconds.
// A sequence gap poisons the frame in progress.
func (a *assembler) push(pkt *rtp.Packet) ([]byte, int64, bool) {
	gap := a.started && pkt.SequenceNumber != a.lastSeq+1
	if !a.started || pkt.Timestamp != a.ts {
		a.buf = a.buf[:0]
		a.ts = pkt.Timestamp
		a.broken = false
	}
	a.started = true
	a.lastSeq = pkt.SequenceNumber
	if gap {
		a.broken = true
	}

	if len(a.buf)+len(pkt.Payload) > maxFrameBytes {
		a.broken = true
	} else if !a.broken {
		a.buf = append(a.buf, pkt.Payload...)
	}
	if !pkt.Marker {
		return nil, 0, false
	}
	broken := a.broken
	a.broken = false
	if broken {
		a.buf = a.buf[:0]
		return nil, 0, false
	}
	frame := append([]byte(nil), a.buf...)
	a.buf = a.buf[:0]
	return frame, a.captureMicros(pkt.Timestamp), true
}

func (a *assembler) captureMicros(ts uint32) int64 {
	if a.clockRate == 0 {
		return 0
	}
	return int64(ts) * 1_000_000 / int64(a.clockRate)
}

// readTrack reads RTP from a remote track and feeds frames into ev as
// envelopes. It returns when the track ends or ctx is done.
func readTrack(ctx context.Context, track *webrtc.TrackRemote, ev core.BackendEvents, logger *zerolog.Logger) {
	isVideo := track.Kind() == webrtc.RTPCodecTypeVideo
	a := &assembler{clockRate: track.Codec().ClockRate}
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("track reader ctx done")
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("track read RTP stopped")
			return
		}

		var msg domain.Message
		if isVideo {
			data, ts, ok := a.push(pkt)
			if !ok {
				continue
			}
			msg = domain.VideoFrame{CaptureTS: ts, Data: data}
		} else {
			msg = domain.AudioFrame{CaptureTS: a.captureMicros(pkt.Timestamp), Data: append([]byte(nil), pkt.Payload...)}
		}
		env, err := codec.Encode(msg, false)
		if err != nil {
			logger.Error().Err(err).Msg("encode track frame")
			continue
		}
		ev.Frame(env.Tag, env.Payload)
	}
}
