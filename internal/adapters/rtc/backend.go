// Package rtc is the pion/webrtc transport: P2P and relayed P2P backends
// carrying envelopes over data channels and media over RTP tracks.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/dkeye/Desk/internal/codec"
	"github.com/dkeye/Desk/internal/core"
	"github.com/dkeye/Desk/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Negotiation keys. The client offers with a full candidate set; the host
// answers and may trickle more candidates.
const (
	KeyOffer     = "offer"
	KeyAnswer    = "answer"
	KeyCandidate = "candidate"
	KeyError     = "error"
)

const (
	labelControl = "control"
	labelMedia   = "media"

	// unreliable sends are dropped above this many buffered bytes
	mediaBufferLimit = 1 << 20
)

var (
	ErrRefused   = errors.New("host refused peer transport")
	ErrPeerState = errors.New("peer connection failed")
)

// NewAPI builds the pion API shared by all backends. loopback adds
// loopback candidates, which same-host setups need.
func NewAPI(loopback bool) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(loopback)
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)), nil
}

type Backend struct {
	kind domain.TransportKind
	api  *webrtc.API
	conf webrtc.Configuration
	log  zerolog.Logger

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	ev        core.BackendEvents
	link      *Link
	opened    int
	connected bool
	finished  bool
	cancel    context.CancelFunc
}

var _ core.Backend = (*Backend)(nil)

func NewBackend(api *webrtc.API, kind domain.TransportKind, cfg domain.SessionConfig) *Backend {
	return &Backend{
		kind: kind,
		api:  api,
		conf: Configuration(kind, cfg),
		log:  log.With().Str("module", "webrtc").Stringer("kind", kind).Logger(),
	}
}

func (b *Backend) Kind() domain.TransportKind { return b.kind }

func (b *Backend) Start(ctx context.Context, ev core.BackendEvents) error {
	pc, err := b.api.NewPeerConnection(b.conf)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)

	ordered, unordered := true, false
	var zero uint16
	control, err := pc.CreateDataChannel(labelControl, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		cancel()
		_ = pc.Close()
		return fmt.Errorf("control channel: %w", err)
	}
	media, err := pc.CreateDataChannel(labelMedia, &webrtc.DataChannelInit{Ordered: &unordered, MaxRetransmits: &zero})
	if err != nil {
		cancel()
		_ = pc.Close()
		return fmt.Errorf("media channel: %w", err)
	}
	for _, k := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			cancel()
			_ = pc.Close()
			return fmt.Errorf("add %s transceiver: %w", k, err)
		}
	}

	link := &Link{kind: b.kind, pc: pc, control: control, media: media, ev: ev, log: b.log}

	b.mu.Lock()
	b.pc, b.ev, b.link, b.cancel = pc, ev, link, cancel
	b.mu.Unlock()

	control.OnOpen(b.channelOpen)
	media.OnOpen(b.channelOpen)
	control.OnMessage(func(m webrtc.DataChannelMessage) { link.onMessage(m.Data) })
	media.OnMessage(func(m webrtc.DataChannelMessage) { link.onMessage(m.Data) })

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		lg := b.log.With().Str("track_id", track.ID()).Str("track_kind", track.Kind().String()).Logger()
		lg.Info().Msg("OnTrack received")
		go readTrack(ctx, track, ev, &lg)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		b.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			b.finish(fmt.Errorf("%w: %s", ErrPeerState, s))
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		b.Cancel()
		return fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		b.Cancel()
		return fmt.Errorf("set local description: %w", err)
	}
	go func() {
		select {
		case <-gatherComplete:
		case <-ctx.Done():
			return
		}
		ev.Negotiation(KeyOffer, pc.LocalDescription().SDP)
	}()
	return nil
}

func (b *Backend) channelOpen() {
	b.mu.Lock()
	b.opened++
	ready := b.opened == 2 && !b.connected && !b.finished
	if ready {
		b.connected = true
	}
	link, ev := b.link, b.ev
	b.mu.Unlock()
	if ready {
		b.log.Info().Msg("data channels open")
		ev.Connected(link)
	}
}

// finish reports the first terminal peer state: Failed before the link is
// up, Closed after.
func (b *Backend) finish(err error) {
	b.mu.Lock()
	if b.finished || b.ev == nil {
		b.mu.Unlock()
		return
	}
	b.finished = true
	connected, ev := b.connected, b.ev
	b.mu.Unlock()
	if connected {
		ev.Closed(err)
	} else {
		ev.Failed(err)
	}
}

func (b *Backend) HandleRemote(key, value string) {
	b.mu.Lock()
	pc := b.pc
	b.mu.Unlock()
	if pc == nil {
		return
	}

	switch key {
	case KeyAnswer:
		err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: value})
		if err != nil {
			b.log.Warn().Err(err).Msg("apply answer")
			b.finish(fmt.Errorf("apply answer: %w", err))
		}
	case KeyCandidate:
		var ci webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(value), &ci); err != nil {
			b.log.Warn().Err(err).Msg("bad remote candidate")
			return
		}
		if err := pc.AddICECandidate(ci); err != nil {
			b.log.Warn().Err(err).Msg("add ice candidate")
		}
	case KeyError:
		code, err := strconv.Atoi(value)
		if err != nil {
			b.finish(fmt.Errorf("%w: %s", ErrRefused, value))
			return
		}
		if ec := domain.ErrorCode(code); ec.PermissionLevel() {
			b.finish(&domain.PermissionError{Code: ec})
		} else {
			b.finish(fmt.Errorf("%w: %s", ErrRefused, ec))
		}
	default:
		b.log.Debug().Str("key", key).Msg("unknown negotiation key")
	}
}

// Cancel tears the attempt down. After a successful attempt the Link owns
// the peer connection and Cancel is not called.
func (b *Backend) Cancel() {
	b.mu.Lock()
	b.finished = true
	pc, cancel := b.pc, b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			b.log.Error().Err(err).Msg("close error")
		}
	}
}

// Link sends reliable envelopes on the ordered control channel and
// unreliable ones on the lossy media channel.
type Link struct {
	kind    domain.TransportKind
	pc      *webrtc.PeerConnection
	control *webrtc.DataChannel
	media   *webrtc.DataChannel
	ev      core.BackendEvents
	log     zerolog.Logger
	once    sync.Once
}

func (l *Link) Kind() domain.TransportKind { return l.kind }

func (l *Link) SendReliable(tag domain.TypeTag, payload []byte) error {
	b, err := codec.AppendFrame(nil, tag, payload)
	if err != nil {
		return err
	}
	return l.control.Send(b)
}

func (l *Link) SendUnreliable(tag domain.TypeTag, payload []byte) error {
	if l.media.BufferedAmount() > mediaBufferLimit {
		return domain.ErrBackpressure
	}
	b, err := codec.AppendFrame(nil, tag, payload)
	if err != nil {
		return err
	}
	return l.media.Send(b)
}

func (l *Link) onMessage(data []byte) {
	tag, payload, err := codec.ParseFrame(data)
	if err != nil {
		l.log.Warn().Err(err).Msg("bad data channel frame dropped")
		return
	}
	l.ev.Frame(tag, payload)
}

func (l *Link) Close() {
	l.once.Do(func() {
		if err := l.pc.Close(); err != nil {
			l.log.Error().Err(err).Msg("close error")
		} else {
			l.log.Info().Msg("closed")
		}
	})
}
