package rtc

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Desk/internal/codec"
	"github.com/dkeye/Desk/internal/core"
	"github.com/dkeye/Desk/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packet(seq uint16, ts uint32, marker bool, payload string) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{SequenceNumber: seq, Timestamp: ts, Marker: marker},
		Payload: []byte(payload),
	}
}

func TestAssemblerJoinsOnMarker(t *testing.T) {
	a := &assembler{clockRate: 90000}

	_, _, ok := a.push(packet(1, 90000, false, "ab"))
	assert.False(t, ok)
	_, _, ok = a.push(packet(2, 90000, false, "cd"))
	assert.False(t, ok)
	frame, ts, ok := a.push(packet(3, 90000, true, "ef"))
	require.True(t, ok)
	assert.Equal(t, "abcdef", string(frame))
	assert.Equal(t, int64(1_000_000), ts)

	frame, _, ok = a.push(packet(4, 93000, true, "gh"))
	require.True(t, ok)
	assert.Equal(t, "gh", string(frame))
}

func TestAssemblerDropsFrameWithGap(t *testing.T) {
	a := &assembler{clockRate: 90000}

	a.push(packet(10, 100, false, "a"))
	_, _, ok := a.push(packet(12, 100, true, "c"))
	assert.False(t, ok, "frame with a missing packet must be dropped")

	frame, _, ok := a.push(packet(13, 200, true, "next"))
	require.True(t, ok)
	assert.Equal(t, "next", string(frame))
}

func TestAssemblerNewTimestampDiscardsPartial(t *testing.T) {
	a := &assembler{clockRate: 90000}

	a.push(packet(1, 100, false, "stale"))
	frame, _, ok := a.push(packet(2, 200, true, "fresh"))
	require.True(t, ok)
	assert.Equal(t, "fresh", string(frame))
}

func TestAssemblerCapsFrameSize(t *testing.T) {
	a := &assembler{clockRate: 90000}
	big := string(make([]byte, maxFrameBytes))

	a.push(packet(1, 100, false, big))
	_, _, ok := a.push(packet(2, 100, true, "x"))
	assert.False(t, ok)
}

func testConfig(t *testing.T) domain.SessionConfig {
	t.Helper()
	cfg, err := domain.NewSessionConfig(domain.Params{
		ClientID:      "client",
		RoomID:        "room",
		AuthToken:     "token",
		SignalingURL:  "ws://127.0.0.1:1/ws",
		Video:         domain.VideoFormat{Codec: "h264", Width: 1280, Height: 720},
		ReflexServers: []string{"stun:stun.example.org:3478"},
		RelayServers:  []string{"turn:turn.example.org:3478"},
		P2PUsername:   "user",
		P2PPassword:   "pass",
	})
	require.NoError(t, err)
	return cfg
}

func TestConfigurationRelayPolicy(t *testing.T) {
	cfg := testConfig(t)

	p2p := Configuration(domain.P2P, cfg)
	require.Len(t, p2p.ICEServers, 2)
	assert.Equal(t, webrtc.ICETransportPolicyAll, p2p.ICETransportPolicy)
	assert.Equal(t, "user", p2p.ICEServers[1].Username)
	assert.Equal(t, "pass", p2p.ICEServers[1].Credential)

	relayed := Configuration(domain.RelayedP2P, cfg)
	assert.Equal(t, webrtc.ICETransportPolicyRelay, relayed.ICETransportPolicy)
}

type events struct {
	offer  chan string
	link   chan core.Link
	failed chan error
	frames chan domain.TypeTag
	closed chan error
}

func newEvents() *events {
	return &events{
		offer:  make(chan string, 1),
		link:   make(chan core.Link, 1),
		failed: make(chan error, 1),
		frames: make(chan domain.TypeTag, 8),
		closed: make(chan error, 1),
	}
}

func (e *events) Negotiation(k, v string) {
	if k == KeyOffer {
		e.offer <- v
	}
}
func (e *events) Connected(l core.Link)              { e.link <- l }
func (e *events) Failed(err error)                   { e.failed <- err }
func (e *events) Frame(tag domain.TypeTag, _ []byte) { e.frames <- tag }
func (e *events) Closed(err error)                   { e.closed <- err }

// answerHost accepts the offer and acks every keepalive on the control
// channel.
func answerHost(t *testing.T, api *webrtc.API, offer string) string {
	t.Helper()
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	var once sync.Once
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != labelControl {
			return
		}
		dc.OnMessage(func(m webrtc.DataChannelMessage) {
			msg, err := decodeFrame(m.Data)
			if err != nil {
				return
			}
			if ka, ok := msg.(domain.Keepalive); ok {
				once.Do(func() {
					b, _ := codec.EncodeFrame(domain.KeepaliveAck{Seq: ka.Seq})
					_ = dc.Send(b)
				})
			}
		})
	})

	require.NoError(t, pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}))
	answer, err := pc.CreateAnswer(nil)
	require.NoError(t, err)
	gather := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(answer))
	<-gather
	return pc.LocalDescription().SDP
}

func decodeFrame(b []byte) (domain.Message, error) {
	tag, payload, err := codec.ParseFrame(b)
	if err != nil {
		return nil, err
	}
	return codec.Decode(tag, payload)
}

func TestBackendLoopbackKeepalive(t *testing.T) {
	api, err := NewAPI(true)
	require.NoError(t, err)

	b := NewBackend(api, domain.P2P, testConfig(t))
	b.conf = webrtc.Configuration{}
	ev := newEvents()
	require.NoError(t, b.Start(context.Background(), ev))

	var offer string
	select {
	case offer = <-ev.offer:
	case <-time.After(5 * time.Second):
		t.Fatal("no offer")
	}
	b.HandleRemote(KeyAnswer, answerHost(t, api, offer))

	var link core.Link
	select {
	case link = <-ev.link:
	case err := <-ev.failed:
		t.Fatalf("failed: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("link not connected")
	}
	assert.Equal(t, domain.P2P, link.Kind())

	env, err := codec.Encode(domain.Keepalive{Seq: 1}, true)
	require.NoError(t, err)
	require.NoError(t, link.SendReliable(env.Tag, env.Payload))

	select {
	case tag := <-ev.frames:
		assert.Equal(t, domain.TagKeepaliveAck, tag)
	case <-time.After(5 * time.Second):
		t.Fatal("no keepalive ack")
	}

	link.Close()
	select {
	case err := <-ev.closed:
		assert.True(t, errors.Is(err, ErrPeerState))
	case <-time.After(5 * time.Second):
		t.Fatal("close not reported")
	}
}

func TestBackendRefusalCodes(t *testing.T) {
	api, err := NewAPI(true)
	require.NoError(t, err)

	cases := []struct {
		code       domain.ErrorCode
		permission bool
	}{
		{domain.CodePermissionDenied, true},
		{domain.CodeInternal, false},
	}
	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			b := NewBackend(api, domain.P2P, testConfig(t))
			b.conf = webrtc.Configuration{}
			ev := newEvents()
			require.NoError(t, b.Start(context.Background(), ev))
			defer b.Cancel()

			b.HandleRemote(KeyError, strconv.Itoa(int(tc.code)))
			select {
			case err := <-ev.failed:
				var pe *domain.PermissionError
				assert.Equal(t, tc.permission, errors.As(err, &pe))
			case <-time.After(5 * time.Second):
				t.Fatal("no failure")
			}
		})
	}
}
