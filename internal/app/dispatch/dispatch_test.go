package dispatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Desk/internal/app/loop"
	"github.com/dkeye/Desk/internal/codec"
	"github.com/dkeye/Desk/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLoop(t *testing.T) *loop.EventLoop {
	t.Helper()
	l := loop.New()
	go l.Run()
	t.Cleanup(func() { l.Stop(); <-l.Done() })
	return l
}

func payload(t *testing.T, msg domain.Message) []byte {
	t.Helper()
	env, err := codec.Encode(msg, true)
	require.NoError(t, err)
	return env.Payload
}

func TestReliableOrderAndMediaNotBlocked(t *testing.T) {
	l := runLoop(t)
	media := NewMediaLane(8, nil)
	defer media.Close()
	d := New(l, media)

	mediaSeen := make(chan struct{})
	var mu sync.Mutex
	var order []uint64
	done := make(chan struct{})

	d.Register(domain.TagKeepaliveAck, domain.LaneReliable, func(m domain.Message) {
		ack := m.(domain.KeepaliveAck)
		if ack.Seq == 1 {
			// Control is stuck until the media lane delivers on its own.
			select {
			case <-mediaSeen:
			case <-time.After(2 * time.Second):
				t.Error("media was held behind control")
			}
		}
		mu.Lock()
		order = append(order, ack.Seq)
		if len(order) == 3 {
			close(done)
		}
		mu.Unlock()
	})
	d.Register(domain.TagVideoFrame, domain.LaneMedia, func(domain.Message) {
		close(mediaSeen)
	})

	d.Dispatch(domain.TagKeepaliveAck, payload(t, domain.KeepaliveAck{Seq: 1}))
	d.Dispatch(domain.TagVideoFrame, payload(t, domain.VideoFrame{Data: []byte{1}}))
	d.Dispatch(domain.TagKeepaliveAck, payload(t, domain.KeepaliveAck{Seq: 2}))
	d.Dispatch(domain.TagKeepaliveAck, payload(t, domain.KeepaliveAck{Seq: 3}))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("reliable lane stalled")
	}
	assert.Equal(t, []uint64{1, 2, 3}, order)
}

func TestDropsUnknownAndGarbage(t *testing.T) {
	l := runLoop(t)
	d := New(l, nil)

	var mu sync.Mutex
	reasons := map[string]int{}
	d.OnDrop(func(_ domain.TypeTag, reason string) {
		mu.Lock()
		reasons[reason]++
		mu.Unlock()
	})

	got := make(chan domain.Message, 1)
	d.Register(domain.TagKeepaliveAck, domain.LaneReliable, func(m domain.Message) { got <- m })
	d.Register(domain.TypeTag(999), domain.LaneReliable, func(domain.Message) { t.Error("unknown tag delivered") })

	d.Dispatch(domain.TypeTag(42), []byte{1})
	d.Dispatch(domain.TypeTag(999), []byte{1})
	d.Dispatch(domain.TagKeepaliveAck, []byte{0xff, 0xff})
	d.Dispatch(domain.TagKeepaliveAck, payload(t, domain.KeepaliveAck{Seq: 7}))

	select {
	case m := <-got:
		assert.Equal(t, domain.KeepaliveAck{Seq: 7}, m)
	case <-time.After(time.Second):
		t.Fatal("valid envelope after garbage was not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, reasons["unhandled"])
	assert.Equal(t, 1, reasons["unknown_tag"])
	assert.Equal(t, 1, reasons["decode"])
}

func TestMediaLanePolicy(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	m := NewMediaLane(1, SimplePolicy{})
	defer func() { close(block); m.Close() }()

	var got []domain.Message
	var mu sync.Mutex
	h := func(msg domain.Message) {
		select {
		case started <- struct{}{}:
			<-block
		default:
		}
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	}

	require.True(t, m.Offer(domain.VideoFrame{CaptureTS: 1}, h))
	<-started
	require.True(t, m.Offer(domain.VideoFrame{CaptureTS: 2}, h))
	assert.False(t, m.Offer(domain.VideoFrame{CaptureTS: 3}, h), "delta frame dropped when full")
	assert.True(t, m.Offer(domain.VideoFrame{CaptureTS: 4, Keyframe: true}, h), "keyframe evicts oldest")
	assert.Equal(t, 1, m.Len())
}

type recLink struct {
	mu       sync.Mutex
	reliable []domain.TypeTag
	fast     []domain.TypeTag
	gate     chan struct{}
	err      error
}

func (l *recLink) Kind() domain.TransportKind { return domain.Direct }

func (l *recLink) SendReliable(tag domain.TypeTag, _ []byte) error {
	if l.gate != nil {
		<-l.gate
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.reliable = append(l.reliable, tag)
	return nil
}

func (l *recLink) SendUnreliable(tag domain.TypeTag, _ []byte) error {
	l.mu.Lock()
	l.fast = append(l.fast, tag)
	l.mu.Unlock()
	return nil
}

func (l *recLink) Close() {}

func (l *recLink) snapshot() ([]domain.TypeTag, []domain.TypeTag) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.TypeTag(nil), l.reliable...), append([]domain.TypeTag(nil), l.fast...)
}

func TestOutboxOrderAndBypass(t *testing.T) {
	link := &recLink{gate: make(chan struct{})}
	o := NewOutbox(link, nil)

	for _, tag := range []domain.TypeTag{domain.TagKeepalive, domain.TagTimeSyncProbe, domain.TagStartTransmission} {
		require.NoError(t, o.Send(domain.OutboundEnvelope{Tag: tag, Reliable: true}))
	}
	require.NoError(t, o.Send(domain.OutboundEnvelope{Tag: domain.TagInputEvent}))

	_, fast := link.snapshot()
	assert.Equal(t, []domain.TypeTag{domain.TagInputEvent}, fast, "unreliable skips the blocked queue")

	close(link.gate)
	assert.True(t, o.Drain(time.Second))
	rel, _ := link.snapshot()
	assert.Equal(t, []domain.TypeTag{domain.TagKeepalive, domain.TagTimeSyncProbe, domain.TagStartTransmission}, rel)
	assert.ErrorIs(t, o.Send(domain.OutboundEnvelope{Tag: domain.TagKeepalive, Reliable: true}), domain.ErrClosed)
}

func TestOutboxDrainGraceExpires(t *testing.T) {
	link := &recLink{gate: make(chan struct{})}
	defer close(link.gate)
	o := NewOutbox(link, nil)
	require.NoError(t, o.Send(domain.OutboundEnvelope{Tag: domain.TagKeepalive, Reliable: true}))

	start := time.Now()
	assert.False(t, o.Drain(30*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
}

func TestOutboxWriteErrorReported(t *testing.T) {
	boom := errors.New("boom")
	link := &recLink{err: boom}
	errs := make(chan error, 1)
	o := NewOutbox(link, func(err error) { errs <- err })
	require.NoError(t, o.Send(domain.OutboundEnvelope{Tag: domain.TagKeepalive, Reliable: true}))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("write error not reported")
	}
	assert.ErrorIs(t, o.Send(domain.OutboundEnvelope{Tag: domain.TagKeepalive, Reliable: true}), domain.ErrClosed)
}
