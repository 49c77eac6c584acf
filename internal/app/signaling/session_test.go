package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Desk/internal/app/backoff"
	"github.com/dkeye/Desk/internal/app/loop"
	"github.com/dkeye/Desk/internal/codec"
	"github.com/dkeye/Desk/internal/core"
	"github.com/dkeye/Desk/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []domain.Message
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	tag, payload, err := codec.ParseFrame(f)
	if err != nil {
		return err
	}
	msg, err := codec.Decode(tag, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.sent...)
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
	handlers []core.SignalHandler
}

func (d *fakeDialer) Dial(_ context.Context, _ string, h core.SignalHandler) (core.SignalConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	d.handlers = append(d.handlers, h)
	return c, nil
}

func (d *fakeDialer) last() (*fakeConn, core.SignalHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, nil
	}
	return d.conns[len(d.conns)-1], d.handlers[len(d.handlers)-1]
}

type events struct {
	mu           sync.Mutex
	connected    int
	disconnects  []error
	reconnecting int
	msgs         []domain.Message
}

func (e *events) snapshot() events {
	e.mu.Lock()
	defer e.mu.Unlock()
	return events{
		connected:    e.connected,
		disconnects:  append([]error(nil), e.disconnects...),
		reconnecting: e.reconnecting,
		msgs:         append([]domain.Message(nil), e.msgs...),
	}
}

func setup(t *testing.T, d *fakeDialer, tune domain.Tuning) (*loop.EventLoop, *Session, *events) {
	t.Helper()
	l := loop.New()
	go l.Run()
	t.Cleanup(func() { l.Stop(); <-l.Done() })

	s := New(l, d, "ws://relay.test/signal", backoff.New(time.Millisecond, 5*time.Millisecond), tune)
	ev := &events{}
	s.OnConnected(func() { ev.mu.Lock(); ev.connected++; ev.mu.Unlock() })
	s.OnDisconnected(func(err error) { ev.mu.Lock(); ev.disconnects = append(ev.disconnects, err); ev.mu.Unlock() })
	s.OnReconnecting(func(time.Duration) { ev.mu.Lock(); ev.reconnecting++; ev.mu.Unlock() })
	s.OnMessage(func(m domain.Message) { ev.mu.Lock(); ev.msgs = append(ev.msgs, m); ev.mu.Unlock() })
	return l, s, ev
}

func onLoop(t *testing.T, l *loop.EventLoop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, l.PostTask(func() { fn(); close(done) }))
	<-done
}

func frameOf(t *testing.T, msg domain.Message) core.Frame {
	t.Helper()
	b, err := codec.EncodeFrame(msg)
	require.NoError(t, err)
	return b
}

func TestConnectRetriesDialFailures(t *testing.T) {
	d := &fakeDialer{failures: 2}
	l, s, ev := setup(t, d, domain.DefaultTuning())

	onLoop(t, l, s.Connect)
	require.Eventually(t, func() bool { return ev.snapshot().connected == 1 }, time.Second, time.Millisecond)

	snap := ev.snapshot()
	assert.Equal(t, 2, snap.reconnecting)
	assert.Empty(t, snap.disconnects)

	onLoop(t, l, func() { require.NoError(t, s.Send(domain.JoinRoomRequest{RoomID: "r", ClientID: "c"})) })
	c, _ := d.last()
	assert.Equal(t, []domain.Message{domain.JoinRoomRequest{RoomID: "r", ClientID: "c"}}, c.messages())
}

func TestInboundAndRedialAfterDrop(t *testing.T) {
	d := &fakeDialer{}
	l, s, ev := setup(t, d, domain.DefaultTuning())

	onLoop(t, l, s.Connect)
	require.Eventually(t, func() bool { return ev.snapshot().connected == 1 }, time.Second, time.Millisecond)

	first, h := d.last()
	h.OnFrame(frameOf(t, domain.JoinRoomAck{Code: domain.CodeSuccess}))
	h.OnFrame(core.Frame{1, 2})
	h.OnClose(errors.New("reset by peer"))

	require.Eventually(t, func() bool { return ev.snapshot().connected == 2 }, time.Second, time.Millisecond)
	snap := ev.snapshot()
	assert.Equal(t, []domain.Message{domain.JoinRoomAck{Code: domain.CodeSuccess}}, snap.msgs)
	require.Len(t, snap.disconnects, 1)
	var sce *domain.SignalingConnectError
	assert.ErrorAs(t, snap.disconnects[0], &sce)
	assert.True(t, first.isClosed())

	// Late frames from the dead stream are ignored.
	h.OnFrame(frameOf(t, domain.JoinRoomAck{Code: domain.CodeAuthFailed}))
	onLoop(t, l, func() {})
	assert.Len(t, ev.snapshot().msgs, 1)
}

func TestDisconnectInCallbackSuppressesRedial(t *testing.T) {
	d := &fakeDialer{}
	l, s, ev := setup(t, d, domain.DefaultTuning())
	s.OnDisconnected(func(error) { s.Disconnect() })

	onLoop(t, l, s.Connect)
	require.Eventually(t, func() bool { return ev.snapshot().connected == 1 }, time.Second, time.Millisecond)
	_, h := d.last()
	h.OnClose(nil)

	time.Sleep(30 * time.Millisecond)
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, 1, d.dials)
}

func TestKeepaliveTimeoutDisconnects(t *testing.T) {
	d := &fakeDialer{}
	tune := domain.DefaultTuning()
	tune.KeepalivePeriod = 5 * time.Millisecond
	tune.TimeoutMultiplier = 4
	l, s, ev := setup(t, d, tune)
	s.OnDisconnected(func(err error) {
		ev.mu.Lock()
		ev.disconnects = append(ev.disconnects, err)
		ev.mu.Unlock()
		s.Disconnect()
	})

	onLoop(t, l, s.Connect)
	require.Eventually(t, func() bool { return ev.snapshot().connected == 1 }, time.Second, time.Millisecond)
	onLoop(t, l, s.StartKeepalive)

	require.Eventually(t, func() bool { return len(ev.snapshot().disconnects) == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, ev.snapshot().disconnects[0], domain.ErrKeepaliveTimeout)

	c, _ := d.last()
	var sawKeepalive bool
	for _, m := range c.messages() {
		if _, ok := m.(domain.Keepalive); ok {
			sawKeepalive = true
		}
	}
	assert.True(t, sawKeepalive)
}

func TestAckedKeepaliveStaysUp(t *testing.T) {
	d := &fakeDialer{}
	tune := domain.DefaultTuning()
	tune.KeepalivePeriod = 5 * time.Millisecond
	tune.TimeoutMultiplier = 3
	l, s, ev := setup(t, d, tune)

	onLoop(t, l, s.Connect)
	require.Eventually(t, func() bool { return ev.snapshot().connected == 1 }, time.Second, time.Millisecond)
	onLoop(t, l, s.StartKeepalive)

	_, h := d.last()
	deadline := time.Now().Add(60 * time.Millisecond)
	for time.Now().Before(deadline) {
		h.OnFrame(frameOf(t, domain.KeepaliveAck{}))
		time.Sleep(2 * time.Millisecond)
	}
	assert.Empty(t, ev.snapshot().disconnects)
	assert.Empty(t, ev.snapshot().msgs, "acks are consumed internally")
	onLoop(t, l, s.Close)
}
