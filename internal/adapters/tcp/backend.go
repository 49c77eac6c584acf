// Package tcp is the direct transport: one TCP stream to an address the
// host announces through signaling.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dkeye/Desk/internal/codec"
	"github.com/dkeye/Desk/internal/core"
	"github.com/dkeye/Desk/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Negotiation keys exchanged for the direct transport.
const (
	KeyRequest = "direct_request"
	KeyAddress = "direct_address"
	KeyError   = "direct_error"
)

var ErrRefused = errors.New("host refused direct transport")

// Backend waits for the host's address, dials it, and hands out a Link.
type Backend struct {
	clientID    domain.ClientID
	dialTimeout time.Duration
	log         zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	ev     core.BackendEvents
	dialed bool
	cancel context.CancelFunc
}

var _ core.Backend = (*Backend)(nil)

func NewBackend(clientID domain.ClientID, dialTimeout time.Duration) *Backend {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Backend{
		clientID:    clientID,
		dialTimeout: dialTimeout,
		log:         log.With().Str("module", "tcp").Logger(),
	}
}

func (b *Backend) Kind() domain.TransportKind { return domain.Direct }

func (b *Backend) Start(ctx context.Context, ev core.BackendEvents) error {
	b.mu.Lock()
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.ev = ev
	b.mu.Unlock()
	ev.Negotiation(KeyRequest, string(b.clientID))
	return nil
}

// HandleRemote accepts the announced address or a refusal code.
func (b *Backend) HandleRemote(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ev == nil || b.dialed {
		return
	}
	switch key {
	case KeyAddress:
		b.dialed = true
		go b.dial(b.ctx, b.ev, value)
	case KeyError:
		b.dialed = true
		code, err := strconv.Atoi(value)
		if err != nil {
			b.ev.Failed(fmt.Errorf("%w: %s", ErrRefused, value))
			return
		}
		ec := domain.ErrorCode(code)
		if ec.PermissionLevel() {
			b.ev.Failed(&domain.PermissionError{Code: ec})
			return
		}
		b.ev.Failed(fmt.Errorf("%w: %s", ErrRefused, ec))
	}
}

func (b *Backend) dial(ctx context.Context, ev core.BackendEvents, addr string) {
	d := net.Dialer{Timeout: b.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		ev.Failed(fmt.Errorf("dial %s: %w", addr, err))
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	b.log.Info().Str("addr", addr).Msg("direct stream connected")
	l := newLink(conn, ev, b.log)
	go l.readLoop()
	ev.Connected(l)
}

func (b *Backend) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

// Link frames envelopes on the stream. Writes are serialized by wmu;
// unreliable sends skip the frame instead of waiting for it.
type Link struct {
	conn net.Conn
	ev   core.BackendEvents
	log  zerolog.Logger

	wmu  sync.Mutex
	w    *bufio.Writer
	buf  []byte
	once sync.Once
	shut chan struct{}
}

func newLink(conn net.Conn, ev core.BackendEvents, lg zerolog.Logger) *Link {
	return &Link{
		conn: conn,
		ev:   ev,
		log:  lg,
		w:    bufio.NewWriter(conn),
		shut: make(chan struct{}),
	}
}

func (l *Link) Kind() domain.TransportKind { return domain.Direct }

func (l *Link) SendReliable(tag domain.TypeTag, payload []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return l.write(tag, payload)
}

func (l *Link) SendUnreliable(tag domain.TypeTag, payload []byte) error {
	if !l.wmu.TryLock() {
		return domain.ErrBackpressure
	}
	defer l.wmu.Unlock()
	return l.write(tag, payload)
}

func (l *Link) write(tag domain.TypeTag, payload []byte) error {
	select {
	case <-l.shut:
		return domain.ErrClosed
	default:
	}
	var err error
	l.buf, err = codec.AppendFrame(l.buf[:0], tag, payload)
	if err != nil {
		return err
	}
	if _, err := l.w.Write(l.buf); err != nil {
		return err
	}
	return l.w.Flush()
}

func (l *Link) readLoop() {
	r := bufio.NewReader(l.conn)
	for {
		tag, payload, err := codec.ReadFrame(r)
		if err != nil {
			select {
			case <-l.shut:
				return
			default:
			}
			l.log.Warn().Err(err).Msg("direct stream read error")
			l.Close()
			l.ev.Closed(err)
			return
		}
		l.ev.Frame(tag, payload)
	}
}

func (l *Link) Close() {
	l.once.Do(func() {
		close(l.shut)
		_ = l.conn.Close()
	})
}
