// Package ws is the gorilla/websocket signaling adapter.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Desk/internal/core"
	"github.com/dkeye/Desk/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendQueue    = 32
	defaultWriteTimeout = 5 * time.Second
)

// Dialer opens binary websocket streams carrying one frame per message.
type Dialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SendQueue        int
	Header           http.Header
}

var _ core.SignalDialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, url string, h core.SignalHandler) (core.SignalConnection, error) {
	wd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if wd.HandshakeTimeout <= 0 {
		wd.HandshakeTimeout = 10 * time.Second
	}
	ws, _, err := wd.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}

	queue := d.SendQueue
	if queue <= 0 {
		queue = defaultSendQueue
	}
	wt := d.WriteTimeout
	if wt <= 0 {
		wt = defaultWriteTimeout
	}
	c := &wsSignalConn{
		conn:         ws,
		send:         make(chan core.Frame, queue),
		quit:         make(chan struct{}),
		handler:      h,
		writeTimeout: wt,
		log:          log.With().Str("module", "signal").Str("url", url).Logger(),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

type wsSignalConn struct {
	conn    *websocket.Conn
	send    chan core.Frame
	quit    chan struct{}
	handler core.SignalHandler

	writeTimeout time.Duration
	once         sync.Once
	local        atomic.Bool
	log          zerolog.Logger
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	select {
	case <-c.quit:
		return domain.ErrClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		return domain.ErrBackpressure
	}
}

// Close is the local close; the handler then sees OnClose(nil).
func (c *wsSignalConn) Close() {
	c.local.Store(true)
	c.shutdown()
}

func (c *wsSignalConn) shutdown() {
	c.once.Do(func() {
		close(c.quit)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

func (c *wsSignalConn) writePump() {
	for {
		select {
		case <-c.quit:
			c.log.Debug().Msg("writePump quit")
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.log.Warn().Err(err).Msg("writePump set deadline error")
				c.shutdown()
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.log.Warn().Err(err).Msg("writePump write error")
				c.shutdown()
				return
			}
		}
	}
}

func (c *wsSignalConn) readPump() {
	var cause error
	defer func() {
		c.shutdown()
		if c.local.Load() {
			cause = nil
		}
		c.log.Info().AnErr("cause", cause).Msg("readPump closing")
		c.handler.OnClose(cause)
	}()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			cause = err
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				cause = errors.New("closed by server")
			}
			return
		}
		if kind != websocket.BinaryMessage {
			c.log.Warn().Int("kind", kind).Msg("non-binary signaling message dropped")
			continue
		}
		c.handler.OnFrame(core.Frame(data))
	}
}
