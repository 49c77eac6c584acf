// Package orch holds the SessionController: the state machine that drives
// signaling, transport negotiation, keepalive and reconnection for one
// remote-desktop session.
package orch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Desk/internal/app/backoff"
	"github.com/dkeye/Desk/internal/app/dispatch"
	"github.com/dkeye/Desk/internal/app/keepalive"
	"github.com/dkeye/Desk/internal/app/loop"
	"github.com/dkeye/Desk/internal/app/negotiate"
	"github.com/dkeye/Desk/internal/app/signaling"
	"github.com/dkeye/Desk/internal/app/timesync"
	"github.com/dkeye/Desk/internal/core"
	"github.com/dkeye/Desk/internal/domain"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Deps are the collaborators a Controller drives. Dialer and Backends are
// required.
type Deps struct {
	Dialer     core.SignalDialer
	Backends   core.BackendFactory
	Candidates []domain.TransportCandidate

	Video    core.VideoSinkFactory
	Audio    core.AudioSink
	Input    core.InputSource
	Platform core.PlatformLoop
	Status   core.StatusListener
	Metrics  *Metrics

	MediaQueueDepth int
	InputPollPeriod time.Duration
}

// Controller runs one session. Start, Stop, Wait, State and Snapshot are
// safe from any goroutine; everything else runs on its event loop.
type Controller struct {
	cfg    domain.SessionConfig
	tuning domain.Tuning
	deps   Deps
	log    zerolog.Logger

	loop    *loop.EventLoop
	runOnce sync.Once
	machine *fsm.FSM
	state   atomic.Int32

	backoff *backoff.Interval
	sig     *signaling.Session
	neg     *negotiate.Negotiator
	disp    *dispatch.Dispatcher
	lane    *dispatch.MediaLane
	media   *MediaBridge
	ts      *timesync.Sync
	tracker *keepalive.Tracker
	monitor *keepalive.Monitor

	link   core.Link
	outbox atomic.Pointer[dispatch.Outbox]

	joinTimer      *loop.Timer
	reconnectTimer *loop.Timer
	joinSent       bool
	linkUp         bool
	acked          bool
	retries        int
	fatalFired     bool
	inputStop      chan struct{}

	snapMu sync.Mutex
	snap   Snapshot

	closed    chan struct{}
	closeOnce sync.Once
}

// Snapshot is the read-only status view served to the UI layer.
type Snapshot struct {
	State     domain.ConnectionState `json:"-"`
	StateName string                 `json:"state"`
	Link      string                 `json:"link,omitempty"`
	RTT       time.Duration          `json:"rtt_ns"`
	Offset    time.Duration          `json:"offset_ns"`
	Retries   int                    `json:"retries"`
	Service   string                 `json:"service"`
	Stats     *domain.StatReport     `json:"stats,omitempty"`
	FatalCode string                 `json:"fatal,omitempty"`
}

// NewController loads the configuration and wires the session. On any
// failure it returns a nil controller and a *domain.ConstructionError.
func NewController(store core.ConfigStore, d Deps) (*Controller, error) {
	if store == nil {
		return nil, &domain.ConstructionError{Reason: "controller", Err: errors.New("no config store")}
	}
	cfg, err := store.Load()
	if err != nil {
		var ce *domain.ConstructionError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &domain.ConstructionError{Reason: "controller config", Err: err}
	}
	if d.Dialer == nil || d.Backends == nil {
		return nil, &domain.ConstructionError{Reason: "controller", Err: errors.New("signaling dialer and transport backends are required")}
	}
	if len(d.Candidates) == 0 {
		d.Candidates = domain.DefaultCandidates()
	}
	if d.Status == nil {
		d.Status = core.NopStatus{}
	}
	if d.InputPollPeriod <= 0 {
		d.InputPollPeriod = 4 * time.Millisecond
	}

	media, err := NewMediaBridge(d.Video, d.Audio, d.Metrics)
	if err != nil {
		return nil, &domain.ConstructionError{Reason: "video sink", Err: err}
	}

	t := cfg.Tuning()
	c := &Controller{
		cfg:     cfg,
		tuning:  t,
		deps:    d,
		log:     log.With().Str("module", "session").Str("room", string(cfg.RoomID())).Logger(),
		loop:    loop.New(),
		backoff: backoff.New(t.BackoffMin, t.BackoffMax),
		media:   media,
		tracker: keepalive.NewTracker(t.KeepalivePeriod, t.TimeoutMultiplier, nil),
		closed:  make(chan struct{}),
		snap:    Snapshot{State: domain.Idle, StateName: domain.Idle.String(), Service: domain.ServiceUp.String()},
	}
	c.machine = newMachine(c.transitioned)

	c.sig = signaling.New(c.loop, d.Dialer, cfg.SignalingURL(), c.backoff, t)
	c.sig.OnConnected(c.onSignalingConnected)
	c.sig.OnDisconnected(c.onSignalingLost)
	c.sig.OnReconnecting(c.onSignalingRetry)
	c.sig.OnMessage(c.onSignalingMessage)

	c.lane = dispatch.NewMediaLane(d.MediaQueueDepth, dispatch.SimplePolicy{})
	c.disp = dispatch.New(c.loop, c.lane)
	c.disp.OnDrop(d.Metrics.drop)
	c.registerHandlers()

	c.neg = negotiate.New(c.loop, d.Backends, cfg)
	c.neg.OnFrame = c.disp.Dispatch
	c.neg.OnLinkClosed = c.onLinkClosed
	c.neg.OnAttempt = func(tc domain.TransportCandidate) { d.Metrics.attempt(tc.Kind) }

	c.ts = timesync.New(c.loop, func(p domain.TimeSyncProbe) { c.sendData(p, true) }, t.TimeSyncWeight, nil)
	c.ts.OnSample(c.onTimeSample)
	media.offset = func() time.Duration { return c.ts.Estimate().Offset }
	media.onReset = func() { c.loop.PostTask(c.media.Reset) }

	if d.Platform != nil {
		d.Platform.OnExitRequested(c.Stop)
		d.Platform.OnRenderTargetReset(func() { c.loop.PostTask(c.media.Reset) })
	}
	return c, nil
}

func (c *Controller) ensureRunning() {
	c.runOnce.Do(func() { go c.loop.Run() })
}

// Start leaves Idle and begins connecting. It fails once the session has
// been started or stopped.
func (c *Controller) Start() error {
	c.ensureRunning()
	res := make(chan error, 1)
	if !c.loop.PostTask(func() { res <- c.start() }) {
		return domain.ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-c.closed:
		return domain.ErrClosed
	}
}

func (c *Controller) start() error {
	if c.State() != domain.Idle {
		if c.State() == domain.Closing || c.State() == domain.Closed {
			return domain.ErrClosed
		}
		return errors.New("session already started")
	}
	c.log.Info().Str("url", c.cfg.SignalingURL()).Msg("session starting")
	c.inputStop = make(chan struct{})
	if c.deps.Input != nil {
		go c.inputPump(c.inputStop)
	}
	c.fire(evStart)
	return nil
}

// Stop requests a graceful close. Safe to call repeatedly and from any
// goroutine, including a StatusListener callback.
func (c *Controller) Stop() {
	c.ensureRunning()
	c.loop.PostTask(func() {
		switch c.State() {
		case domain.Closing, domain.Closed:
			return
		}
		c.fire(evStop)
	})
}

// Wait blocks until the session reaches Closed.
func (c *Controller) Wait() { <-c.closed }

// Done is closed once the session reaches Closed.
func (c *Controller) Done() <-chan struct{} { return c.closed }

func (c *Controller) State() domain.ConnectionState {
	return domain.ConnectionState(c.state.Load())
}

func (c *Controller) Snapshot() Snapshot {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	s := c.snap
	s.State = c.State()
	s.StateName = s.State.String()
	if s.Stats != nil {
		st := *s.Stats
		s.Stats = &st
	}
	return s
}

func (c *Controller) updateSnap(fn func(s *Snapshot)) {
	c.snapMu.Lock()
	fn(&c.snap)
	c.snapMu.Unlock()
}

// fire runs one event and then the entry actions of the new state. Events
// that do not apply in the current state are ignored.
func (c *Controller) fire(event string) bool {
	if !c.machine.Can(event) {
		c.log.Debug().Str("event", event).Str("state", c.machine.Current()).Msg("event ignored")
		return false
	}
	if err := c.machine.Event(context.Background(), event); err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("transition failed")
		return false
	}
	to, _ := domain.ParseState(c.machine.Current())
	c.enter(to)
	return true
}

func (c *Controller) transitioned(from, to domain.ConnectionState, event string) {
	c.state.Store(int32(to))
	c.deps.Metrics.transition(from, to, event)
	c.log.Info().Stringer("from", from).Stringer("to", to).Str("event", event).Msg("state changed")
}

func (c *Controller) enter(s domain.ConnectionState) {
	switch s {
	case domain.ConnectingSignaling:
		c.joinSent = false
		c.sig.Connect()
	case domain.WaitingJoinAck:
		c.sendJoin()
		c.joinTimer = c.loop.PostDelayTask(c.tuning.JoinTimeout, c.onJoinTimeout)
	case domain.NegotiatingTransport:
		c.sig.StartKeepalive()
		c.negotiate()
	case domain.Streaming:
		c.enterStreaming()
	case domain.Reconnecting:
		c.enterReconnecting()
	case domain.Closing:
		c.enterClosing()
	case domain.Closed:
		c.finish()
	case domain.Idle:
	}
}

// fatal reports an unrecoverable error once. The caller drives the
// transition.
func (c *Controller) fatal(code domain.ErrorCode, err error) {
	if c.fatalFired {
		return
	}
	c.fatalFired = true
	c.log.Error().Err(err).Stringer("code", code).Msg("fatal session error")
	c.updateSnap(func(s *Snapshot) { s.FatalCode = code.String() })
	c.deps.Status.OnFatalError(code)
}

// abort is fatal followed by a graceful close, for states without a direct
// edge to Closed.
func (c *Controller) abort(code domain.ErrorCode, err error) {
	c.fatal(code, err)
	c.fire(evStop)
}

func (c *Controller) enterReconnecting() {
	c.deps.Status.OnDisconnected()
	c.teardownTransport()
	c.sig.Disconnect()

	c.retries++
	c.updateSnap(func(s *Snapshot) { s.Retries = c.retries; s.Link = "" })
	d := c.backoff.Next()
	c.log.Info().Int("retry", c.retries).Dur("delay", d).Msg("reconnecting")
	c.deps.Status.OnReconnecting()
	c.reconnectTimer = c.loop.PostDelayTask(d, func() {
		c.reconnectTimer = nil
		c.fire(evRedial)
	})
}

func (c *Controller) enterClosing() {
	c.joinTimer.Cancel()
	c.joinTimer = nil
	c.reconnectTimer.Cancel()
	c.reconnectTimer = nil
	c.neg.Cancel()
	c.monitor.Stop()
	c.monitor = nil
	c.ts.Stop()
	c.stopInput()

	ob := c.outbox.Swap(nil)
	link := c.link
	c.link = nil
	if ob == nil {
		c.sig.Close()
		c.fire(evClosed)
		return
	}
	grace := c.tuning.DrainGrace
	go func() {
		flushed := ob.Drain(grace)
		c.loop.PostTask(func() {
			c.log.Info().Bool("flushed", flushed).Msg("outbound drained")
			if link != nil {
				link.Close()
			}
			c.sig.Close()
			c.fire(evClosed)
		})
	}()
}

// finish releases everything still held and unblocks Wait. Reached from
// Closing and from the two fatal edges.
func (c *Controller) finish() {
	c.joinTimer.Cancel()
	c.reconnectTimer.Cancel()
	c.teardownTransport()
	c.sig.Close()
	c.stopInput()
	c.deps.Status.OnDisconnected()

	c.closeOnce.Do(func() {
		close(c.closed)
		go func() {
			// lane.Close waits for a handler that may be posting to the loop
			c.lane.Close()
			c.loop.Stop()
		}()
	})
}
