package dispatch

import (
	"sync"

	"github.com/dkeye/Desk/internal/domain"
	"github.com/rs/zerolog/log"
)

type BackpressureAction int

const (
	// DropFrame discards the incoming message.
	DropFrame BackpressureAction = iota
	// DropOldest evicts the oldest queued message to make room.
	DropOldest
)

// Policy decides what happens when the media queue is full.
type Policy interface {
	OnBackPressure(msg domain.Message) BackpressureAction
}

// SimplePolicy keeps keyframes at the cost of a stale frame and drops
// everything else.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(msg domain.Message) BackpressureAction {
	if vf, ok := msg.(domain.VideoFrame); ok && vf.Keyframe {
		return DropOldest
	}
	return DropFrame
}

type mediaItem struct {
	msg domain.Message
	h   Handler
}

// MediaLane is a bounded queue drained by one goroutine. Offer never
// blocks.
type MediaLane struct {
	items  chan mediaItem
	policy Policy

	// serializes evict-then-push against other offers
	mu   sync.Mutex
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func NewMediaLane(depth int, policy Policy) *MediaLane {
	if depth <= 0 {
		depth = 64
	}
	if policy == nil {
		policy = SimplePolicy{}
	}
	m := &MediaLane{
		items:  make(chan mediaItem, depth),
		policy: policy,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// Offer queues msg for h. False means the message was dropped.
func (m *MediaLane) Offer(msg domain.Message, h Handler) bool {
	select {
	case <-m.quit:
		return false
	default:
	}
	it := mediaItem{msg: msg, h: h}

	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case m.items <- it:
		return true
	default:
	}
	if m.policy.OnBackPressure(msg) != DropOldest {
		return false
	}
	select {
	case <-m.items:
	default:
	}
	select {
	case m.items <- it:
		return true
	default:
		return false
	}
}

func (m *MediaLane) run() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			return
		case it := <-m.items:
			m.deliver(it)
		}
	}
}

func (m *MediaLane) deliver(it mediaItem) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "dispatch").Interface("panic", r).
				Stringer("tag", it.msg.Tag()).Msg("media handler panicked")
		}
	}()
	it.h(it.msg)
}

// Len returns the number of queued messages.
func (m *MediaLane) Len() int { return len(m.items) }

// Close stops the goroutine and waits for it; queued messages are dropped.
func (m *MediaLane) Close() {
	m.once.Do(func() { close(m.quit) })
	<-m.done
}
