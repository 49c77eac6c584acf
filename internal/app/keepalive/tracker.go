// Package keepalive tracks link liveness from keepalive/ack pairs.
package keepalive

import (
	"sync/atomic"
	"time"
)

// Tracker records the last keepalive sent and the last ack received. The
// link is dead once now-lastAck exceeds period*multiplier. Fields are
// atomics so the monitor goroutine can read them without touching session
// state.
type Tracker struct {
	period     time.Duration
	multiplier int
	now        func() time.Time

	lastSent   atomic.Int64
	lastAck    atomic.Int64
	generation atomic.Uint64
	seq        atomic.Uint64
}

func NewTracker(period time.Duration, multiplier int, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	return &Tracker{period: period, multiplier: multiplier, now: now}
}

// Reset stamps both timestamps with now and starts a new generation.
func (t *Tracker) Reset() uint64 {
	n := t.now().UnixNano()
	t.lastSent.Store(n)
	t.lastAck.Store(n)
	return t.generation.Add(1)
}

// MarkSent records a keepalive send and returns its sequence number.
func (t *Tracker) MarkSent() uint64 {
	t.lastSent.Store(t.now().UnixNano())
	return t.seq.Add(1)
}

func (t *Tracker) MarkAck() {
	t.lastAck.Store(t.now().UnixNano())
}

// Dead reports whether the ack window has been exceeded.
func (t *Tracker) Dead() bool {
	elapsed := time.Duration(t.now().UnixNano() - t.lastAck.Load())
	return elapsed > t.Timeout()
}

func (t *Tracker) Generation() uint64     { return t.generation.Load() }
func (t *Tracker) Period() time.Duration  { return t.period }
func (t *Tracker) Timeout() time.Duration { return t.period * time.Duration(t.multiplier) }

func (t *Tracker) LastAck() time.Time  { return time.Unix(0, t.lastAck.Load()) }
func (t *Tracker) LastSent() time.Time { return time.Unix(0, t.lastSent.Load()) }
