// Package timesync estimates round-trip time and clock offset against the
// host with four-timestamp probes.
package timesync

import (
	"sync/atomic"
	"time"

	"github.com/dkeye/Desk/internal/app/loop"
	"github.com/dkeye/Desk/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxPending bounds probes awaiting an echo; older ones are forgotten.
const maxPending = 16

// Sample holds one probe exchange in microseconds: local send, remote
// receive, remote send, local receive.
type Sample struct {
	T0, T1, T2, T3 int64
}

func (s Sample) RTT() int64 { return (s.T3 - s.T0) - (s.T2 - s.T1) }

func (s Sample) Offset() int64 { return ((s.T1 - s.T0) + (s.T2 - s.T3)) / 2 }

// Estimate is the smoothed result. Offset is remote minus local.
type Estimate struct {
	RTT     time.Duration
	Offset  time.Duration
	Samples int
}

// Sync sends probes and folds echoes into an EMA. Start, Stop and
// HandleEcho run on the event loop; Estimate is safe from any goroutine.
type Sync struct {
	poster loop.Poster
	send   func(domain.TimeSyncProbe)
	weight float64
	now    func() int64
	log    zerolog.Logger

	period   time.Duration
	timer    *loop.Timer
	running  bool
	seq      uint64
	lastSeen uint64
	pending  map[uint64]int64
	rtt      float64
	offset   float64
	count    int
	onSample func(Estimate)

	est atomic.Pointer[Estimate]
}

// New returns a Sync that emits probes through send. now returns the local
// clock in microseconds; nil uses a monotonic clock.
func New(p loop.Poster, send func(domain.TimeSyncProbe), weight float64, now func() int64) *Sync {
	if weight <= 0 || weight > 1 {
		weight = domain.DefaultTuning().TimeSyncWeight
	}
	if now == nil {
		epoch := time.Now()
		now = func() int64 { return time.Since(epoch).Microseconds() }
	}
	s := &Sync{
		poster:  p,
		send:    send,
		weight:  weight,
		now:     now,
		log:     log.With().Str("module", "timesync").Logger(),
		pending: make(map[uint64]int64),
	}
	s.est.Store(&Estimate{})
	return s
}

func (s *Sync) OnSample(cb func(Estimate)) { s.onSample = cb }

// Start probes immediately and then every period, until Stop.
func (s *Sync) Start(period time.Duration) {
	s.Stop()
	s.period = period
	s.running = true
	s.probe()
}

// Stop cancels the probe timer and forgets in-flight probes. The last
// estimate stays readable.
func (s *Sync) Stop() {
	s.running = false
	s.timer.Cancel()
	s.timer = nil
	clear(s.pending)
}

// Reset drops the estimate; used when the transport is replaced.
func (s *Sync) Reset() {
	s.Stop()
	s.rtt, s.offset, s.count = 0, 0, 0
	s.lastSeen = s.seq
	s.est.Store(&Estimate{})
}

func (s *Sync) probe() {
	if !s.running {
		return
	}
	s.seq++
	t0 := s.now()
	s.pending[s.seq] = t0
	if len(s.pending) > maxPending {
		delete(s.pending, s.seq-maxPending)
	}
	s.send(domain.TimeSyncProbe{Seq: s.seq, T0: t0})
	s.timer = s.poster.PostDelayTask(s.period, s.probe)
}

// HandleEcho accepts an echo received at local time t3. Unknown, stale or
// duplicate echoes are dropped and reported false.
func (s *Sync) HandleEcho(echo domain.TimeSyncEcho, t3 int64) bool {
	t0, ok := s.pending[echo.Seq]
	if !ok || echo.Seq <= s.lastSeen || t0 != echo.T0 {
		s.log.Debug().Uint64("seq", echo.Seq).Msg("stale time sync echo dropped")
		return false
	}
	delete(s.pending, echo.Seq)
	s.lastSeen = echo.Seq
	for seq := range s.pending {
		if seq < echo.Seq {
			delete(s.pending, seq)
		}
	}

	sm := Sample{T0: t0, T1: echo.T1, T2: echo.T2, T3: t3}
	s.fold(sm)
	return true
}

// Observe folds a sample directly.
func (s *Sync) Observe(sm Sample) { s.fold(sm) }

func (s *Sync) fold(sm Sample) {
	rtt, off := float64(sm.RTT()), float64(sm.Offset())
	if s.count == 0 {
		s.rtt, s.offset = rtt, off
	} else {
		s.rtt = s.weight*rtt + (1-s.weight)*s.rtt
		s.offset = s.weight*off + (1-s.weight)*s.offset
	}
	s.count++

	e := &Estimate{
		RTT:     time.Duration(s.rtt * float64(time.Microsecond)),
		Offset:  time.Duration(s.offset * float64(time.Microsecond)),
		Samples: s.count,
	}
	s.est.Store(e)
	if s.onSample != nil {
		s.onSample(*e)
	}
}

// Estimate returns the current smoothed estimate.
func (s *Sync) Estimate() Estimate { return *s.est.Load() }

// Now returns the local clock used for t0/t3, in microseconds.
func (s *Sync) Now() int64 { return s.now() }
