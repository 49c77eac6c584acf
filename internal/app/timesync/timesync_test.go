package timesync

import (
	"testing"
	"time"

	"github.com/dkeye/Desk/internal/app/loop"
	"github.com/dkeye/Desk/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualPoster runs nothing; delayed probes are collected for the test to fire.
type manualPoster struct {
	delayed []loop.Task
}

func (p *manualPoster) PostTask(t loop.Task) bool { t(); return true }

func (p *manualPoster) PostDelayTask(_ time.Duration, t loop.Task) *loop.Timer {
	p.delayed = append(p.delayed, t)
	return nil
}

func (p *manualPoster) fire() {
	ts := p.delayed
	p.delayed = nil
	for _, t := range ts {
		t()
	}
}

func TestSampleMath(t *testing.T) {
	s := Sample{T0: 0, T1: 110, T2: 120, T3: 30}
	assert.Equal(t, int64(20), s.RTT())
	assert.Equal(t, int64(100), s.Offset())
}

func TestEMASequence(t *testing.T) {
	s := New(&manualPoster{}, func(domain.TimeSyncProbe) {}, 0.75, nil)

	s.Observe(Sample{T0: 0, T1: 110, T2: 120, T3: 30})
	e := s.Estimate()
	assert.Equal(t, 20*time.Microsecond, e.RTT)
	assert.Equal(t, 100*time.Microsecond, e.Offset)
	assert.Equal(t, 1, e.Samples)

	// rtt 60, offset 200
	s.Observe(Sample{T0: 1000, T1: 1230, T2: 1250, T3: 1080})
	e = s.Estimate()
	assert.Equal(t, 50*time.Microsecond, e.RTT)
	assert.Equal(t, 175*time.Microsecond, e.Offset)
	assert.Equal(t, 2, e.Samples)
}

func TestProbeEchoFlow(t *testing.T) {
	var clock int64
	var sent []domain.TimeSyncProbe
	p := &manualPoster{}
	s := New(p, func(pr domain.TimeSyncProbe) { sent = append(sent, pr) }, 0.75, func() int64 { return clock })

	var got []Estimate
	s.OnSample(func(e Estimate) { got = append(got, e) })

	s.Start(time.Second)
	clock = 1000
	p.fire()
	require.Len(t, sent, 2)
	assert.Equal(t, uint64(1), sent[0].Seq)
	assert.Equal(t, uint64(2), sent[1].Seq)

	// Echo for probe 2 arrives first; probe 1 is then stale.
	ok := s.HandleEcho(domain.TimeSyncEcho{Seq: 2, T0: 1000, T1: 1110, T2: 1120}, 1030)
	assert.True(t, ok)
	assert.False(t, s.HandleEcho(domain.TimeSyncEcho{Seq: 1, T0: 0, T1: 10, T2: 20}, 40))
	assert.False(t, s.HandleEcho(domain.TimeSyncEcho{Seq: 2, T0: 1000, T1: 1110, T2: 1120}, 1030), "duplicate")
	assert.False(t, s.HandleEcho(domain.TimeSyncEcho{Seq: 9, T0: 0}, 10), "never sent")

	require.Len(t, got, 1)
	assert.Equal(t, 20*time.Microsecond, got[0].RTT)
	assert.Equal(t, 100*time.Microsecond, got[0].Offset)
}

func TestStopHaltsProbes(t *testing.T) {
	var n int
	p := &manualPoster{}
	s := New(p, func(domain.TimeSyncProbe) { n++ }, 0.75, nil)
	s.Start(time.Second)
	s.Stop()
	p.fire()
	assert.Equal(t, 1, n)
}

func TestResetClearsEstimate(t *testing.T) {
	s := New(&manualPoster{}, func(domain.TimeSyncProbe) {}, 0.5, nil)
	s.Observe(Sample{T0: 0, T1: 110, T2: 120, T3: 30})
	s.Reset()
	assert.Equal(t, Estimate{}, s.Estimate())
}

func TestEstimateKeepsSubMicrosecondPrecision(t *testing.T) {
	s := New(&manualPoster{}, func(domain.TimeSyncProbe) {}, 0.5, nil)

	s.Observe(Sample{T0: 0, T1: 110, T2: 120, T3: 30})
	// rtt 21, offset 99
	s.Observe(Sample{T0: 0, T1: 110, T2: 120, T3: 31})
	e := s.Estimate()
	assert.Equal(t, 20500*time.Nanosecond, e.RTT)
	assert.Equal(t, 99500*time.Nanosecond, e.Offset)
}
