package keepalive

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Desk/internal/app/loop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTrackerDeadAfterWindow(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	tr := NewTracker(100*time.Millisecond, 3, clk.Now)
	tr.Reset()

	clk.Advance(300 * time.Millisecond)
	assert.False(t, tr.Dead(), "exactly at the window is still alive")

	clk.Advance(time.Millisecond)
	assert.True(t, tr.Dead())

	tr.MarkAck()
	assert.False(t, tr.Dead())
}

func TestResetBumpsGeneration(t *testing.T) {
	tr := NewTracker(time.Second, 2, nil)
	g1 := tr.Reset()
	g2 := tr.Reset()
	assert.Equal(t, g1+1, g2)
	assert.Equal(t, g2, tr.Generation())
}

func TestMonitorPostsDeadOnce(t *testing.T) {
	l := loop.New()
	go l.Run()
	defer func() { l.Stop(); <-l.Done() }()

	tr := NewTracker(10*time.Millisecond, 2, nil)
	gen := tr.Reset()

	var deadCount atomic.Int32
	gotGen := make(chan uint64, 4)
	m := StartMonitor(tr, l, nil, func(g uint64) {
		deadCount.Add(1)
		gotGen <- g
	})
	defer m.Stop()

	select {
	case g := <-gotGen:
		assert.Equal(t, gen, g)
	case <-time.After(time.Second):
		t.Fatal("monitor never declared the link dead")
	}
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), deadCount.Load())
}

func TestMonitorTicksWhileAcked(t *testing.T) {
	l := loop.New()
	go l.Run()
	defer func() { l.Stop(); <-l.Done() }()

	tr := NewTracker(5*time.Millisecond, 4, nil)
	tr.Reset()

	var ticks atomic.Int32
	var dead atomic.Bool
	m := StartMonitor(tr, l, func() {
		ticks.Add(1)
		tr.MarkAck()
	}, func(uint64) { dead.Store(true) })

	require.Eventually(t, func() bool { return ticks.Load() >= 5 }, time.Second, time.Millisecond)
	m.Stop()
	assert.False(t, dead.Load())
}
