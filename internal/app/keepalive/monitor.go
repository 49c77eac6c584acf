package keepalive

import (
	"sync"
	"time"

	"github.com/dkeye/Desk/internal/app/loop"
)

// Monitor is the timer goroutine behind a Tracker. Every period it posts
// onTick to the loop, and once the tracker is dead it posts onDead a
// single time and exits. It never touches session state itself.
type Monitor struct {
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func StartMonitor(tr *Tracker, p loop.Poster, onTick func(), onDead func(gen uint64)) *Monitor {
	m := &Monitor{stop: make(chan struct{})}
	gen := tr.Generation()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(tr.Period())
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				if tr.Dead() {
					p.PostTask(func() { onDead(gen) })
					return
				}
				if onTick != nil {
					p.PostTask(onTick)
				}
			}
		}
	}()
	return m
}

// Stop ends the goroutine and waits for it. Nil-safe and idempotent.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
}
