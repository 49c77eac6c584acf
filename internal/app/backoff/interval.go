// Package backoff generates reconnect delays: doubling from a minimum up to
// a cap, reset to the minimum after a successful session.
package backoff

import (
	"sync"
	"time"
)

// Interval is shared by signaling redials and session reconnects so both
// paths walk the same sequence.
type Interval struct {
	mu   sync.Mutex
	min  time.Duration
	max  time.Duration
	next time.Duration
}

func New(min, max time.Duration) *Interval {
	if min <= 0 {
		min = time.Millisecond
	}
	if max < min {
		max = min
	}
	return &Interval{min: min, max: max, next: min}
}

// Next returns the current delay and advances the sequence.
func (i *Interval) Next() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	d := i.next
	if i.next < i.max {
		i.next = min(i.next*2, i.max)
	}
	return d
}

// Peek returns the delay Next would return.
func (i *Interval) Peek() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.next
}

func (i *Interval) Reset() {
	i.mu.Lock()
	i.next = i.min
	i.mu.Unlock()
}
