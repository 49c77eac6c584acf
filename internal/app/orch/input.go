package orch

import (
	"time"

	"github.com/dkeye/Desk/internal/domain"
)

// inputPump polls the local input source and forwards events while
// streaming. It only touches the outbox pointer and the atomic state.
func (c *Controller) inputPump(stop <-chan struct{}) {
	t := time.NewTicker(c.deps.InputPollPeriod)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		events := c.deps.Input.PollLocalEvents()
		if len(events) == 0 || c.State() != domain.Streaming {
			continue
		}
		for _, ev := range events {
			c.sendData(ev.Event, ev.Reliable)
		}
	}
}

func (c *Controller) stopInput() {
	if c.inputStop != nil {
		close(c.inputStop)
		c.inputStop = nil
	}
}
