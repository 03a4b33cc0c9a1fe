package main

import (
	"sync"

	"github.com/kvmgate/kvmgate/nbd"
)

// eventHub fans NBD lifecycle events out to the SSE subscribers. Slow
// subscribers lose events instead of stalling the poller.
type eventHub struct {
	locker      sync.Mutex
	subscribers map[chan nbd.Event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{
		subscribers: make(map[chan nbd.Event]struct{}),
	}
}

func (h *eventHub) subscribe() chan nbd.Event {
	ch := make(chan nbd.Event, 16)
	h.locker.Lock()
	defer h.locker.Unlock()
	h.subscribers[ch] = struct{}{}
	return ch
}

func (h *eventHub) unsubscribe(ch chan nbd.Event) {
	h.locker.Lock()
	defer h.locker.Unlock()
	delete(h.subscribers, ch)
}

func (h *eventHub) publish(event nbd.Event) {
	h.locker.Lock()
	defer h.locker.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
