package runtime

import (
	"sync"
	"time"

	"github.com/xmidt-org/talaria/sensorlink"
)

// eventHub fans session lifecycle events out to subscribers. Slow
// subscribers lose events rather than stall the session.
type eventHub struct {
	mu        sync.RWMutex
	listeners []*eventSub
}

type eventSub struct {
	hub       *eventHub
	ch        chan sensorlink.Event
	closeOnce sync.Once
}

func (e *eventSub) C() <-chan sensorlink.Event { return e.ch }

func (e *eventSub) Close() error {
	e.closeOnce.Do(func() {
		e.hub.remove(e)
		close(e.ch)
	})
	return nil
}

func (h *eventHub) subscribe(buffer int) sensorlink.EventSubscription {
	es := &eventSub{hub: h, ch: make(chan sensorlink.Event, buffer)}
	h.mu.Lock()
	h.listeners = append(h.listeners, es)
	h.mu.Unlock()
	return es
}

func (h *eventHub) remove(es *eventSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, l := range h.listeners {
		if l == es {
			h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
			return
		}
	}
}

func (h *eventHub) broadcast(e sensorlink.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, es := range h.listeners {
		select {
		case es.ch <- e:
		default: /* drop if slow */
		}
	}
}
