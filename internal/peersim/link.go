package peersim

import (
	"errors"
	"sync"

	"github.com/xmidt-org/talaria/sensorlink"
)

// ErrLinkLost is what a dropped link reports to its disconnect callback.
var ErrLinkLost = errors.New("peersim: link lost")

// Link is one connection to the simulated peripheral. It implements
// sensorlink.Transport. Peer-to-host frames are delivered in order on a
// goroutine of their own, like a radio stack callback.
type Link struct {
	p *Peer

	mu         sync.Mutex
	queue      [][]byte
	receive    func([]byte)
	disconnect func(error)
	dropped    bool
	closed     bool
	signal     chan struct{}
	bound      sync.Once
}

func newLink(p *Peer) *Link {
	return &Link{p: p, signal: make(chan struct{}, 1)}
}

func (l *Link) Bind(receive func([]byte), disconnect func(error)) {
	l.bound.Do(func() {
		l.mu.Lock()
		l.receive, l.disconnect = receive, disconnect
		l.mu.Unlock()
		go l.deliver()
		l.wake()
	})
}

func (l *Link) Send(frame []byte) error {
	l.mu.Lock()
	down := l.dropped || l.closed
	l.mu.Unlock()
	if down {
		return sensorlink.ErrNotConnected
	}
	l.p.handle(l, append([]byte(nil), frame...))
	return nil
}

// Close is the host hanging up. Nothing further is delivered.
func (l *Link) Close() error {
	l.mu.Lock()
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
	l.wake()
	return nil
}

// Drop is the radio link failing. Undelivered frames are lost and the host
// is told through its disconnect callback.
func (l *Link) Drop() {
	l.mu.Lock()
	if l.dropped || l.closed {
		l.mu.Unlock()
		return
	}
	l.dropped = true
	l.queue = nil
	l.mu.Unlock()
	l.wake()
}

// Live reports whether the link can still carry frames.
func (l *Link) Live() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.dropped && !l.closed
}

func (l *Link) push(frame []byte) {
	l.mu.Lock()
	if l.dropped || l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, frame)
	l.mu.Unlock()
	l.wake()
}

func (l *Link) wake() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *Link) deliver() {
	for range l.signal {
		l.mu.Lock()
		items := l.queue
		l.queue = nil
		dropped, closed := l.dropped, l.closed
		receive, disconnect := l.receive, l.disconnect
		l.mu.Unlock()

		if dropped {
			disconnect(ErrLinkLost)
			return
		}
		if closed {
			return
		}
		for _, b := range items {
			receive(b)
		}
	}
}
