package runtime

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/translate"
)

// Handler receives the decoded payload of each occurrence of a node, or the
// decode error for a frame that could not be decoded.
type Handler func(sensorlink.Payload, error)

type notification struct {
	payload sensorlink.Payload
	err     error
}

// subscription delivers one node's notifications in arrival order on its own
// goroutine, so handlers may call back into the session.
type subscription struct {
	mu      sync.Mutex
	handler Handler
	q       *fifo[notification]
	done    chan struct{}
}

func newSubscription(h Handler) *subscription {
	sub := &subscription{handler: h, q: newFifo[notification](), done: make(chan struct{})}
	go sub.loop()
	return sub
}

func (sub *subscription) setHandler(h Handler) {
	sub.mu.Lock()
	sub.handler = h
	sub.mu.Unlock()
}

func (sub *subscription) loop() {
	defer close(sub.done)
	for range sub.q.signal {
		items, closed := sub.q.take()
		for _, n := range items {
			sub.deliver(n)
		}
		if closed {
			return
		}
	}
}

func (sub *subscription) deliver(n notification) {
	sub.mu.Lock()
	h := sub.handler
	sub.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[router]notification handler panic: %v\n", r)
		}
	}()
	h(n.payload, n.err)
}

// close stops the subscription after already queued notifications are
// delivered.
func (sub *subscription) close() {
	sub.q.close()
}

// Subscribe registers handler for n and enables peer notification of its
// source. Subscribing an already notifying node only replaces the handler.
func (s *Session) Subscribe(ctx context.Context, n EventNode, handler Handler) error {
	if handler == nil {
		return sensorlink.ErrInvalidParameter
	}
	if err := s.checkRecording("subscribe"); err != nil {
		return err
	}
	s.refMu.Lock()
	defer s.refMu.Unlock()

	nd, err := s.live(n)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if nd.sub != nil {
		nd.sub.setHandler(handler)
		s.mu.Unlock()
		return nil
	}
	src := nd.source
	s.mu.Unlock()

	if err := s.acquireLocked(ctx, src); err != nil {
		return err
	}
	s.mu.Lock()
	if s.arena.dead.Load() {
		s.mu.Unlock()
		return sensorlink.ErrNotConnected
	}
	nd.sub = newSubscription(handler)
	s.mu.Unlock()
	return nil
}

// Unsubscribe drops the handler of n. The peer notification bit is cleared
// only when no other consumer of the source remains. If clearing it fails
// the subscription is left in place.
func (s *Session) Unsubscribe(ctx context.Context, n EventNode) error {
	if err := s.checkRecording("unsubscribe"); err != nil {
		return err
	}
	s.refMu.Lock()
	defer s.refMu.Unlock()

	nd, err := s.live(n)
	if err != nil {
		return err
	}
	s.mu.Lock()
	sub, src := nd.sub, nd.source
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := s.releaseLocked(ctx, src); err != nil {
		return err
	}
	s.mu.Lock()
	nd.sub = nil
	s.mu.Unlock()
	sub.close()
	return nil
}

// Subscribe is shorthand for n.Session().Subscribe.
func (n EventNode) Subscribe(ctx context.Context, handler Handler) error {
	if n.a == nil {
		return sensorlink.ErrStaleNode
	}
	return n.a.s.Subscribe(ctx, n, handler)
}

// Unsubscribe is shorthand for n.Session().Unsubscribe.
func (n EventNode) Unsubscribe(ctx context.Context) error {
	if n.a == nil {
		return sensorlink.ErrStaleNode
	}
	return n.a.s.Unsubscribe(ctx, n)
}

// NotifyRefs reports how many consumers hold src enabled.
func (s *Session) NotifyRefs(src sensorlink.Source) int {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return s.refs[src]
}

func (s *Session) acquire(ctx context.Context, src sensorlink.Source) error {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return s.acquireLocked(ctx, src)
}

func (s *Session) release(ctx context.Context, src sensorlink.Source) error {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return s.releaseLocked(ctx, src)
}

// acquireLocked counts one more consumer of src, enabling it on the first.
// Callers hold s.refMu.
func (s *Session) acquireLocked(ctx context.Context, src sensorlink.Source) error {
	if s.refs[src] == 0 {
		if _, err := s.do(ctx, "notify-on", send(translate.BuildNotify(src, true))); err != nil {
			return err
		}
	}
	s.refs[src]++
	return nil
}

// releaseLocked counts one consumer fewer, disabling src on the last. A
// failed disable leaves the count as it was. Callers hold s.refMu.
func (s *Session) releaseLocked(ctx context.Context, src sensorlink.Source) error {
	switch n := s.refs[src]; {
	case n <= 0:
		return nil
	case n > 1:
		s.refs[src]--
		return nil
	}
	if _, err := s.do(ctx, "notify-off", send(translate.BuildNotify(src, false))); err != nil {
		return err
	}
	delete(s.refs, src)
	return nil
}

// route delivers a peer data frame to the subscribers of its source.
func (s *Session) route(f translate.Frame) {
	src, data, err := translate.DataSource(f)
	if err != nil {
		glog.V(2).Infof("[router]%s drop %s: %v\n", s.id, f, err)
		s.metrics.dropped()
		return
	}

	type target struct {
		sub   *subscription
		ptype sensorlink.PayloadType
	}
	s.mu.Lock()
	var targets []target
	for _, idx := range s.bySource[src] {
		nd := s.arena.nodes[idx]
		if nd.sub != nil && !nd.removed {
			targets = append(targets, target{sub: nd.sub, ptype: nd.ptype})
		}
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		glog.V(2).Infof("[router]%s no subscriber for %s\n", s.id, src)
		s.metrics.dropped()
		return
	}
	for _, t := range targets {
		p, err := translate.DecodePayload(t.ptype, data)
		if t.sub.q.push(notification{payload: p, err: err}) {
			s.metrics.notified()
		}
	}
}
