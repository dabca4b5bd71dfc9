package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/translate"
)

// The peer is reached over a single ordered channel, so every peer-directed
// operation goes through one pipeline: a command is a run of frames that
// must reach the wire back to back, each optionally waiting for its reply
// before the next is written.

type step struct {
	frame  translate.Frame
	expect bool // wait for a reply with the frame's own module/register
	accept func(translate.Frame) error
}

func send(f translate.Frame) step    { return step{frame: f} }
func request(f translate.Frame) step { return step{frame: f, expect: true} }

// allocate is a request for a peer slot. An empty reply means the peer
// table is full and aborts the rest of the command.
func allocate(f translate.Frame) step {
	return step{frame: f, expect: true, accept: func(reply translate.Frame) error {
		if _, ok := translate.ParseSlotReply(reply); !ok {
			return fmt.Errorf("%w: peer rejected %02x:%02x", sensorlink.ErrResourceExhausted, f.Module, f.Register)
		}
		return nil
	}}
}

type command struct {
	label   string
	steps   []step
	replies []translate.Frame
	err     error
	done    chan struct{}
}

type pendingReply struct {
	key translate.Key
	ch  chan translate.Frame
}

// do queues steps as one command and waits for it to finish. Replies are
// returned in order for every step that expects one.
func (s *Session) do(ctx context.Context, label string, steps ...step) ([]translate.Frame, error) {
	if s.isClosed() {
		return nil, sensorlink.ErrNotConnected
	}
	cmd := &command{label: label, steps: steps, done: make(chan struct{})}
	s.metrics.queued(1)
	select {
	case s.commands <- cmd:
	case <-s.closed:
		s.metrics.queued(-1)
		return nil, sensorlink.ErrNotConnected
	case <-ctx.Done():
		s.metrics.queued(-1)
		return nil, ctx.Err()
	}

	select {
	case <-cmd.done:
		return cmd.replies, cmd.err
	case <-s.closed:
		select {
		case <-cmd.done:
			return cmd.replies, cmd.err
		default:
		}
		return nil, fmt.Errorf("%s: %w", label, sensorlink.ErrTransportFailure)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.closed:
			return
		case cmd := <-s.commands:
			s.metrics.queued(-1)
			s.execute(cmd)
		}
	}
}

func (s *Session) execute(cmd *command) {
	defer close(cmd.done)
	for _, st := range cmd.steps {
		var wait chan translate.Frame
		if st.expect {
			wait = make(chan translate.Frame, 1)
			s.pendingMu.Lock()
			s.pending = &pendingReply{key: st.frame.Key(), ch: wait}
			s.pendingMu.Unlock()
		}

		if glog.V(2) {
			glog.Infof("[queue]%s %s -> %s\n", s.id, cmd.label, st.frame)
		}
		if err := s.transport.Send(st.frame.Bytes()); err != nil {
			s.clearPending()
			cmd.err = fmt.Errorf("%s: %w: %v", cmd.label, sensorlink.ErrTransportFailure, err)
			return
		}
		s.metrics.sent()
		if wait == nil {
			continue
		}

		timer := time.NewTimer(s.cfg.Engine.ResponseTimeout)
		select {
		case reply := <-wait:
			timer.Stop()
			cmd.replies = append(cmd.replies, reply)
			if st.accept != nil {
				if err := st.accept(reply); err != nil {
					glog.Infof("[queue]%s %s: %v\n", s.id, cmd.label, err)
					cmd.err = fmt.Errorf("%s: %w", cmd.label, err)
					return
				}
			}
		case <-timer.C:
			s.clearPending()
			glog.Infof("[queue]%s %s timed out waiting for %02x:%02x\n", s.id, cmd.label, st.frame.Module, st.frame.Register)
			cmd.err = fmt.Errorf("%s: %w", cmd.label, sensorlink.ErrTimeout)
			return
		case <-s.closed:
			timer.Stop()
			cmd.err = fmt.Errorf("%s: %w", cmd.label, sensorlink.ErrTransportFailure)
			return
		}
	}
}

func (s *Session) clearPending() {
	s.pendingMu.Lock()
	s.pending = nil
	s.pendingMu.Unlock()
}

// claimReply hands f to the waiting step if it is the reply it expects.
func (s *Session) claimReply(f translate.Frame) bool {
	s.pendingMu.Lock()
	p := s.pending
	if p == nil || p.key != f.Key() {
		s.pendingMu.Unlock()
		return false
	}
	s.pending = nil
	s.pendingMu.Unlock()
	p.ch <- f
	return true
}
