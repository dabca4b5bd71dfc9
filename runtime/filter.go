package runtime

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/golang/glog"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/translate"
)

// Accumulate derives the running sum of input's integer value. The sum lives
// on the peer and only resets through ResetAccumulator.
//
// Every call allocates a new peer filter and returns a new node; callers
// keep the handle.
func (s *Session) Accumulate(ctx context.Context, input EventNode) (EventNode, error) {
	return s.derive(ctx, input, sensorlink.Filter{Kind: sensorlink.FilterAccumulate})
}

// RateLimit derives a node firing at most once per period. Within a window
// the last input value wins and is emitted at the window boundary.
func (s *Session) RateLimit(ctx context.Context, input EventNode, period time.Duration) (EventNode, error) {
	ms := period.Milliseconds()
	if ms <= 0 || ms > math.MaxUint32 {
		return EventNode{}, fmt.Errorf("%w: rate-limit period %s", sensorlink.ErrInvalidParameter, period)
	}
	return s.derive(ctx, input, sensorlink.Filter{Kind: sensorlink.FilterRateLimit, PeriodMs: uint32(ms)})
}

// CoSample derives a node firing with input but carrying a fresh reading of
// sensor.
func (s *Session) CoSample(ctx context.Context, input EventNode, sensor sensorlink.Sensor) (EventNode, error) {
	if !s.HasModule(sensor.Source.Module) {
		return EventNode{}, fmt.Errorf("co-sample sensor %s: %w", sensor.Source, sensorlink.ErrUnsupported)
	}
	return s.derive(ctx, input, sensorlink.Filter{Kind: sensorlink.FilterCoSample, Sensor: &sensor})
}

func filterOutput(in sensorlink.PayloadType, f sensorlink.Filter) (sensorlink.PayloadType, error) {
	switch f.Kind {
	case sensorlink.FilterAccumulate:
		if in != sensorlink.PayloadUint8 && in != sensorlink.PayloadInt32 {
			return 0, fmt.Errorf("%w: cannot accumulate %s", sensorlink.ErrInvalidParameter, in)
		}
		return sensorlink.PayloadInt32, nil
	case sensorlink.FilterRateLimit:
		return in, nil
	case sensorlink.FilterCoSample:
		return f.Sensor.Type, nil
	}
	return 0, fmt.Errorf("%w: %s", sensorlink.ErrInvalidParameter, f.Kind)
}

func (s *Session) derive(ctx context.Context, input EventNode, f sensorlink.Filter) (EventNode, error) {
	if err := s.checkRecording("filter " + f.Kind.String()); err != nil {
		return EventNode{}, err
	}

	s.mu.Lock()
	in, err := s.resolve(input)
	if err != nil {
		s.mu.Unlock()
		return EventNode{}, err
	}
	inSrc, inType, inIdx, def := in.source, in.ptype, in.index, in.def.Clone()
	out, err := filterOutput(inType, f)
	if err != nil {
		s.mu.Unlock()
		return EventNode{}, err
	}
	add, err := translate.BuildFilterAdd(inSrc, inType, f)
	if err != nil {
		s.mu.Unlock()
		return EventNode{}, fmt.Errorf("%w: %v", sensorlink.ErrInvalidParameter, err)
	}
	if err := s.filters.reserve(1, 0); err != nil {
		s.mu.Unlock()
		return EventNode{}, err
	}
	s.mu.Unlock()

	replies, err := s.do(ctx, "filter-add", allocate(add))
	var id sensorlink.Slot
	if err == nil {
		id, _ = translate.ParseSlotReply(replies[0])
	}
	s.mu.Lock()
	if err != nil {
		s.filters.unreserve(1)
		s.mu.Unlock()
		return EventNode{}, err
	}
	s.filters.commit(id)
	s.mu.Unlock()

	if err := s.acquire(ctx, inSrc); err != nil {
		_, _ = s.do(ctx, "filter-remove", send(translate.BuildFilterRemove(id)))
		s.mu.Lock()
		s.filters.release(id)
		s.mu.Unlock()
		return EventNode{}, err
	}

	f.Slot = id
	def.Type = out
	def.Filters = append(def.Filters, f)
	def.Logger = sensorlink.NoSlot
	def.Program = nil

	s.mu.Lock()
	if s.arena.dead.Load() {
		s.mu.Unlock()
		return EventNode{}, sensorlink.ErrNotConnected
	}
	h := s.newNode(&node{
		def:    def,
		source: translate.FilterSource(id),
		ptype:  out,
		input:  inIdx,
	})
	s.mu.Unlock()
	s.updateSlotMetrics()
	glog.V(2).Infof("[filter]%s %s(%s) -> %s slot %d\n", s.id, f.Kind, inSrc, h, id)
	return h, nil
}

// RemoveFilter tears down a derived node: its notifications, logger and
// program, then the peer filter and the reference it held on its input.
// Nodes derived from it must be removed first.
func (s *Session) RemoveFilter(ctx context.Context, n EventNode) error {
	if err := s.checkRecording("remove filter"); err != nil {
		return err
	}
	s.mu.Lock()
	nd, err := s.resolve(n)
	if err == nil && nd.module {
		err = fmt.Errorf("%w: %s is a module node", sensorlink.ErrInvalidParameter, n)
	}
	if err == nil {
		for _, o := range s.arena.nodes {
			if o.input == nd.index && !o.removed {
				err = fmt.Errorf("%w: %s still feeds %s", sensorlink.ErrInvalidParameter, n, s.arena.handle(o.index))
				break
			}
		}
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	slot := nd.def.Filters[len(nd.def.Filters)-1].Slot
	inSrc := s.arena.nodes[nd.input].source
	s.mu.Unlock()

	if err := s.Unsubscribe(ctx, n); err != nil {
		return err
	}
	if err := s.EraseProgram(ctx, n); err != nil {
		return err
	}
	if err := s.StopLogging(ctx, n); err != nil {
		return err
	}
	if _, err := s.do(ctx, "filter-remove", send(translate.BuildFilterRemove(slot))); err != nil {
		return err
	}

	s.mu.Lock()
	s.filters.release(slot)
	nd.removed = true
	s.mu.Unlock()
	s.updateSlotMetrics()
	return s.release(ctx, inSrc)
}
