package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/translate"
)

// StartLogging turns on peer ring-buffer capture of n. The buffer has a
// fixed peer capacity and drops its oldest entries on overflow. Starting an
// already logging node does nothing.
func (s *Session) StartLogging(ctx context.Context, n EventNode) error {
	if err := s.checkRecording("start logging"); err != nil {
		return err
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()

	s.mu.Lock()
	nd, err := s.resolve(n)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if nd.def.Logger != sensorlink.NoSlot {
		s.mu.Unlock()
		return nil
	}
	src, ptype := nd.source, nd.ptype
	if err := s.loggers.reserve(1, 0); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	replies, err := s.do(ctx, "logger-add", allocate(translate.BuildLoggerAdd(src, ptype)))
	if err != nil {
		s.mu.Lock()
		s.loggers.unreserve(1)
		s.mu.Unlock()
		return err
	}
	id, _ := translate.ParseSlotReply(replies[0])
	s.mu.Lock()
	s.loggers.commit(id)
	s.mu.Unlock()

	if err := s.acquire(ctx, src); err != nil {
		_, _ = s.do(ctx, "logger-remove", send(translate.BuildLoggerRemove(id)))
		s.mu.Lock()
		s.loggers.release(id)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	nd.def.Logger = id
	idx := nd.index
	s.mu.Unlock()
	s.updateSlotMetrics()
	s.persist(ctx, idx)
	glog.V(2).Infof("[drain]%s logging %s in logger %d\n", s.id, n, id)
	return nil
}

// StopLogging removes the peer logger of n without reading it out. Entries
// still in the buffer are lost.
func (s *Session) StopLogging(ctx context.Context, n EventNode) error {
	if err := s.checkRecording("stop logging"); err != nil {
		return err
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()

	s.mu.Lock()
	nd, err := s.resolve(n)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if nd.drain != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", sensorlink.ErrDrainInProgress, n)
	}
	id, src := nd.def.Logger, nd.source
	s.mu.Unlock()
	if id == sensorlink.NoSlot {
		return nil
	}

	if _, err := s.do(ctx, "logger-remove", send(translate.BuildLoggerRemove(id))); err != nil {
		return err
	}
	s.dropLogger(ctx, nd, id, src)
	return nil
}

// dropLogger forgets a logger the peer no longer has.
func (s *Session) dropLogger(ctx context.Context, nd *node, id sensorlink.Slot, src sensorlink.Source) {
	s.mu.Lock()
	s.loggers.release(id)
	if nd.def.Logger == id {
		nd.def.Logger = sensorlink.NoSlot
	}
	idx := nd.index
	s.mu.Unlock()
	if err := s.release(ctx, src); err != nil {
		glog.Infof("[drain]%s release %s: %v\n", s.id, src, err)
	}
	s.updateSlotMetrics()
	s.persist(ctx, idx)
}

// IsLogging reports whether n has a peer logger.
func (s *Session) IsLogging(n EventNode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	nd, err := s.resolve(n)
	return err == nil && nd.def.Logger != sensorlink.NoSlot
}

// DrainState is the progress of a log drain.
type DrainState int

const (
	DrainIdle DrainState = iota
	DrainRequesting
	DrainTransferring
	DrainDecoding
	DrainComplete
	DrainFailed
)

func (d DrainState) String() string {
	switch d {
	case DrainIdle:
		return "idle"
	case DrainRequesting:
		return "requesting"
	case DrainTransferring:
		return "transferring"
	case DrainDecoding:
		return "decoding"
	case DrainComplete:
		return "complete"
	case DrainFailed:
		return "failed"
	}
	return fmt.Sprintf("drain(%d)", int(d))
}

// DrainOptions controls one readout.
type DrainOptions struct {
	// StopAfter removes the peer logger in the same step as the readout
	// request, so nothing is captured between the two.
	StopAfter bool
	// OnProgress receives received/total after each chunk, strictly
	// increasing, and 1.0 exactly once before Drain returns successfully.
	OnProgress func(float64)
}

// DrainResult is a completed readout. Entries keep the peer's order; frames
// that could not be decoded are only counted.
type DrainResult struct {
	ID           ulid.ULID
	Entries      []sensorlink.LogEntry
	DecodeErrors int
	Total        int
}

// LogSession is one drain in flight.
type LogSession struct {
	ID        ulid.ULID
	Node      EventNode
	StopAfter bool

	slot   sensorlink.Slot
	ptype  sensorlink.PayloadType
	chunks *fifo[translate.Frame]

	mu       sync.Mutex
	state    DrainState
	progress float64
}

func (ls *LogSession) State() DrainState {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.state
}

func (ls *LogSession) Progress() float64 {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.progress
}

func (ls *LogSession) set(st DrainState) {
	ls.mu.Lock()
	ls.state = st
	ls.mu.Unlock()
	glog.V(2).Infof("[drain]%s %s\n", ls.ID, st)
}

// Drain reads out the peer log of n and decodes it.
//
// The result is all or nothing with respect to the link: if the session
// ends mid-transfer Drain fails with ErrTransportFailure and returns no
// entries. Undecodable entries only increase DecodeErrors.
func (s *Session) Drain(ctx context.Context, n EventNode, opts DrainOptions) (DrainResult, error) {
	if err := s.checkRecording("drain"); err != nil {
		return DrainResult{}, err
	}
	ls, err := s.startDrain(n, opts.StopAfter)
	if err != nil {
		return DrainResult{}, err
	}
	res, err := s.runDrain(ctx, ls, opts)
	s.finishDrain(ls)

	result := "complete"
	if err != nil {
		result = "failed"
		ls.set(DrainFailed)
		glog.Infof("[drain]%s %s on %s failed: %v\n", s.id, ls.ID, n, err)
	} else {
		ls.set(DrainComplete)
	}
	s.metrics.drained(result, len(res.Entries), res.DecodeErrors)
	s.events.broadcast(sensorlink.Event{Kind: sensorlink.EventDrain, SessionID: s.id, Source: n.String(), Payload: result})
	return res, err
}

// DrainAsync runs Drain on its own goroutine. onComplete is called exactly
// once, after the last progress callback.
func (s *Session) DrainAsync(ctx context.Context, n EventNode, stopAfter bool, onProgress func(float64), onComplete func(DrainResult, error)) error {
	if onComplete == nil {
		return sensorlink.ErrInvalidParameter
	}
	if err := s.checkRecording("drain"); err != nil {
		return err
	}
	go func() {
		res, err := s.Drain(ctx, n, DrainOptions{StopAfter: stopAfter, OnProgress: onProgress})
		onComplete(res, err)
	}()
	return nil
}

func (s *Session) startDrain(n EventNode, stopAfter bool) (*LogSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nd, err := s.resolve(n)
	if err != nil {
		return nil, err
	}
	if nd.def.Logger == sensorlink.NoSlot {
		return nil, fmt.Errorf("%w: %s", sensorlink.ErrNotLogging, n)
	}
	if nd.drain != nil || s.drains[nd.def.Logger] != nil {
		return nil, fmt.Errorf("%w: %s", sensorlink.ErrDrainInProgress, n)
	}
	ls := &LogSession{
		ID:        ulid.Make(),
		Node:      n,
		StopAfter: stopAfter,
		slot:      nd.def.Logger,
		ptype:     nd.ptype,
		chunks:    newFifo[translate.Frame](),
	}
	nd.drain = ls
	s.drains[ls.slot] = ls
	return ls, nil
}

func (s *Session) finishDrain(ls *LogSession) {
	ls.chunks.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drains[ls.slot] == ls {
		delete(s.drains, ls.slot)
	}
	if nd := ls.Node.a.nodes[ls.Node.i]; nd.drain == ls {
		nd.drain = nil
	}
}

func (s *Session) runDrain(ctx context.Context, ls *LogSession, opts DrainOptions) (DrainResult, error) {
	res := DrainResult{ID: ls.ID}
	report := func(p float64) {
		ls.mu.Lock()
		if p <= ls.progress {
			ls.mu.Unlock()
			return
		}
		ls.progress = p
		ls.mu.Unlock()
		if opts.OnProgress != nil {
			opts.OnProgress(p)
		}
	}

	ls.set(DrainRequesting)
	s.logMu.Lock()
	replies, err := s.do(ctx, "log-readout", request(translate.BuildReadout(ls.slot, ls.StopAfter)))
	s.logMu.Unlock()
	if err != nil {
		return res, err
	}
	id, total, err := translate.ParseReadoutReply(replies[0])
	if err != nil || id != ls.slot {
		return res, fmt.Errorf("%w: readout reply %s", sensorlink.ErrDecode, replies[0])
	}
	res.Total = int(total)
	if ls.StopAfter {
		s.mu.Lock()
		nd := ls.Node.a.nodes[ls.Node.i]
		src := nd.source
		s.mu.Unlock()
		s.dropLogger(ctx, nd, ls.slot, src)
	}

	ls.set(DrainTransferring)
	var raw []translate.RawEntry
	idle := time.NewTimer(s.cfg.Engine.DrainIdleTimeout)
	defer idle.Stop()
	for len(raw) < res.Total {
		select {
		case <-ls.chunks.signal:
		case <-s.closed:
			return DrainResult{ID: ls.ID, Total: res.Total}, fmt.Errorf("drain %s: %w", ls.ID, sensorlink.ErrTransportFailure)
		case <-ctx.Done():
			return DrainResult{ID: ls.ID, Total: res.Total}, ctx.Err()
		case <-idle.C:
			return DrainResult{ID: ls.ID, Total: res.Total}, fmt.Errorf("drain %s: %w after %d of %d entries", ls.ID, sensorlink.ErrTimeout, len(raw), res.Total)
		}
		frames, _ := ls.chunks.take()
		for _, f := range frames {
			_, entries, err := translate.ParseChunk(f.Payload)
			if err != nil {
				glog.Infof("[drain]%s %s bad chunk %s: %v\n", s.id, ls.ID, f, err)
				continue
			}
			raw = append(raw, entries...)
			if len(raw) > res.Total {
				raw = raw[:res.Total]
			}
			report(float64(len(raw)) / float64(res.Total))
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(s.cfg.Engine.DrainIdleTimeout)
	}

	ls.set(DrainDecoding)
	res.Entries = make([]sensorlink.LogEntry, 0, len(raw))
	for _, e := range raw {
		entry, err := translate.DecodeEntry(ls.ptype, e)
		if err != nil {
			res.DecodeErrors++
			continue
		}
		res.Entries = append(res.Entries, entry)
	}
	report(1.0)
	return res, nil
}

// routeChunk hands a readout chunk to the drain reading that logger.
func (s *Session) routeChunk(f translate.Frame) {
	if len(f.Payload) < 1 {
		s.metrics.dropped()
		return
	}
	s.mu.Lock()
	ls := s.drains[sensorlink.Slot(f.Payload[0])]
	s.mu.Unlock()
	if ls == nil || !ls.chunks.push(f) {
		glog.V(2).Infof("[drain]%s no drain for chunk %s\n", s.id, f)
		s.metrics.dropped()
	}
}

// StartLogging is shorthand for n.Session().StartLogging.
func (n EventNode) StartLogging(ctx context.Context) error {
	if n.a == nil {
		return sensorlink.ErrStaleNode
	}
	return n.a.s.StartLogging(ctx, n)
}

// StopLogging is shorthand for n.Session().StopLogging.
func (n EventNode) StopLogging(ctx context.Context) error {
	if n.a == nil {
		return sensorlink.ErrStaleNode
	}
	return n.a.s.StopLogging(ctx, n)
}

// Drain is shorthand for n.Session().Drain.
func (n EventNode) Drain(ctx context.Context, opts DrainOptions) (DrainResult, error) {
	if n.a == nil {
		return DrainResult{}, sensorlink.ErrStaleNode
	}
	return n.a.s.Drain(ctx, n, opts)
}
