package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/translate"
)

// TriggerProgram is a compiled command sequence bound to a node. The peer
// runs it every time the node's event fires, with or without a host.
type TriggerProgram struct {
	ID           ulid.ULID
	Source       sensorlink.Source
	Instructions []sensorlink.Instruction
	Binary       []byte
	CompiledAt   time.Time
	// Entries are the peer trigger slots holding the program.
	Entries []sensorlink.Slot
}

func (p *TriggerProgram) clone() *TriggerProgram {
	if p == nil {
		return nil
	}
	c := *p
	c.Instructions = append([]sensorlink.Instruction(nil), p.Instructions...)
	c.Binary = append([]byte(nil), p.Binary...)
	c.Entries = append([]sensorlink.Slot(nil), p.Entries...)
	return &c
}

// Recorder issues commands through d. They are captured, not executed.
type Recorder func(d *Dispatcher) error

// ProgramCommands records the commands issued by rec and uploads them as a
// peer trigger program bound to n, replacing any program n already has.
//
// Recording is single shot. Anything inside rec that needs a peer reply, or
// any other session operation made while it runs, fails with
// ErrIllegalInRecording and the whole call fails with ErrRecordingViolation
// before anything reaches the peer.
func (s *Session) ProgramCommands(ctx context.Context, n EventNode, rec Recorder) (*TriggerProgram, error) {
	if rec == nil {
		return nil, sensorlink.ErrInvalidParameter
	}
	s.mu.Lock()
	nd, err := s.resolve(n)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if r := s.recording; r != nil {
		err := fmt.Errorf("nested program: %w", sensorlink.ErrIllegalInRecording)
		s.mu.Unlock()
		r.violate(err)
		return nil, fmt.Errorf("%w: %w", sensorlink.ErrRecordingViolation, err)
	}
	r := &recording{}
	s.recording = r
	src := nd.source
	s.mu.Unlock()

	recErr := s.record(r, rec)
	instructions, violation := r.finish()
	if violation != nil {
		glog.Infof("[program]%s recording for %s rejected: %v\n", s.id, n, violation)
		return nil, fmt.Errorf("%w: %w", sensorlink.ErrRecordingViolation, violation)
	}
	if recErr != nil {
		return nil, recErr
	}
	if len(instructions) == 0 {
		return nil, fmt.Errorf("%w: empty program", sensorlink.ErrInvalidParameter)
	}

	bin, err := translate.CompileProgram(src, instructions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sensorlink.ErrInvalidParameter, err)
	}
	prog := &TriggerProgram{
		ID:           ulid.Make(),
		Source:       src,
		Instructions: instructions,
		Binary:       bin,
		CompiledAt:   time.Now(),
	}
	if err := s.bindProgram(ctx, n, prog); err != nil {
		return nil, err
	}
	return prog.clone(), nil
}

// record runs rec with r installed as the session recording. The session
// leaves recording mode even when rec panics.
func (s *Session) record(r *recording, rec Recorder) error {
	defer func() {
		r.finish()
		s.mu.Lock()
		if s.recording == r {
			s.recording = nil
		}
		s.mu.Unlock()
	}()
	return rec(&Dispatcher{s: s, rec: r})
}

// bindProgram erases the program n has and uploads prog in its place. If
// the upload fails the previous program is put back.
func (s *Session) bindProgram(ctx context.Context, n EventNode, prog *TriggerProgram) error {
	if err := s.checkRecording("program upload"); err != nil {
		return err
	}
	s.mu.Lock()
	nd, err := s.resolve(n)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	old := nd.program
	var freeing int
	if old != nil {
		freeing = len(old.Entries)
	}
	if err := s.triggers.reserve(len(prog.Instructions), freeing); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if old != nil {
		if err := s.eraseEntries(ctx, old.Entries); err != nil {
			s.mu.Lock()
			s.triggers.unreserve(len(prog.Instructions))
			s.mu.Unlock()
			return err
		}
		s.mu.Lock()
		nd.program = nil
		nd.def.Program = nil
		s.mu.Unlock()
	}

	entries, err := s.upload(ctx, prog)
	s.mu.Lock()
	s.triggers.unreserve(len(prog.Instructions) - len(entries))
	s.mu.Unlock()
	if err != nil {
		if old != nil && len(old.Instructions) > 0 && !errors.Is(err, sensorlink.ErrTransportFailure) {
			s.restore(ctx, n, old)
		}
		return err
	}
	prog.Entries = entries

	s.mu.Lock()
	nd.program = prog
	nd.def.Program = append([]sensorlink.Slot(nil), entries...)
	idx := nd.index
	s.mu.Unlock()

	s.updateSlotMetrics()
	s.metrics.programmed()
	s.persist(ctx, idx)
	glog.V(2).Infof("[program]%s %s bound to %s, entries %v\n", s.id, prog.ID, n, entries)
	s.events.broadcast(sensorlink.Event{Kind: sensorlink.EventProgram, SessionID: s.id, OccurredAt: prog.CompiledAt, Source: n.String(), Payload: prog.clone()})
	return nil
}

// upload writes the program frames as one command and commits the trigger
// slots the peer assigned. On failure the entries already added are removed
// again and nil is returned.
func (s *Session) upload(ctx context.Context, prog *TriggerProgram) ([]sensorlink.Slot, error) {
	frames, err := translate.ProgramFrames(prog.Source, prog.Instructions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sensorlink.ErrInvalidParameter, err)
	}
	steps := make([]step, 0, len(frames))
	for i, f := range frames {
		if i%2 == 0 {
			steps = append(steps, allocate(f))
		} else {
			steps = append(steps, send(f))
		}
	}
	replies, err := s.do(ctx, "program-upload", steps...)
	var entries []sensorlink.Slot
	for _, r := range replies {
		if id, ok := translate.ParseSlotReply(r); ok {
			entries = append(entries, id)
		}
	}
	if err != nil {
		if len(entries) > 0 && !errors.Is(err, sensorlink.ErrTransportFailure) {
			_ = s.eraseEntries(ctx, entries)
		}
		return nil, err
	}
	s.mu.Lock()
	for _, id := range entries {
		s.triggers.commit(id)
	}
	s.mu.Unlock()
	return entries, nil
}

func (s *Session) restore(ctx context.Context, n EventNode, old *TriggerProgram) {
	s.mu.Lock()
	err := s.triggers.reserve(len(old.Instructions), 0)
	s.mu.Unlock()
	if err != nil {
		glog.Infof("[program]%s cannot restore %s on %s: %v\n", s.id, old.ID, n, err)
		return
	}
	entries, err := s.upload(ctx, old)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers.unreserve(len(old.Instructions) - len(entries))
	if err != nil {
		glog.Infof("[program]%s cannot restore %s on %s: %v\n", s.id, old.ID, n, err)
		return
	}
	nd, rerr := s.resolve(n)
	if rerr != nil {
		return
	}
	old.Entries = entries
	nd.program = old
	nd.def.Program = append([]sensorlink.Slot(nil), entries...)
}

// eraseEntries removes trigger entries from the peer and the slot table.
func (s *Session) eraseEntries(ctx context.Context, entries []sensorlink.Slot) error {
	steps := make([]step, 0, len(entries))
	for _, id := range entries {
		steps = append(steps, send(translate.BuildTriggerRemove(id)))
	}
	if _, err := s.do(ctx, "program-erase", steps...); err != nil {
		return err
	}
	s.mu.Lock()
	for _, id := range entries {
		s.triggers.release(id)
	}
	s.mu.Unlock()
	return nil
}

// EraseProgram removes the program bound to n from the peer. Notifications
// and logging of n are not affected.
func (s *Session) EraseProgram(ctx context.Context, n EventNode) error {
	if err := s.checkRecording("erase program"); err != nil {
		return err
	}
	s.mu.Lock()
	nd, err := s.resolve(n)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	prog := nd.program
	s.mu.Unlock()
	if prog == nil {
		return nil
	}
	if err := s.eraseEntries(ctx, prog.Entries); err != nil {
		return err
	}
	s.mu.Lock()
	if nd.program == prog {
		nd.program = nil
		nd.def.Program = nil
	}
	idx := nd.index
	s.mu.Unlock()

	s.updateSlotMetrics()
	s.persist(ctx, idx)
	glog.V(2).Infof("[program]%s %s erased from %s\n", s.id, prog.ID, n)
	s.events.broadcast(sensorlink.Event{Kind: sensorlink.EventProgram, SessionID: s.id, OccurredAt: time.Now(), Source: n.String()})
	return nil
}

// Program returns the program bound to n, or nil. Stale handles are allowed.
func (n EventNode) Program() *TriggerProgram {
	if n.a == nil {
		return nil
	}
	n.a.s.mu.Lock()
	defer n.a.s.mu.Unlock()
	return n.a.nodes[n.i].program.clone()
}

// ProgramCommands is shorthand for n.Session().ProgramCommands.
func (n EventNode) ProgramCommands(ctx context.Context, rec Recorder) (*TriggerProgram, error) {
	if n.a == nil {
		return nil, sensorlink.ErrStaleNode
	}
	return n.a.s.ProgramCommands(ctx, n, rec)
}

// EraseProgram is shorthand for n.Session().EraseProgram.
func (n EventNode) EraseProgram(ctx context.Context) error {
	if n.a == nil {
		return sensorlink.ErrStaleNode
	}
	return n.a.s.EraseProgram(ctx, n)
}
