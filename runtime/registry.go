package runtime

import (
	"context"
	"fmt"
	"slices"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/translate"
)

// Retain gives n a stable identifier and saves its definition so a later
// session can Recover it. The definition is saved again whenever the node's
// logger or program changes.
func (s *Session) Retain(ctx context.Context, identifier string, n EventNode) error {
	if identifier == "" {
		return fmt.Errorf("%w: empty identifier", sensorlink.ErrInvalidParameter)
	}
	if s.cfg.Store == nil {
		return fmt.Errorf("retain %q: %w: no definition store", identifier, sensorlink.ErrUnsupported)
	}
	s.mu.Lock()
	nd, err := s.resolve(n)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if prev, ok := s.identified[identifier]; ok && prev != nd.index {
		s.arena.nodes[prev].identifier = ""
	}
	if nd.identifier != "" && nd.identifier != identifier {
		delete(s.identified, nd.identifier)
	}
	nd.identifier = identifier
	s.identified[identifier] = nd.index
	def := nd.def.Clone()
	s.mu.Unlock()

	if err := s.cfg.Store.Save(ctx, identifier, def); err != nil {
		return fmt.Errorf("retain %q: %w", identifier, err)
	}
	return nil
}

// Lookup returns the node bound to identifier in this session.
func (s *Session) Lookup(identifier string) (EventNode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.identified[identifier]
	if !ok || s.arena.nodes[idx].removed {
		return EventNode{}, false
	}
	return s.arena.handle(idx), true
}

// plan is the arena layout a recovered definition needs: for each stage of
// the chain, the node already standing for it or -1.
type plan struct {
	def    sensorlink.Definition
	srcs   []sensorlink.Source // srcs[0] is the root, srcs[i+1] the output of filter i
	types  []sensorlink.PayloadType
	reuse  []int
	verify []step
}

// Recover rebuilds the node saved under identifier on this session's
// peripheral. Every peer slot the definition names is read back and compared
// first; nothing is created unless all of them match. It fails with
// ErrNotFound for an identifier never saved and ErrDefinitionMismatch when
// the peripheral no longer holds the definition.
func (s *Session) Recover(ctx context.Context, identifier string) (EventNode, error) {
	if err := s.checkRecording("recover"); err != nil {
		return EventNode{}, err
	}
	if n, ok := s.Lookup(identifier); ok {
		return n, nil
	}
	if s.cfg.Store == nil {
		return EventNode{}, fmt.Errorf("recover %q: %w: no definition store", identifier, sensorlink.ErrUnsupported)
	}
	def, err := s.cfg.Store.Load(ctx, identifier)
	if err != nil {
		return EventNode{}, fmt.Errorf("recover %q: %w", identifier, err)
	}

	s.mu.Lock()
	p, err := s.plan(def)
	s.mu.Unlock()
	if err != nil {
		return EventNode{}, fmt.Errorf("recover %q: %w", identifier, err)
	}
	if len(p.verify) > 0 {
		replies, err := s.do(ctx, "recover-verify", p.verify...)
		if err != nil {
			return EventNode{}, err
		}
		if err := p.check(replies); err != nil {
			glog.Infof("[registry]%s recover %q: %v\n", s.id, identifier, err)
			return EventNode{}, fmt.Errorf("recover %q: %w", identifier, err)
		}
	}

	n, err := s.materialize(ctx, p)
	if err != nil {
		return EventNode{}, fmt.Errorf("recover %q: %w", identifier, err)
	}
	s.mu.Lock()
	nd := s.arena.nodes[n.i]
	nd.identifier = identifier
	s.identified[identifier] = n.i
	s.mu.Unlock()
	glog.V(2).Infof("[registry]%s recovered %q as %s\n", s.id, identifier, n)
	return n, nil
}

func mismatch(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", sensorlink.ErrDefinitionMismatch, fmt.Sprintf(format, args...))
}

// plan checks def against the host view of the session and lists the peer
// reads that confirm it. Callers hold s.mu.
func (s *Session) plan(def sensorlink.Definition) (*plan, error) {
	p := &plan{def: def.Clone()}
	rootType, ok := moduleSource(def.Source)
	if !ok || !s.modules[def.Source.Module] {
		return nil, mismatch("source %s not on this peripheral", def.Source)
	}
	p.srcs = append(p.srcs, def.Source)
	p.types = append(p.types, rootType)
	rootIdx := -1
	if idx, ok := s.moduleNodes[def.Source]; ok {
		rootIdx = idx
	}
	p.reuse = append(p.reuse, rootIdx)

	for i, f := range def.Filters {
		in, inType := p.srcs[i], p.types[i]
		if f.Kind == sensorlink.FilterCoSample && (f.Sensor == nil || !s.modules[f.Sensor.Source.Module]) {
			return nil, mismatch("co-sample sensor missing")
		}
		out, err := filterOutput(inType, f)
		if err != nil {
			return nil, mismatch("filter %d: %v", i, err)
		}
		add, err := translate.BuildFilterAdd(in, inType, f)
		if err != nil {
			return nil, mismatch("filter %d: %v", i, err)
		}
		reuse := s.stageNode(p.reuse[i], f)
		if reuse < 0 && s.filters.inUse(f.Slot) {
			return nil, mismatch("filter slot %d already bound", f.Slot)
		}
		p.srcs = append(p.srcs, translate.FilterSource(f.Slot))
		p.types = append(p.types, out)
		p.reuse = append(p.reuse, reuse)
		p.verify = append(p.verify, step{frame: translate.BuildFilterConfigRead(f.Slot), expect: true, accept: func(r translate.Frame) error {
			if !translate.ConfigMatches(r, f.Slot, add) {
				return mismatch("filter slot %d holds %s", f.Slot, r)
			}
			return nil
		}})
	}

	last := len(p.srcs) - 1
	src, ptype := p.srcs[last], p.types[last]
	if ptype != def.Type {
		return nil, mismatch("type %s, chain yields %s", def.Type, ptype)
	}
	var existing *node
	if p.reuse[last] >= 0 {
		existing = s.arena.nodes[p.reuse[last]]
	}

	if def.Logger != sensorlink.NoSlot {
		bound := existing != nil && existing.def.Logger == def.Logger
		if !bound && (s.loggers.inUse(def.Logger) || existing != nil && existing.def.Logger != sensorlink.NoSlot) {
			return nil, mismatch("logger %d already bound", def.Logger)
		}
		want := translate.BuildLoggerAdd(src, ptype)
		p.verify = append(p.verify, step{frame: translate.BuildLoggerConfigRead(def.Logger), expect: true, accept: func(r translate.Frame) error {
			if !translate.ConfigMatches(r, def.Logger, want) {
				return mismatch("logger %d holds %s", def.Logger, r)
			}
			return nil
		}})
	}
	for _, id := range def.Program {
		bound := existing != nil && existing.program != nil && slices.Contains(existing.program.Entries, id)
		if !bound && s.triggers.inUse(id) {
			return nil, mismatch("trigger entry %d already bound", id)
		}
		p.verify = append(p.verify, step{frame: translate.BuildTriggerConfigRead(id), expect: true, accept: func(r translate.Frame) error {
			if got, ok := translate.TriggerSource(r, id); !ok || got != src {
				return mismatch("trigger entry %d holds %s", id, r)
			}
			return nil
		}})
	}
	return p, nil
}

// stageNode finds the live node derived from input by f. Callers hold s.mu.
func (s *Session) stageNode(input int, f sensorlink.Filter) int {
	if input < 0 {
		return -1
	}
	for _, nd := range s.arena.nodes {
		if nd.removed || nd.module || nd.input != input {
			continue
		}
		last := nd.def.Filters[len(nd.def.Filters)-1]
		if last.Slot == f.Slot && last.Kind == f.Kind {
			return nd.index
		}
	}
	return -1
}

// check catches a short reply list. Mismatches already aborted the command.
func (p *plan) check(replies []translate.Frame) error {
	if len(replies) != len(p.verify) {
		return mismatch("peer answered %d of %d reads", len(replies), len(p.verify))
	}
	return nil
}

// materialize creates the nodes a verified plan needs and takes the
// notification references they hold. On failure the nodes it created are
// removed and their slots and references released, so the same identifier
// can be recovered again.
func (s *Session) materialize(ctx context.Context, p *plan) (EventNode, error) {
	root, err := s.moduleNode(p.def.Source)
	if err != nil {
		return EventNode{}, err
	}
	var (
		created []*node
		held    []sensorlink.Source
	)
	fail := func(err error) (EventNode, error) {
		s.unwind(ctx, created, held)
		return EventNode{}, err
	}

	cur := root
	for i, f := range p.def.Filters {
		if p.reuse[i+1] >= 0 {
			cur = s.arena.handle(p.reuse[i+1])
			continue
		}
		def := p.def.Clone()
		def.Filters = def.Filters[:i+1]
		def.Type = p.types[i+1]
		def.Logger = sensorlink.NoSlot
		def.Program = nil

		if err := s.acquire(ctx, p.srcs[i]); err != nil {
			return fail(err)
		}
		held = append(held, p.srcs[i])
		s.mu.Lock()
		if s.arena.dead.Load() {
			s.mu.Unlock()
			return fail(sensorlink.ErrNotConnected)
		}
		s.filters.claim(f.Slot)
		cur = s.newNode(&node{
			def:    def,
			source: p.srcs[i+1],
			ptype:  p.types[i+1],
			input:  cur.i,
		})
		created = append(created, s.arena.nodes[cur.i])
		s.mu.Unlock()
	}

	last := len(p.srcs) - 1
	s.mu.Lock()
	nd := s.arena.nodes[cur.i]
	needRef := p.def.Logger != sensorlink.NoSlot && nd.def.Logger == sensorlink.NoSlot
	s.mu.Unlock()
	if needRef {
		if err := s.acquire(ctx, p.srcs[last]); err != nil {
			return fail(err)
		}
	}

	s.mu.Lock()
	if p.def.Logger != sensorlink.NoSlot {
		s.loggers.claim(p.def.Logger)
		nd.def.Logger = p.def.Logger
	}
	if len(p.def.Program) > 0 && nd.program == nil {
		for _, id := range p.def.Program {
			s.triggers.claim(id)
		}
		nd.program = &TriggerProgram{
			ID:      ulid.Make(),
			Source:  p.srcs[last],
			Entries: append([]sensorlink.Slot(nil), p.def.Program...),
		}
		nd.def.Program = append([]sensorlink.Slot(nil), p.def.Program...)
	}
	s.mu.Unlock()
	s.updateSlotMetrics()
	return cur, nil
}

// unwind undoes a partial materialize. The peer keeps its filters; only the
// host bindings go.
func (s *Session) unwind(ctx context.Context, created []*node, held []sensorlink.Source) {
	s.mu.Lock()
	for _, nd := range created {
		nd.removed = true
		s.filters.release(nd.def.Filters[len(nd.def.Filters)-1].Slot)
	}
	s.mu.Unlock()
	s.updateSlotMetrics()
	for i := len(held) - 1; i >= 0; i-- {
		if err := s.release(ctx, held[i]); err != nil {
			glog.Infof("[registry]%s release %s after failed recover: %v\n", s.id, held[i], err)
		}
	}
}

// Retain is shorthand for n.Session().Retain.
func (n EventNode) Retain(ctx context.Context, identifier string) error {
	if n.a == nil {
		return sensorlink.ErrStaleNode
	}
	return n.a.s.Retain(ctx, identifier, n)
}
