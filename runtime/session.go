// Package runtime is the event dataflow engine: one Session per connected
// peripheral, the EventNode graph hanging off it, and the three independent
// sinks (live notification, trigger programs, peer logging) that can be
// attached to any node.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/translate"
)

// Config configures a Session.
type Config struct {
	Engine  sensorlink.EngineConfig
	Store   sensorlink.DefinitionStore // optional; Retain/Recover fail without it
	Metrics *Metrics                   // optional
}

// Session is the state of one connection to one peripheral. All nodes it
// hands out die with it.
type Session struct {
	id        string
	cfg       Config
	transport sensorlink.Transport
	metrics   *Metrics
	events    eventHub

	commands  chan *command
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	pendingMu sync.Mutex
	pending   *pendingReply

	// refMu serializes notify enable bookkeeping with its wire traffic.
	refMu sync.Mutex
	refs  map[sensorlink.Source]int

	// logMu serializes logger allocation and readout requests.
	logMu sync.Mutex

	mu          sync.Mutex
	arena       *arena
	modules     map[uint8]bool
	moduleNodes map[sensorlink.Source]int
	bySource    map[sensorlink.Source][]int
	identified  map[string]int
	filters     *slotTable
	triggers    *slotTable
	loggers     *slotTable
	drains      map[sensorlink.Slot]*LogSession
	recording   *recording
}

// Connect starts a session on an established transport and discovers the
// peripheral's modules.
func Connect(ctx context.Context, t sensorlink.Transport, cfg Config) (*Session, error) {
	cfg = withDefaults(cfg)
	s := &Session{
		id:          uuid.NewString(),
		cfg:         cfg,
		transport:   t,
		metrics:     cfg.Metrics,
		commands:    make(chan *command, cfg.Engine.QueueDepth),
		closed:      make(chan struct{}),
		refs:        make(map[sensorlink.Source]int),
		modules:     make(map[uint8]bool),
		moduleNodes: make(map[sensorlink.Source]int),
		bySource:    make(map[sensorlink.Source][]int),
		identified:  make(map[string]int),
		filters:     newSlotTable("filter", cfg.Engine.Slots.Filters),
		triggers:    newSlotTable("trigger", cfg.Engine.Slots.Triggers),
		loggers:     newSlotTable("logger", cfg.Engine.Slots.Loggers),
		drains:      make(map[sensorlink.Slot]*LogSession),
	}
	s.arena = &arena{id: uuid.NewString(), s: s}

	t.Bind(s.receive, s.disconnect)
	go s.run()

	for _, m := range cfg.Engine.Modules {
		replies, err := s.do(ctx, "module-info", request(translate.BuildModuleInfo(m)))
		if err != nil {
			s.shutdown(err)
			_ = t.Close()
			return nil, fmt.Errorf("discover module %#x: %w", m, err)
		}
		s.modules[m] = translate.ModulePresent(replies[0])
	}
	glog.V(2).Infof("[session]%s connected, modules = %v\n", s.id, s.modules)
	s.events.broadcast(sensorlink.Event{Kind: sensorlink.EventConnected, SessionID: s.id, Source: "session"})
	return s, nil
}

func withDefaults(cfg Config) Config {
	def := sensorlink.DefaultOptions().Engine
	e := &cfg.Engine
	if e.Slots == (sensorlink.SlotConfig{}) {
		e.Slots = def.Slots
	}
	if e.ResponseTimeout <= 0 {
		e.ResponseTimeout = def.ResponseTimeout
	}
	if e.DrainIdleTimeout <= 0 {
		e.DrainIdleTimeout = def.DrainIdleTimeout
	}
	if e.QueueDepth <= 0 {
		e.QueueDepth = def.QueueDepth
	}
	if e.Modules == nil {
		e.Modules = def.Modules
	}
	return cfg
}

// ID identifies the session in logs and events.
func (s *Session) ID() string { return s.id }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err reports why the session ended, or nil while it is live.
func (s *Session) Err() error {
	if !s.isClosed() {
		return nil
	}
	return s.closeErr
}

// Events subscribes to session lifecycle events.
func (s *Session) Events(buffer int) sensorlink.EventSubscription {
	return s.events.subscribe(buffer)
}

// HasModule reports whether module discovery found m on the peripheral.
func (s *Session) HasModule(m uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modules[m]
}

// Close ends the session and the transport. Peer-side programs and logs
// keep running.
func (s *Session) Close() error {
	s.shutdown(sensorlink.ErrNotConnected)
	return s.transport.Close()
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) disconnect(err error) {
	if err == nil {
		err = sensorlink.ErrTransportFailure
	}
	glog.Infof("[session]%s disconnected: %v\n", s.id, err)
	s.shutdown(fmt.Errorf("%w: %v", sensorlink.ErrTransportFailure, err))
}

// shutdown invalidates the arena and releases everything waiting on the
// peer. It runs once.
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = cause
		s.arena.dead.Store(true)
		var subs []*subscription
		for _, nd := range s.arena.nodes {
			if nd.sub != nil {
				subs = append(subs, nd.sub)
			}
		}
		s.mu.Unlock()

		close(s.closed)
		for _, sub := range subs {
			sub.close()
		}
		s.events.broadcast(sensorlink.Event{Kind: sensorlink.EventDisconnected, SessionID: s.id, Source: "session", Payload: cause})
	})
}

// receive is the transport's inbound callback.
func (s *Session) receive(b []byte) {
	s.metrics.received()
	f, err := translate.ParseFrame(append([]byte(nil), b...))
	if err != nil {
		glog.Infof("[session]%s drop inbound: %v\n", s.id, err)
		s.metrics.dropped()
		return
	}
	if glog.V(2) {
		glog.Infof("[session]%s <- %s\n", s.id, f)
	}
	if s.claimReply(f) {
		return
	}
	if f.Module == translate.ModuleLogging && f.Register == translate.RegLogChunk {
		s.routeChunk(f)
		return
	}
	s.route(f)
}

// checkRecording rejects peer round trips made while a program is being
// recorded and marks the recording as violated.
func (s *Session) checkRecording(op string) error {
	s.mu.Lock()
	r := s.recording
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	err := fmt.Errorf("%s: %w", op, sensorlink.ErrIllegalInRecording)
	r.violate(err)
	return err
}

// persist re-saves the definition of an identified node.
func (s *Session) persist(ctx context.Context, idx int) {
	if s.cfg.Store == nil {
		return
	}
	s.mu.Lock()
	nd := s.arena.nodes[idx]
	id, def := nd.identifier, nd.def.Clone()
	s.mu.Unlock()
	if id == "" {
		return
	}
	if err := s.cfg.Store.Save(ctx, id, def); err != nil {
		glog.Infof("[session]%s save %q failed: %v\n", s.id, id, err)
	}
}

func (s *Session) updateSlotMetrics() {
	s.mu.Lock()
	f, t, l := s.filters.count(), s.triggers.count(), s.loggers.count()
	s.mu.Unlock()
	s.metrics.slotsInUse("filter", f)
	s.metrics.slotsInUse("trigger", t)
	s.metrics.slotsInUse("logger", l)
}

// newNode adds n to the arena. Callers hold s.mu.
func (s *Session) newNode(nd *node) EventNode {
	h := s.arena.add(nd)
	s.bySource[nd.source] = append(s.bySource[nd.source], nd.index)
	return h
}

// Nodes snapshots every node of the session.
func (s *Session) Nodes() []NodeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	dead := s.arena.dead.Load()
	out := make([]NodeInfo, 0, len(s.arena.nodes))
	for _, nd := range s.arena.nodes {
		out = append(out, nd.info(dead))
	}
	return out
}

// Reset clears every filter, trigger entry and logger on the peer. Derived
// nodes are removed; module nodes lose their logging and program bindings.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.checkRecording("reset"); err != nil {
		return err
	}
	if _, err := s.do(ctx, "reset", send(translate.BuildReset())); err != nil {
		return err
	}

	s.mu.Lock()
	var closing []*subscription
	var drop []sensorlink.Source
	var kept []int
	s.filters.reset()
	s.triggers.reset()
	s.loggers.reset()
	counts := make(map[sensorlink.Source]int)
	for _, nd := range s.arena.nodes {
		nd.def.Logger = sensorlink.NoSlot
		nd.def.Program = nil
		nd.program = nil
		if !nd.module && !nd.removed {
			nd.removed = true
			if nd.sub != nil {
				closing = append(closing, nd.sub)
				nd.sub = nil
			}
		}
		if !nd.removed && nd.sub != nil {
			counts[nd.source]++
		}
		if !nd.removed && nd.identifier != "" {
			kept = append(kept, nd.index)
		}
	}
	s.mu.Unlock()

	s.refMu.Lock()
	for src, n := range s.refs {
		if counts[src] == 0 && n > 0 {
			drop = append(drop, src)
		}
	}
	s.refs = counts
	s.refMu.Unlock()

	for _, sub := range closing {
		sub.close()
	}
	for _, idx := range kept {
		s.persist(ctx, idx)
	}
	var errs []error
	for _, src := range drop {
		if _, err := s.do(ctx, "notify-off", send(translate.BuildNotify(src, false))); err != nil {
			errs = append(errs, err)
		}
	}
	s.updateSlotMetrics()
	return errors.Join(errs...)
}
