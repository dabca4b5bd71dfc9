package runtime

import (
	"fmt"
	"sync/atomic"

	"github.com/xmidt-org/talaria/sensorlink"
)

// arena owns every node of one connection session. It is dropped wholesale
// on disconnect; handles into a dead arena fail with ErrStaleNode but can
// still be inspected.
type arena struct {
	id    string
	s     *Session
	dead  atomic.Bool
	nodes []*node
}

type node struct {
	index      int
	def        sensorlink.Definition
	source     sensorlink.Source // where this node's data frames come from
	ptype      sensorlink.PayloadType
	module     bool
	input      int // arena index of the filter input, -1 for module nodes
	identifier string
	sub        *subscription
	program    *TriggerProgram
	drain      *LogSession
	removed    bool
}

// EventNode is a handle to a stream of occurrences of a peripheral event or
// of a derived filter output. It is only valid for the session that
// produced it.
type EventNode struct {
	a *arena
	i int
}

// NodeInfo is a read-only snapshot of a node.
type NodeInfo struct {
	Index      int                   `json:"index"`
	Identifier string                `json:"identifier,omitempty"`
	Source     string                `json:"source"`
	Type       string                `json:"type"`
	Definition sensorlink.Definition `json:"definition"`
	Module     bool                  `json:"module"`
	Notifying  bool                  `json:"notifying"`
	Logging    bool                  `json:"logging"`
	Program    []sensorlink.Slot     `json:"program,omitempty"`
	Draining   bool                  `json:"draining"`
	Stale      bool                  `json:"stale"`
}

func (a *arena) add(n *node) EventNode {
	n.index = len(a.nodes)
	a.nodes = append(a.nodes, n)
	return EventNode{a: a, i: n.index}
}

func (a *arena) handle(i int) EventNode {
	return EventNode{a: a, i: i}
}

// IsZero reports whether n was never assigned.
func (n EventNode) IsZero() bool { return n.a == nil }

// Stale reports whether the session that produced n has ended.
func (n EventNode) Stale() bool {
	return n.a == nil || n.a.dead.Load()
}

func (n EventNode) String() string {
	if n.a == nil {
		return "event(nil)"
	}
	return fmt.Sprintf("event(%s#%d)", n.a.id[:8], n.i)
}

// Session returns the session n belongs to.
func (n EventNode) Session() *Session {
	if n.a == nil {
		return nil
	}
	return n.a.s
}

// Info inspects n without a peer round trip. Stale handles are allowed.
func (n EventNode) Info() (NodeInfo, error) {
	if n.a == nil {
		return NodeInfo{}, sensorlink.ErrStaleNode
	}
	s := n.a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return n.a.nodes[n.i].info(n.a.dead.Load()), nil
}

// Definition returns the durable description of n. Stale handles are allowed.
func (n EventNode) Definition() sensorlink.Definition {
	info, _ := n.Info()
	return info.Definition
}

// PayloadType never changes after creation.
func (n EventNode) PayloadType() sensorlink.PayloadType {
	if n.a == nil {
		return sensorlink.PayloadRaw
	}
	n.a.s.mu.Lock()
	defer n.a.s.mu.Unlock()
	return n.a.nodes[n.i].ptype
}

// IsLogging reports the host's view of the peer logging flag.
func (n EventNode) IsLogging() bool {
	info, err := n.Info()
	return err == nil && info.Logging
}

func (nd *node) info(stale bool) NodeInfo {
	return NodeInfo{
		Index:      nd.index,
		Identifier: nd.identifier,
		Source:     nd.source.String(),
		Type:       nd.ptype.String(),
		Definition: nd.def.Clone(),
		Module:     nd.module,
		Notifying:  nd.sub != nil,
		Logging:    nd.def.Logger != sensorlink.NoSlot,
		Program:    append([]sensorlink.Slot(nil), nd.def.Program...),
		Draining:   nd.drain != nil,
		Stale:      stale || nd.removed,
	}
}

// resolve checks n against session s and returns its state. Callers hold s.mu.
func (s *Session) resolve(n EventNode) (*node, error) {
	if n.a == nil {
		return nil, fmt.Errorf("%w: %w", sensorlink.ErrStaleNode, sensorlink.ErrNotConnected)
	}
	if n.a.s != s || n.a.dead.Load() {
		return nil, fmt.Errorf("%w: %s: %w", sensorlink.ErrStaleNode, n, sensorlink.ErrNotConnected)
	}
	nd := n.a.nodes[n.i]
	if nd.removed {
		return nil, fmt.Errorf("%w: %s was removed", sensorlink.ErrStaleNode, n)
	}
	return nd, nil
}

// live resolves n under s.mu.
func (s *Session) live(n EventNode) (*node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolve(n)
}
