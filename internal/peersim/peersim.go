// Package peersim is an in-process peripheral honoring the sensorlink wire
// contract: module discovery, notification bits, filters, trigger entries
// and ring-buffer loggers. Peer state outlives links, so a test can drop a
// connection, connect again and find its filters, programs and logs intact.
//
// Time is virtual. Rate-limit windows only close when Advance is called.
package peersim

import (
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/translate"
)

// Config sizes the simulated peripheral.
type Config struct {
	// Modules maps present module ids to their [implementation, revision].
	Modules     map[uint8][2]byte
	Filters     int
	Triggers    int
	Loggers     int
	LogCapacity int // entries per logger before the oldest is dropped
	ChunkSize   int // entries per readout chunk
}

func DefaultConfig() Config {
	return Config{
		Modules: map[uint8][2]byte{
			translate.ModuleSwitch:      {0, 0},
			translate.ModuleLED:         {0, 1},
			translate.ModuleTemperature: {1, 0},
			translate.ModuleHaptic:      {0, 0},
			translate.ModuleFilter:      {0, 2},
			translate.ModuleTrigger:     {0, 0},
			translate.ModuleLogging:     {0, 2},
		},
		Filters:     16,
		Triggers:    28,
		Loggers:     8,
		LogCapacity: 128,
		ChunkSize:   4,
	}
}

type filter struct {
	id     sensorlink.Slot
	input  sensorlink.Source
	kind   sensorlink.FilterKind
	add    []byte
	sum    int32
	period time.Duration
	start  time.Duration
	last   []byte // rate-limit value waiting for its window boundary
	sensor sensorlink.Source
}

type trigger struct {
	id     sensorlink.Slot
	src    sensorlink.Source
	module uint8
	reg    uint8
	params []byte
	add    []byte
}

type logger struct {
	id      sensorlink.Slot
	src     sensorlink.Source
	add     []byte
	entries []translate.RawEntry
}

// Peer is the simulated peripheral.
type Peer struct {
	mu  sync.Mutex
	cfg Config

	link     *Link
	clock    time.Duration
	tick     uint32
	notify   map[sensorlink.Source]bool
	sensors  map[sensorlink.Source][]byte
	filters  map[sensorlink.Slot]*filter
	triggers map[sensorlink.Slot]*trigger
	loggers  map[sensorlink.Slot]*logger
	lastAdd  *trigger

	received     []translate.Frame
	executed     []translate.Frame
	readoutLimit int
	silent       map[translate.Key]bool
}

func New(cfg Config) *Peer {
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = 128
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4
	}
	return &Peer{
		cfg:      cfg,
		notify:   make(map[sensorlink.Source]bool),
		sensors:  make(map[sensorlink.Source][]byte),
		filters:  make(map[sensorlink.Slot]*filter),
		triggers: make(map[sensorlink.Slot]*trigger),
		loggers:  make(map[sensorlink.Slot]*logger),
		silent:   make(map[translate.Key]bool),
	}
}

// Connect opens a new link, dropping the previous one. Notification bits
// are per connection and start cleared.
func (p *Peer) Connect() *Link {
	p.mu.Lock()
	old := p.link
	l := newLink(p)
	p.link = l
	p.notify = make(map[sensorlink.Source]bool)
	p.lastAdd = nil
	p.mu.Unlock()
	if old != nil {
		old.Drop()
	}
	return l
}

// Drop fails the current link.
func (p *Peer) Drop() {
	p.mu.Lock()
	l := p.link
	p.mu.Unlock()
	if l != nil {
		l.Drop()
	}
}

// Fire makes src produce data, as a sensor reading would.
func (p *Peer) Fire(src sensorlink.Source, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sensors[src] = append([]byte(nil), data...)
	p.emit(src, data)
	p.tick++
}

// SetSensor stores a reading without firing it, for co-sample and reads.
func (p *Peer) SetSensor(src sensorlink.Source, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sensors[src] = append([]byte(nil), data...)
}

// Advance moves virtual time forward, closing rate-limit windows.
func (p *Peer) Advance(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock += d
	for _, f := range p.sortedFilters() {
		if f.kind != sensorlink.FilterRateLimit {
			continue
		}
		for f.start+f.period <= p.clock {
			f.start += f.period
			if f.last != nil {
				v := f.last
				f.last = nil
				p.emit(translate.FilterSource(f.id), v)
			}
		}
	}
	p.tick += uint32(d.Milliseconds())
}

// LogRaw appends data to logger id as is, without checking its size.
func (p *Peer) LogRaw(id sensorlink.Slot, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lg, ok := p.loggers[id]; ok {
		p.appendEntry(lg, data)
	}
}

// LimitReadout stops every later readout after n chunks, leaving the
// transfer hanging. Zero removes the limit.
func (p *Peer) LimitReadout(n int) {
	p.mu.Lock()
	p.readoutLimit = n
	p.mu.Unlock()
}

// Silence makes the peer ignore requests to module/register: no reply is
// sent.
func (p *Peer) Silence(module, register uint8) {
	p.mu.Lock()
	p.silent[translate.Key{Module: module, Register: register}] = true
	p.mu.Unlock()
}

// Received lists every frame the host sent, across links.
func (p *Peer) Received() []translate.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]translate.Frame(nil), p.received...)
}

// Executed lists module commands run on the peer, whether sent by the host
// or by a trigger entry.
func (p *Peer) Executed() []translate.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]translate.Frame(nil), p.executed...)
}

func (p *Peer) NotifyEnabled(src sensorlink.Source) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notify[src]
}

// Counts reports occupied filter, trigger and logger slots.
func (p *Peer) Counts() (filters, triggers, loggers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.filters), len(p.triggers), len(p.loggers)
}

// Logged reports how many entries logger id holds.
func (p *Peer) Logged(id sensorlink.Slot) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lg, ok := p.loggers[id]
	if !ok {
		return 0, false
	}
	return len(lg.entries), true
}

func (p *Peer) sortedFilters() []*filter {
	out := make([]*filter, 0, len(p.filters))
	for _, f := range p.filters {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// emit propagates one occurrence of src through notification, loggers,
// trigger entries and filters. Callers hold p.mu.
func (p *Peer) emit(src sensorlink.Source, data []byte) {
	if p.notify[src] {
		p.out(translate.DataFrame(src, data))
	}
	for _, id := range sortedSlots(p.loggers) {
		if lg := p.loggers[id]; lg.src == src {
			p.appendEntry(lg, data)
		}
	}
	for _, id := range sortedSlots(p.triggers) {
		if t, ok := p.triggers[id]; ok && t.src == src {
			p.exec(translate.Frame{Module: t.module, Register: t.reg, Payload: append([]byte(nil), t.params...)})
		}
	}
	for _, f := range p.sortedFilters() {
		if f.input != src {
			continue
		}
		switch f.kind {
		case sensorlink.FilterAccumulate:
			f.sum += intValue(data)
			p.emit(translate.FilterSource(f.id), binary.LittleEndian.AppendUint32(nil, uint32(f.sum)))
		case sensorlink.FilterRateLimit:
			f.last = append([]byte(nil), data...)
		case sensorlink.FilterCoSample:
			if v, ok := p.sensors[f.sensor]; ok {
				p.emit(translate.FilterSource(f.id), v)
			}
		}
	}
}

func (p *Peer) appendEntry(lg *logger, data []byte) {
	lg.entries = append(lg.entries, translate.RawEntry{Tick: p.tick, Data: append([]byte(nil), data...)})
	if over := len(lg.entries) - p.cfg.LogCapacity; over > 0 {
		lg.entries = append([]translate.RawEntry(nil), lg.entries[over:]...)
	}
}

func intValue(b []byte) int32 {
	switch len(b) {
	case 1:
		return int32(b[0])
	case 2:
		return int32(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int32(binary.LittleEndian.Uint32(b))
	}
	return 0
}

func sortedSlots[T any](m map[sensorlink.Slot]T) []sensorlink.Slot {
	ids := make([]sensorlink.Slot, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func freeSlot[T any](m map[sensorlink.Slot]T, capacity int) (sensorlink.Slot, bool) {
	for i := 0; i < capacity; i++ {
		if _, used := m[sensorlink.Slot(i)]; !used {
			return sensorlink.Slot(i), true
		}
	}
	return sensorlink.NoSlot, false
}

// out queues a frame to the host. Callers hold p.mu.
func (p *Peer) out(f translate.Frame) {
	if p.link != nil {
		p.link.push(f.Bytes())
	}
}
