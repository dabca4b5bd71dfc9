package peersim

import (
	"encoding/binary"
	"time"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/translate"
)

func (p *Peer) handle(l *Link, b []byte) {
	f, err := translate.ParseFrame(b)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if l != p.link {
		return
	}
	p.received = append(p.received, f)
	if p.silent[f.Key()] {
		return
	}
	if _, ok := p.cfg.Modules[f.Module]; !ok && f.Module != translate.ModuleSystem {
		if f.Register == translate.RegInfo {
			p.reply(f)
		}
		return
	}
	switch {
	case f.Register == translate.RegInfo:
		v := p.cfg.Modules[f.Module]
		p.reply(f, v[0], v[1])
	case f.Register == translate.RegNotify:
		if len(f.Payload) >= 3 {
			src := sensorlink.Source{Module: f.Module, Register: f.Payload[0], Index: f.Payload[1]}
			p.notify[src] = f.Payload[2] != 0
		}
	case f.Module == translate.ModuleFilter:
		p.handleFilter(f)
	case f.Module == translate.ModuleTrigger:
		p.handleTrigger(f)
	case f.Module == translate.ModuleLogging:
		p.handleLogging(f)
	case f.Module == translate.ModuleTemperature && f.Register == translate.RegTemperatureRead:
		if len(f.Payload) < 1 {
			p.reply(f)
			return
		}
		ch := f.Payload[0]
		v, ok := p.sensors[sensorlink.Source{Module: translate.ModuleTemperature, Register: translate.RegTemperatureData, Index: ch}]
		if !ok {
			v = []byte{0, 0}
		}
		p.reply(f, append([]byte{ch}, v...)...)
	default:
		p.exec(f)
	}
}

// exec runs a fire-and-forget command, from the host or a trigger entry.
// Callers hold p.mu.
func (p *Peer) exec(f translate.Frame) {
	switch {
	case f.Module == translate.ModuleSystem && f.Register == translate.RegSystemReset:
		p.filters = make(map[sensorlink.Slot]*filter)
		p.triggers = make(map[sensorlink.Slot]*trigger)
		p.loggers = make(map[sensorlink.Slot]*logger)
		p.lastAdd = nil
	case f.Module == translate.ModuleFilter && f.Register == translate.RegFilterState:
		if len(f.Payload) >= 5 {
			if flt, ok := p.filters[sensorlink.Slot(f.Payload[0])]; ok {
				flt.sum = int32(binary.LittleEndian.Uint32(f.Payload[1:5]))
			}
		}
	}
	p.executed = append(p.executed, f)
}

func (p *Peer) reply(req translate.Frame, payload ...byte) {
	p.out(translate.Frame{Module: req.Module, Register: req.Register, Payload: append([]byte(nil), payload...)})
}

func (p *Peer) handleFilter(f translate.Frame) {
	switch f.Register {
	case translate.RegFilterAdd:
		pl := f.Payload
		id, ok := freeSlot(p.filters, p.cfg.Filters)
		if len(pl) < 6 || !ok {
			p.reply(f)
			return
		}
		flt := &filter{
			id:    id,
			input: sensorlink.Source{Module: pl[0], Register: pl[1], Index: pl[2]},
			kind:  sensorlink.FilterKind(pl[4]),
			add:   append([]byte(nil), pl...),
			start: p.clock,
		}
		cfg := pl[5:]
		switch flt.kind {
		case sensorlink.FilterAccumulate:
		case sensorlink.FilterRateLimit:
			if len(cfg) < 4 {
				p.reply(f)
				return
			}
			flt.period = time.Duration(binary.LittleEndian.Uint32(cfg)) * time.Millisecond
		case sensorlink.FilterCoSample:
			if len(cfg) < 3 {
				p.reply(f)
				return
			}
			flt.sensor = sensorlink.Source{Module: cfg[0], Register: cfg[1], Index: cfg[2]}
		default:
			p.reply(f)
			return
		}
		p.filters[id] = flt
		p.reply(f, byte(id))
	case translate.RegFilterRemove:
		if len(f.Payload) >= 1 {
			delete(p.filters, sensorlink.Slot(f.Payload[0]))
		}
	case translate.RegFilterConfig:
		if len(f.Payload) < 1 {
			p.reply(f)
			return
		}
		id := f.Payload[0]
		if flt, ok := p.filters[sensorlink.Slot(id)]; ok {
			p.reply(f, append([]byte{id}, flt.add...)...)
			return
		}
		p.reply(f, id)
	default:
		p.exec(f)
	}
}

func (p *Peer) handleTrigger(f translate.Frame) {
	switch f.Register {
	case translate.RegTriggerAdd:
		pl := f.Payload
		id, ok := freeSlot(p.triggers, p.cfg.Triggers)
		if len(pl) < 6 || !ok {
			p.lastAdd = nil
			p.reply(f)
			return
		}
		t := &trigger{
			id:     id,
			src:    sensorlink.Source{Module: pl[0], Register: pl[1], Index: pl[2]},
			module: pl[3],
			reg:    pl[4],
			add:    append([]byte(nil), pl...),
		}
		p.triggers[id] = t
		p.lastAdd = t
		p.reply(f, byte(id))
	case translate.RegTriggerParams:
		if p.lastAdd != nil {
			p.lastAdd.params = append([]byte(nil), f.Payload...)
			p.lastAdd = nil
		}
	case translate.RegTriggerRemove:
		if len(f.Payload) >= 1 {
			delete(p.triggers, sensorlink.Slot(f.Payload[0]))
		}
	case translate.RegTriggerConfig:
		if len(f.Payload) < 1 {
			p.reply(f)
			return
		}
		id := f.Payload[0]
		if t, ok := p.triggers[sensorlink.Slot(id)]; ok {
			p.reply(f, append([]byte{id}, t.add...)...)
			return
		}
		p.reply(f, id)
	}
}

func (p *Peer) handleLogging(f translate.Frame) {
	switch f.Register {
	case translate.RegLoggerAdd:
		pl := f.Payload
		id, ok := freeSlot(p.loggers, p.cfg.Loggers)
		if len(pl) < 4 || !ok {
			p.reply(f)
			return
		}
		p.loggers[id] = &logger{
			id:  id,
			src: sensorlink.Source{Module: pl[0], Register: pl[1], Index: pl[2]},
			add: append([]byte(nil), pl...),
		}
		p.reply(f, byte(id))
	case translate.RegLoggerRemove:
		if len(f.Payload) >= 1 {
			delete(p.loggers, sensorlink.Slot(f.Payload[0]))
		}
	case translate.RegLoggerConfig:
		if len(f.Payload) < 1 {
			p.reply(f)
			return
		}
		id := f.Payload[0]
		if lg, ok := p.loggers[sensorlink.Slot(id)]; ok {
			p.reply(f, append([]byte{id}, lg.add...)...)
			return
		}
		p.reply(f, id)
	case translate.RegLogReadout:
		p.readout(f)
	}
}

// readout answers with the entry count, then streams the entries in chunks.
// With the stop flag the logger is gone before anything else can be logged.
func (p *Peer) readout(f translate.Frame) {
	if len(f.Payload) < 2 {
		p.reply(f)
		return
	}
	id := sensorlink.Slot(f.Payload[0])
	lg, ok := p.loggers[id]
	if !ok {
		p.reply(f)
		return
	}
	entries := lg.entries
	lg.entries = nil
	if f.Payload[1] != 0 {
		delete(p.loggers, id)
	}
	p.reply(f, binary.LittleEndian.AppendUint32([]byte{byte(id)}, uint32(len(entries)))...)

	for i, n := 0, 0; i < len(entries); i, n = i+p.cfg.ChunkSize, n+1 {
		if p.readoutLimit > 0 && n >= p.readoutLimit {
			return
		}
		end := i + p.cfg.ChunkSize
		if end > len(entries) {
			end = len(entries)
		}
		chunk, err := translate.BuildChunk(id, entries[i:end])
		if err != nil {
			return
		}
		p.out(chunk)
	}
}
