package runtime

import (
	"fmt"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/translate"
)

// moduleSource is the register map of the built-in sensor modules: which
// sources produce data and with what payload type.
func moduleSource(src sensorlink.Source) (sensorlink.PayloadType, bool) {
	switch {
	case src.Module == translate.ModuleSwitch && src.Register == translate.RegSwitchState && src.Index == sensorlink.NoIndex:
		return sensorlink.PayloadUint8, true
	case src.Module == translate.ModuleTemperature && src.Register == translate.RegTemperatureData:
		return sensorlink.PayloadTemperature, true
	}
	return 0, false
}

// Switch is the push-button state node. Repeated calls return the same handle.
func (s *Session) Switch() (EventNode, error) {
	return s.moduleNode(sensorlink.Source{Module: translate.ModuleSwitch, Register: translate.RegSwitchState, Index: sensorlink.NoIndex})
}

// Temperature is the data node of one thermistor channel.
func (s *Session) Temperature(channel uint8) (EventNode, error) {
	return s.moduleNode(sensorlink.Source{Module: translate.ModuleTemperature, Register: translate.RegTemperatureData, Index: channel})
}

// TemperatureSensor names a thermistor channel as a co-sample value source.
func TemperatureSensor(channel uint8) sensorlink.Sensor {
	return sensorlink.Sensor{
		Source: sensorlink.Source{Module: translate.ModuleTemperature, Register: translate.RegTemperatureData, Index: channel},
		Type:   sensorlink.PayloadTemperature,
	}
}

func (s *Session) moduleNode(src sensorlink.Source) (EventNode, error) {
	ptype, ok := moduleSource(src)
	if !ok {
		return EventNode{}, fmt.Errorf("%w: no sensor at %s", sensorlink.ErrUnsupported, src)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.arena.dead.Load() {
		return EventNode{}, sensorlink.ErrNotConnected
	}
	if !s.modules[src.Module] {
		return EventNode{}, fmt.Errorf("module %#x: %w", src.Module, sensorlink.ErrUnsupported)
	}
	if idx, ok := s.moduleNodes[src]; ok {
		return s.arena.handle(idx), nil
	}
	h := s.newNode(&node{
		def:    sensorlink.Definition{Source: src, Type: ptype, Logger: sensorlink.NoSlot},
		source: src,
		ptype:  ptype,
		module: true,
		input:  -1,
	})
	s.moduleNodes[src] = h.i
	return h, nil
}
