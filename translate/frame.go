// Package translate encodes and decodes the peripheral wire contract: frames
// of [module][register][payload...], typed sensor payloads, log readout
// chunks, and compiled trigger programs.
package translate

import (
	"errors"
	"fmt"

	"github.com/xmidt-org/talaria/sensorlink"
)

// Modules.
const (
	ModuleSwitch      uint8 = 0x01
	ModuleLED         uint8 = 0x02
	ModuleTemperature uint8 = 0x04
	ModuleHaptic      uint8 = 0x08
	ModuleFilter      uint8 = 0x09
	ModuleTrigger     uint8 = 0x0A
	ModuleLogging     uint8 = 0x0B
	ModuleSystem      uint8 = 0xFE
)

// Registers shared by every module.
const (
	RegNotify uint8 = 0x70
	RegInfo   uint8 = 0x80
)

// Module specific registers.
const (
	RegSwitchState     uint8 = 0x01
	RegLEDPlay         uint8 = 0x01
	RegLEDStop         uint8 = 0x02
	RegTemperatureData uint8 = 0x01
	RegTemperatureRead uint8 = 0x81
	RegHapticPulse     uint8 = 0x01

	RegFilterAdd    uint8 = 0x02
	RegFilterData   uint8 = 0x03
	RegFilterState  uint8 = 0x04
	RegFilterRemove uint8 = 0x06
	RegFilterConfig uint8 = 0x82

	RegTriggerAdd    uint8 = 0x02
	RegTriggerParams uint8 = 0x03
	RegTriggerRemove uint8 = 0x04
	RegTriggerConfig uint8 = 0x82

	RegLoggerAdd    uint8 = 0x02
	RegLoggerRemove uint8 = 0x03
	RegLogReadout   uint8 = 0x04
	RegLogChunk     uint8 = 0x05
	RegLoggerConfig uint8 = 0x82

	RegSystemReset uint8 = 0x01
)

const maxFramePayload = 0xFF

var (
	errShortFrame   = errors.New("translate: frame shorter than header")
	errLongPayload  = errors.New("translate: payload too long")
	errShortPayload = errors.New("translate: payload too short")
)

// Frame is one wire unit in either direction.
type Frame struct {
	Module   uint8
	Register uint8
	Payload  []byte
}

// Key identifies the response a request frame waits for.
type Key struct {
	Module   uint8
	Register uint8
}

func (f Frame) Key() Key { return Key{Module: f.Module, Register: f.Register} }

func (f Frame) String() string {
	return fmt.Sprintf("[%02x %02x % x]", f.Module, f.Register, f.Payload)
}

// Bytes encodes the frame.
func (f Frame) Bytes() []byte {
	b := make([]byte, 0, 2+len(f.Payload))
	b = append(b, f.Module, f.Register)
	return append(b, f.Payload...)
}

// ParseFrame decodes one frame. The payload aliases b.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < 2 {
		return Frame{}, errShortFrame
	}
	return Frame{Module: b[0], Register: b[1], Payload: b[2:]}, nil
}

// DataSource reports the source a peer data frame belongs to. Data frames
// carry the source index as their first payload byte.
func DataSource(f Frame) (sensorlink.Source, []byte, error) {
	if len(f.Payload) < 1 {
		return sensorlink.Source{}, nil, errShortPayload
	}
	return sensorlink.Source{Module: f.Module, Register: f.Register, Index: f.Payload[0]}, f.Payload[1:], nil
}

// DataFrame builds the peer-side data frame for src.
func DataFrame(src sensorlink.Source, data []byte) Frame {
	p := make([]byte, 0, 1+len(data))
	p = append(p, src.Index)
	return Frame{Module: src.Module, Register: src.Register, Payload: append(p, data...)}
}

// FilterSource is the source of the output of peer filter id.
func FilterSource(id sensorlink.Slot) sensorlink.Source {
	return sensorlink.Source{Module: ModuleFilter, Register: RegFilterData, Index: uint8(id)}
}
