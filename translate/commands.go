package translate

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/xmidt-org/talaria/sensorlink"
)

var (
	errZeroPeriod    = errors.New("translate: rate-limit period must be positive")
	errMissingSensor = errors.New("translate: co-sample without sensor")
	errUnknownFilter = errors.New("translate: unknown filter kind")
	errBadReply      = errors.New("translate: malformed reply")
)

// BuildNotify enables or disables peer forwarding for src.
func BuildNotify(src sensorlink.Source, enable bool) Frame {
	var on byte
	if enable {
		on = 1
	}
	return Frame{Module: src.Module, Register: RegNotify, Payload: []byte{src.Register, src.Index, on}}
}

// BuildModuleInfo reads the implementation/revision of module.
func BuildModuleInfo(module uint8) Frame {
	return Frame{Module: module, Register: RegInfo}
}

// ModulePresent reports whether a module info reply names an implementation.
func ModulePresent(reply Frame) bool {
	return len(reply.Payload) >= 2
}

// BuildFilterAdd allocates a peer filter consuming input.
func BuildFilterAdd(input sensorlink.Source, inputType sensorlink.PayloadType, f sensorlink.Filter) (Frame, error) {
	p := []byte{input.Module, input.Register, input.Index, byte(PayloadSize(inputType)), byte(f.Kind)}
	switch f.Kind {
	case sensorlink.FilterAccumulate:
		p = append(p, 4)
	case sensorlink.FilterRateLimit:
		if f.PeriodMs == 0 {
			return Frame{}, errZeroPeriod
		}
		p = binary.LittleEndian.AppendUint32(p, f.PeriodMs)
	case sensorlink.FilterCoSample:
		if f.Sensor == nil {
			return Frame{}, errMissingSensor
		}
		s := f.Sensor.Source
		p = append(p, s.Module, s.Register, s.Index)
	default:
		return Frame{}, errUnknownFilter
	}
	return Frame{Module: ModuleFilter, Register: RegFilterAdd, Payload: p}, nil
}

func BuildFilterRemove(id sensorlink.Slot) Frame {
	return Frame{Module: ModuleFilter, Register: RegFilterRemove, Payload: []byte{byte(id)}}
}

// BuildFilterReset overwrites the running state of filter id.
func BuildFilterReset(id sensorlink.Slot, value int32) Frame {
	p := binary.LittleEndian.AppendUint32([]byte{byte(id)}, uint32(value))
	return Frame{Module: ModuleFilter, Register: RegFilterState, Payload: p}
}

func BuildFilterConfigRead(id sensorlink.Slot) Frame {
	return Frame{Module: ModuleFilter, Register: RegFilterConfig, Payload: []byte{byte(id)}}
}

// BuildTriggerAdd binds instruction ins to src. The params frame must follow
// it immediately.
func BuildTriggerAdd(src sensorlink.Source, ins sensorlink.Instruction) (Frame, error) {
	if len(ins.Payload) > maxFramePayload-2 {
		return Frame{}, errLongPayload
	}
	p := []byte{src.Module, src.Register, src.Index, ins.Module, ins.Register, byte(len(ins.Payload))}
	return Frame{Module: ModuleTrigger, Register: RegTriggerAdd, Payload: p}, nil
}

func BuildTriggerParams(ins sensorlink.Instruction) Frame {
	return Frame{Module: ModuleTrigger, Register: RegTriggerParams, Payload: append([]byte(nil), ins.Payload...)}
}

func BuildTriggerRemove(id sensorlink.Slot) Frame {
	return Frame{Module: ModuleTrigger, Register: RegTriggerRemove, Payload: []byte{byte(id)}}
}

func BuildTriggerConfigRead(id sensorlink.Slot) Frame {
	return Frame{Module: ModuleTrigger, Register: RegTriggerConfig, Payload: []byte{byte(id)}}
}

// BuildLoggerAdd starts peer ring-buffer capture of src.
func BuildLoggerAdd(src sensorlink.Source, t sensorlink.PayloadType) Frame {
	return Frame{Module: ModuleLogging, Register: RegLoggerAdd, Payload: []byte{src.Module, src.Register, src.Index, byte(PayloadSize(t))}}
}

func BuildLoggerRemove(id sensorlink.Slot) Frame {
	return Frame{Module: ModuleLogging, Register: RegLoggerRemove, Payload: []byte{byte(id)}}
}

func BuildLoggerConfigRead(id sensorlink.Slot) Frame {
	return Frame{Module: ModuleLogging, Register: RegLoggerConfig, Payload: []byte{byte(id)}}
}

// BuildReadout requests the log of logger id. With stop set the peer removes
// the logger in the same step.
func BuildReadout(id sensorlink.Slot, stop bool) Frame {
	var s byte
	if stop {
		s = 1
	}
	return Frame{Module: ModuleLogging, Register: RegLogReadout, Payload: []byte{byte(id), s}}
}

func BuildReset() Frame {
	return Frame{Module: ModuleSystem, Register: RegSystemReset}
}

// ParseSlotReply extracts the id from an add reply. ok is false when the peer
// rejected the allocation.
func ParseSlotReply(reply Frame) (id sensorlink.Slot, ok bool) {
	if len(reply.Payload) < 1 {
		return sensorlink.NoSlot, false
	}
	return sensorlink.Slot(reply.Payload[0]), true
}

// ParseReadoutReply extracts the entry count announced for a readout.
func ParseReadoutReply(reply Frame) (sensorlink.Slot, uint32, error) {
	if len(reply.Payload) < 5 {
		return sensorlink.NoSlot, 0, errBadReply
	}
	return sensorlink.Slot(reply.Payload[0]), binary.LittleEndian.Uint32(reply.Payload[1:5]), nil
}

// ConfigMatches reports whether a config read reply for id echoes the add
// payload that would have created it.
func ConfigMatches(reply Frame, id sensorlink.Slot, add Frame) bool {
	if len(reply.Payload) < 1 || reply.Payload[0] != byte(id) {
		return false
	}
	return bytes.Equal(reply.Payload[1:], add.Payload)
}

// TriggerSource reports the source a trigger entry read back from the peer
// is bound to. ok is false for a free entry.
func TriggerSource(reply Frame, id sensorlink.Slot) (sensorlink.Source, bool) {
	if len(reply.Payload) < 4 || reply.Payload[0] != byte(id) {
		return sensorlink.Source{}, false
	}
	p := reply.Payload[1:]
	return sensorlink.Source{Module: p[0], Register: p[1], Index: p[2]}, true
}
