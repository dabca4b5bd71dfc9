package sensorlink

import (
	"fmt"
	"time"
)

// NoIndex marks a source register that is not indexed.
const NoIndex uint8 = 0xFF

// NoSlot marks an unbound peer slot.
const NoSlot Slot = 0xFF

// Slot is a peer-assigned id in one of the fixed-capacity peer tables
// (filters, trigger entries, loggers).
type Slot uint8

// Source addresses one peer register that produces data.
type Source struct {
	Module   uint8 `json:"module" yaml:"module"`
	Register uint8 `json:"register" yaml:"register"`
	Index    uint8 `json:"index" yaml:"index"`
}

func (s Source) String() string {
	if s.Index == NoIndex {
		return fmt.Sprintf("%02x:%02x", s.Module, s.Register)
	}
	return fmt.Sprintf("%02x:%02x[%d]", s.Module, s.Register, s.Index)
}

// PayloadType tags the decoded form of a node's data.
type PayloadType uint8

const (
	PayloadRaw PayloadType = iota
	PayloadUint8
	PayloadInt32
	PayloadTemperature
)

func (t PayloadType) String() string {
	switch t {
	case PayloadRaw:
		return "raw"
	case PayloadUint8:
		return "uint8"
	case PayloadInt32:
		return "int32"
	case PayloadTemperature:
		return "temperature"
	default:
		return fmt.Sprintf("payload(%d)", uint8(t))
	}
}

// Payload is the closed set of decoded sensor values. Only the variants in
// this package implement it.
type Payload interface {
	Type() PayloadType
	payload()
}

// Uint8Value is a single unsigned byte reading, e.g. the switch state.
type Uint8Value uint8

// Int32Value is a signed 32 bit reading, e.g. an accumulator output.
type Int32Value int32

// Temperature is a reading in degrees Celsius.
type Temperature float64

// RawValue is an opaque payload the codec does not interpret.
type RawValue []byte

func (Uint8Value) Type() PayloadType  { return PayloadUint8 }
func (Int32Value) Type() PayloadType  { return PayloadInt32 }
func (Temperature) Type() PayloadType { return PayloadTemperature }
func (RawValue) Type() PayloadType    { return PayloadRaw }

func (Uint8Value) payload()  {}
func (Int32Value) payload()  {}
func (Temperature) payload() {}
func (RawValue) payload()    {}

// Sensor is a readable peer register, used as the value source of a
// co-sample filter.
type Sensor struct {
	Source Source      `json:"source" yaml:"source"`
	Type   PayloadType `json:"type" yaml:"type"`
}

type FilterKind uint8

const (
	FilterAccumulate FilterKind = 0x02
	FilterRateLimit  FilterKind = 0x08
	FilterCoSample   FilterKind = 0x0C
)

func (k FilterKind) String() string {
	switch k {
	case FilterAccumulate:
		return "accumulate"
	case FilterRateLimit:
		return "rate-limit"
	case FilterCoSample:
		return "co-sample"
	default:
		return fmt.Sprintf("filter(%#x)", uint8(k))
	}
}

// Filter is one stage of a derived node's chain. Slot is the peer filter id
// realizing it.
type Filter struct {
	Kind     FilterKind `json:"kind" yaml:"kind"`
	PeriodMs uint32     `json:"periodMs,omitempty" yaml:"periodMs,omitempty"`
	Sensor   *Sensor    `json:"sensor,omitempty" yaml:"sensor,omitempty"`
	Slot     Slot       `json:"slot" yaml:"slot"`
}

// Definition describes a node durably: its root source, the ordered filter
// chain applied to it, and the peer-side sinks bound to the final node.
type Definition struct {
	Source  Source      `json:"source" yaml:"source"`
	Type    PayloadType `json:"type" yaml:"type"`
	Filters []Filter    `json:"filters,omitempty" yaml:"filters,omitempty"`
	Logger  Slot        `json:"logger" yaml:"logger"`
	Program []Slot      `json:"program,omitempty" yaml:"program,omitempty"`
}

// Equal reports whether two definitions name the same source, filter chain
// and peer bindings.
func (d Definition) Equal(o Definition) bool {
	if d.Source != o.Source || d.Type != o.Type || d.Logger != o.Logger {
		return false
	}
	if len(d.Filters) != len(o.Filters) || len(d.Program) != len(o.Program) {
		return false
	}
	for i := range d.Filters {
		a, b := d.Filters[i], o.Filters[i]
		if a.Kind != b.Kind || a.PeriodMs != b.PeriodMs || a.Slot != b.Slot {
			return false
		}
		if (a.Sensor == nil) != (b.Sensor == nil) {
			return false
		}
		if a.Sensor != nil && *a.Sensor != *b.Sensor {
			return false
		}
	}
	for i := range d.Program {
		if d.Program[i] != o.Program[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (d Definition) Clone() Definition {
	c := d
	if d.Filters != nil {
		c.Filters = make([]Filter, len(d.Filters))
		for i, f := range d.Filters {
			if f.Sensor != nil {
				s := *f.Sensor
				f.Sensor = &s
			}
			c.Filters[i] = f
		}
	}
	if d.Program != nil {
		c.Program = append([]Slot(nil), d.Program...)
	}
	return c
}

// LogEntry is one decoded entry of a drained peer log.
type LogEntry struct {
	Tick    uint32
	Payload Payload
}

// Instruction is one recorded peer command: opcode (module) + register
// target + payload.
type Instruction struct {
	Module   uint8
	Register uint8
	Payload  []byte
}

type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventProgram      EventKind = "program"
	EventDrain        EventKind = "drain"
)

// Event is a session lifecycle notification.
type Event struct {
	Kind       EventKind
	SessionID  string
	OccurredAt time.Time
	Source     string
	Payload    interface{}
}

type EventSubscription interface {
	C() <-chan Event
	Close() error
}
