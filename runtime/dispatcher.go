package runtime

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/translate"
)

// Dispatcher is the command layer module APIs issue peer commands through.
// A live dispatcher sends them down the session pipeline; a recording
// dispatcher, handed to a Recorder, appends them to a trigger program and
// rejects anything that needs a peer reply.
type Dispatcher struct {
	s   *Session
	rec *recording
}

type recording struct {
	mu           sync.Mutex
	instructions []sensorlink.Instruction
	violation    error
	closed       bool
}

func (r *recording) add(ins sensorlink.Instruction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return sensorlink.ErrRecordingClosed
	}
	ins.Payload = append([]byte(nil), ins.Payload...)
	r.instructions = append(r.instructions, ins)
	return nil
}

func (r *recording) violate(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.violation == nil {
		r.violation = err
	}
}

func (r *recording) finish() ([]sensorlink.Instruction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.instructions, r.violation
}

// Dispatcher returns the live dispatcher of s.
func (s *Session) Dispatcher() *Dispatcher {
	return &Dispatcher{s: s}
}

// Recording reports whether d captures instead of executing.
func (d *Dispatcher) Recording() bool { return d.rec != nil }

// Send issues a fire-and-forget peer command.
func (d *Dispatcher) Send(ctx context.Context, ins sensorlink.Instruction) error {
	if d.rec != nil {
		return d.rec.add(ins)
	}
	if err := d.s.checkRecording("command"); err != nil {
		return err
	}
	_, err := d.s.do(ctx, "command", send(translate.Frame{Module: ins.Module, Register: ins.Register, Payload: ins.Payload}))
	return err
}

// Request issues a command whose reply is needed. It has no meaning on the
// peer with no host attached, so it is illegal while recording.
func (d *Dispatcher) Request(ctx context.Context, ins sensorlink.Instruction) (translate.Frame, error) {
	if d.rec != nil {
		err := fmt.Errorf("request %02x:%02x: %w", ins.Module, ins.Register, sensorlink.ErrIllegalInRecording)
		d.rec.violate(err)
		return translate.Frame{}, err
	}
	if err := d.s.checkRecording("request"); err != nil {
		return translate.Frame{}, err
	}
	replies, err := d.s.do(ctx, "request", request(translate.Frame{Module: ins.Module, Register: ins.Register, Payload: ins.Payload}))
	if err != nil {
		return translate.Frame{}, err
	}
	return replies[0], nil
}

func (d *Dispatcher) requireModule(m uint8) error {
	if !d.s.HasModule(m) {
		return fmt.Errorf("module %#x: %w", m, sensorlink.ErrUnsupported)
	}
	return nil
}

// Haptic drives the vibration motor.
type Haptic struct{ d *Dispatcher }

func (d *Dispatcher) Haptic() Haptic { return Haptic{d: d} }

// Pulse runs the motor at duty (0-255) for width.
func (h Haptic) Pulse(ctx context.Context, duty uint8, width time.Duration) error {
	if err := h.d.requireModule(translate.ModuleHaptic); err != nil {
		return err
	}
	ms := width.Milliseconds()
	if ms <= 0 || ms > 0xFFFF {
		return fmt.Errorf("%w: pulse width %s", sensorlink.ErrInvalidParameter, width)
	}
	p := binary.LittleEndian.AppendUint16([]byte{duty}, uint16(ms))
	return h.d.Send(ctx, sensorlink.Instruction{Module: translate.ModuleHaptic, Register: translate.RegHapticPulse, Payload: append(p, 0)})
}

// LEDColor selects the LED module color.
type LEDColor uint8

const (
	LEDGreen LEDColor = iota
	LEDRed
	LEDBlue
)

// LED issues LED module commands through a dispatcher.
type LED struct{ d *Dispatcher }

func (d *Dispatcher) LED() LED { return LED{d: d} }

// Flash blinks color count times.
func (l LED) Flash(ctx context.Context, color LEDColor, count uint8) error {
	if err := l.d.requireModule(translate.ModuleLED); err != nil {
		return err
	}
	return l.d.Send(ctx, sensorlink.Instruction{Module: translate.ModuleLED, Register: translate.RegLEDPlay, Payload: []byte{byte(color), count}})
}

// Stop ends any running LED pattern.
func (l LED) Stop(ctx context.Context) error {
	if err := l.d.requireModule(translate.ModuleLED); err != nil {
		return err
	}
	return l.d.Send(ctx, sensorlink.Instruction{Module: translate.ModuleLED, Register: translate.RegLEDStop})
}

type Thermometer struct{ d *Dispatcher }

func (d *Dispatcher) Thermometer() Thermometer { return Thermometer{d: d} }

// Read samples one channel. It waits for the peer and so cannot be recorded.
func (th Thermometer) Read(ctx context.Context, channel uint8) (sensorlink.Temperature, error) {
	if err := th.d.requireModule(translate.ModuleTemperature); err != nil {
		return 0, err
	}
	reply, err := th.d.Request(ctx, sensorlink.Instruction{Module: translate.ModuleTemperature, Register: translate.RegTemperatureRead, Payload: []byte{channel}})
	if err != nil {
		return 0, err
	}
	if len(reply.Payload) < 1 {
		return 0, fmt.Errorf("%w: empty temperature reply", sensorlink.ErrDecode)
	}
	p, err := translate.DecodePayload(sensorlink.PayloadTemperature, reply.Payload[1:])
	if err != nil {
		return 0, err
	}
	return p.(sensorlink.Temperature), nil
}

// ResetAccumulator zeroes the running sum of an accumulate node. Recorded,
// it resets the sum on the peer whenever the program's event fires.
func (d *Dispatcher) ResetAccumulator(ctx context.Context, n EventNode) error {
	d.s.mu.Lock()
	nd, err := d.s.resolve(n)
	var slot sensorlink.Slot
	if err == nil {
		if f := nd.def.Filters; len(f) == 0 || f[len(f)-1].Kind != sensorlink.FilterAccumulate {
			err = fmt.Errorf("%w: %s is not an accumulator", sensorlink.ErrInvalidParameter, n)
		} else {
			slot = f[len(f)-1].Slot
		}
	}
	d.s.mu.Unlock()
	if err != nil {
		return err
	}
	f := translate.BuildFilterReset(slot, 0)
	return d.Send(ctx, sensorlink.Instruction{Module: f.Module, Register: f.Register, Payload: f.Payload})
}
