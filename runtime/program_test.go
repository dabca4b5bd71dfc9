package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/internal/peersim"
	"github.com/xmidt-org/talaria/sensorlink/translate"
)

func flashAndBuzz(ctx context.Context) Recorder {
	return func(d *Dispatcher) error {
		if err := d.LED().Flash(ctx, LEDGreen, 2); err != nil {
			return err
		}
		return d.Haptic().Pulse(ctx, 255, 40*time.Millisecond)
	}
}

// waitExecuted polls until the peer has run n commands.
func waitExecuted(t *testing.T, p *peersim.Peer, n int) []translate.Frame {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		exec := p.Executed()
		if len(exec) >= n || time.Now().After(deadline) {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProgramCompilesDeterministically(t *testing.T) {
	h := newHarness(t, peersim.DefaultConfig())
	ctx := context.Background()
	sw := h.switchNode()

	first, err := sw.ProgramCommands(ctx, flashAndBuzz(ctx))
	require.NoError(t, err)
	require.Len(t, first.Instructions, 2)
	assert.Len(t, first.Entries, 2)

	second, err := sw.ProgramCommands(ctx, flashAndBuzz(ctx))
	require.NoError(t, err)
	assert.Equal(t, first.Binary, second.Binary)
	assert.NotEqual(t, first.ID, second.ID)

	want, err := translate.CompileProgram(switchSource, second.Instructions)
	require.NoError(t, err)
	assert.Equal(t, want, second.Binary)

	// Replacing the program frees the old entries.
	_, triggers, _ := h.peer.Counts()
	assert.Equal(t, 2, triggers)
	assert.Equal(t, second.Entries, sw.Program().Entries)
}

func TestProgramRunsWithoutHost(t *testing.T) {
	h := newHarness(t, peersim.DefaultConfig())
	ctx := context.Background()
	sw := h.switchNode()

	events := h.s.Events(4)
	defer events.Close()

	_, err := sw.ProgramCommands(ctx, flashAndBuzz(ctx))
	require.NoError(t, err)
	select {
	case e := <-events.C():
		assert.Equal(t, sensorlink.EventProgram, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("no program event")
	}

	require.NoError(t, h.s.Close())
	h.peer.Fire(switchSource, []byte{1})

	exec := h.peer.Executed()
	require.Len(t, exec, 2)
	assert.Equal(t, translate.ModuleLED, exec[0].Module)
	assert.Equal(t, []byte{byte(LEDGreen), 2}, exec[0].Payload)
	assert.Equal(t, translate.ModuleHaptic, exec[1].Module)
	assert.Equal(t, []byte{255, 40, 0, 0}, exec[1].Payload)
}

func TestEraseProgram(t *testing.T) {
	h := newHarness(t, peersim.DefaultConfig())
	ctx := context.Background()
	sw := h.switchNode()
	got := make(chan sensorlink.Payload, 4)
	require.NoError(t, sw.Subscribe(ctx, collect(got)))

	_, err := sw.ProgramCommands(ctx, flashAndBuzz(ctx))
	require.NoError(t, err)
	require.NoError(t, sw.EraseProgram(ctx))
	assert.Nil(t, sw.Program())
	assert.Empty(t, sw.Definition().Program)

	h.peer.Fire(switchSource, []byte{1})
	assert.Equal(t, sensorlink.Uint8Value(1), next(t, got))
	assert.Empty(t, h.peer.Executed())

	// Erasing nothing is fine.
	assert.NoError(t, sw.EraseProgram(ctx))
}

// Two accumulators over one input are separate peer filters; erasing one
// program leaves the other filter and its program alone.
func TestAccumulatorsAreIndependent(t *testing.T) {
	h := newHarness(t, peersim.DefaultConfig())
	ctx := context.Background()
	sw := h.switchNode()

	a, err := h.s.Accumulate(ctx, sw)
	require.NoError(t, err)
	b, err := h.s.Accumulate(ctx, sw)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	slotA, slotB := a.Definition().Filters[0].Slot, b.Definition().Filters[0].Slot
	require.NotEqual(t, slotA, slotB)

	_, err = a.ProgramCommands(ctx, func(d *Dispatcher) error { return d.LED().Flash(ctx, LEDRed, 1) })
	require.NoError(t, err)
	_, err = b.ProgramCommands(ctx, func(d *Dispatcher) error { return d.LED().Flash(ctx, LEDBlue, 1) })
	require.NoError(t, err)

	require.NoError(t, a.EraseProgram(ctx))
	assert.Nil(t, a.Program())
	require.NotNil(t, b.Program())
	assert.Equal(t, slotB, b.Definition().Filters[0].Slot)

	filters, triggers, _ := h.peer.Counts()
	assert.Equal(t, 2, filters)
	assert.Equal(t, 1, triggers)

	h.peer.Fire(switchSource, []byte{1})
	exec := h.peer.Executed()
	require.Len(t, exec, 1)
	assert.Equal(t, []byte{byte(LEDBlue), 1}, exec[0].Payload)
}

func TestRecordedResetAccumulator(t *testing.T) {
	h := newHarness(t, peersim.DefaultConfig())
	ctx := context.Background()
	sw := h.switchNode()
	acc, err := h.s.Accumulate(ctx, sw)
	require.NoError(t, err)

	_, err = acc.ProgramCommands(ctx, func(d *Dispatcher) error {
		assert.True(t, d.Recording())
		return d.ResetAccumulator(ctx, acc)
	})
	require.NoError(t, err)

	got := make(chan sensorlink.Payload, 4)
	require.NoError(t, acc.Subscribe(ctx, collect(got)))
	h.peer.Fire(switchSource, []byte{5})
	h.peer.Fire(switchSource, []byte{3})
	assert.Equal(t, sensorlink.Int32Value(5), next(t, got))
	assert.Equal(t, sensorlink.Int32Value(3), next(t, got))

	assert.ErrorIs(t, h.s.Dispatcher().ResetAccumulator(ctx, sw), sensorlink.ErrInvalidParameter)
}

func TestRecordingRejectsRequests(t *testing.T) {
	h := newHarness(t, peersim.DefaultConfig())
	ctx := context.Background()
	sw := h.switchNode()

	_, err := sw.ProgramCommands(ctx, func(d *Dispatcher) error {
		if err := d.LED().Flash(ctx, LEDGreen, 1); err != nil {
			return err
		}
		_, err := d.Thermometer().Read(ctx, 0)
		assert.ErrorIs(t, err, sensorlink.ErrIllegalInRecording)
		return nil
	})
	require.ErrorIs(t, err, sensorlink.ErrRecordingViolation)
	assert.ErrorIs(t, err, sensorlink.ErrIllegalInRecording)

	upload := translate.Key{Module: translate.ModuleTrigger, Register: translate.RegTriggerAdd}
	read := translate.Key{Module: translate.ModuleTemperature, Register: translate.RegTemperatureRead}
	for _, f := range h.peer.Received() {
		assert.NotEqual(t, upload, f.Key(), "partial program uploaded: %s", f)
		assert.NotEqual(t, read, f.Key(), "request reached the peer: %s", f)
	}
	assert.Nil(t, sw.Program())
}

func TestRecordingRejectsSessionCalls(t *testing.T) {
	h := newHarness(t, peersim.DefaultConfig())
	ctx := context.Background()
	sw := h.switchNode()

	cases := map[string]func() error{
		"subscribe": func() error { return sw.Subscribe(ctx, func(sensorlink.Payload, error) {}) },
		"filter": func() error {
			_, err := h.s.Accumulate(ctx, sw)
			return err
		},
		"logging": func() error { return sw.StartLogging(ctx) },
		"nested": func() error {
			_, err := sw.ProgramCommands(ctx, flashAndBuzz(ctx))
			return err
		},
		"live dispatcher": func() error { return h.s.Dispatcher().LED().Stop(ctx) },
	}
	for name, call := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := sw.ProgramCommands(ctx, func(d *Dispatcher) error {
				return call()
			})
			assert.ErrorIs(t, err, sensorlink.ErrRecordingViolation)
			assert.Nil(t, sw.Program())
		})
	}
	filters, triggers, loggers := h.peer.Counts()
	assert.Equal(t, [3]int{0, 0, 0}, [3]int{filters, triggers, loggers})
	assert.Equal(t, 0, h.s.NotifyRefs(switchSource))
}

func TestRecordingRejectsUnsubscribe(t *testing.T) {
	h := newHarness(t, peersim.DefaultConfig())
	ctx := context.Background()
	sw := h.switchNode()
	require.NoError(t, sw.Subscribe(ctx, func(sensorlink.Payload, error) {}))
	sent := len(h.peer.Received())

	_, err := sw.ProgramCommands(ctx, func(d *Dispatcher) error {
		if err := sw.Unsubscribe(ctx); err != nil {
			return err
		}
		return d.LED().Flash(ctx, LEDGreen, 1)
	})
	require.ErrorIs(t, err, sensorlink.ErrRecordingViolation)
	assert.ErrorIs(t, err, sensorlink.ErrIllegalInRecording)
	assert.Nil(t, sw.Program())

	assert.Equal(t, 1, h.s.NotifyRefs(switchSource))
	assert.True(t, h.peer.NotifyEnabled(switchSource))
	assert.Empty(t, h.peer.Received()[sent:])
	_, triggers, _ := h.peer.Counts()
	assert.Equal(t, 0, triggers)

	// Outside a recording it still works.
	require.NoError(t, sw.Unsubscribe(ctx))
	assert.Equal(t, 0, h.s.NotifyRefs(switchSource))
}

func TestPanickingRecorderEndsRecording(t *testing.T) {
	h := newHarness(t, peersim.DefaultConfig())
	ctx := context.Background()
	sw := h.switchNode()

	var kept *Dispatcher
	assert.PanicsWithValue(t, "boom", func() {
		_, _ = sw.ProgramCommands(ctx, func(d *Dispatcher) error {
			kept = d
			panic("boom")
		})
	})
	require.NotNil(t, kept)
	assert.ErrorIs(t, kept.LED().Flash(ctx, LEDGreen, 1), sensorlink.ErrRecordingClosed)

	require.NoError(t, sw.StartLogging(ctx))
	assert.True(t, sw.IsLogging())
	prog, err := sw.ProgramCommands(ctx, flashAndBuzz(ctx))
	require.NoError(t, err)
	assert.Len(t, prog.Instructions, 2)
}

func TestRecordingIsSingleShot(t *testing.T) {
	h := newHarness(t, peersim.DefaultConfig())
	ctx := context.Background()
	sw := h.switchNode()

	var kept *Dispatcher
	_, err := sw.ProgramCommands(ctx, func(d *Dispatcher) error {
		kept = d
		return d.LED().Flash(ctx, LEDGreen, 1)
	})
	require.NoError(t, err)
	assert.ErrorIs(t, kept.LED().Flash(ctx, LEDGreen, 1), sensorlink.ErrRecordingClosed)

	_, err = sw.ProgramCommands(ctx, func(*Dispatcher) error { return nil })
	assert.ErrorIs(t, err, sensorlink.ErrInvalidParameter)
}

func TestProgramTooLargeForTriggerTable(t *testing.T) {
	cfg := peersim.DefaultConfig()
	cfg.Triggers = 2
	h := newHarness(t, cfg)
	ctx := context.Background()
	sw := h.switchNode()

	_, err := sw.ProgramCommands(ctx, func(d *Dispatcher) error {
		for i := 0; i < 3; i++ {
			if err := d.LED().Flash(ctx, LEDGreen, uint8(i)); err != nil {
				return err
			}
		}
		return nil
	})
	require.ErrorIs(t, err, sensorlink.ErrResourceExhausted)
	_, triggers, _ := h.peer.Counts()
	assert.Equal(t, 0, triggers)
}

// A replacement the peer cannot hold puts the previous program back.
func TestFailedUploadRestoresProgram(t *testing.T) {
	cfg := peersim.DefaultConfig()
	cfg.Triggers = 1
	h := newHarnessWith(t, cfg, sensorlink.SlotConfig{Filters: cfg.Filters, Triggers: 4, Loggers: cfg.Loggers})
	ctx := context.Background()
	sw := h.switchNode()

	old, err := sw.ProgramCommands(ctx, func(d *Dispatcher) error { return d.LED().Flash(ctx, LEDRed, 1) })
	require.NoError(t, err)

	_, err = sw.ProgramCommands(ctx, flashAndBuzz(ctx))
	require.ErrorIs(t, err, sensorlink.ErrResourceExhausted)

	restored := sw.Program()
	require.NotNil(t, restored)
	assert.Equal(t, old.ID, restored.ID)
	assert.Equal(t, old.Instructions, restored.Instructions)
	_, triggers, _ := h.peer.Counts()
	assert.Equal(t, 1, triggers)

	h.peer.Fire(switchSource, []byte{1})
	exec := waitExecuted(t, h.peer, 1)
	require.Len(t, exec, 1)
	assert.Equal(t, []byte{byte(LEDRed), 1}, exec[0].Payload)
}
