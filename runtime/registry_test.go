package runtime

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/internal/peersim"
	"github.com/xmidt-org/talaria/sensorlink/translate"
)

func TestRetainSavesDefinition(t *testing.T) {
	h := newHarness(t, peersim.DefaultConfig())
	ctx := context.Background()
	sw := h.switchNode()
	acc, err := h.s.Accumulate(ctx, sw)
	require.NoError(t, err)

	assert.ErrorIs(t, acc.Retain(ctx, ""), sensorlink.ErrInvalidParameter)
	require.NoError(t, acc.Retain(ctx, "presses"))

	saved, err := h.store.Load(ctx, "presses")
	require.NoError(t, err)
	assert.True(t, acc.Definition().Equal(saved))
	assert.Equal(t, sensorlink.NoSlot, saved.Logger)

	// Later changes to the sinks are saved too.
	require.NoError(t, acc.StartLogging(ctx))
	_, err = acc.ProgramCommands(ctx, flashAndBuzz(ctx))
	require.NoError(t, err)
	saved, err = h.store.Load(ctx, "presses")
	require.NoError(t, err)
	assert.NotEqual(t, sensorlink.NoSlot, saved.Logger)
	assert.Len(t, saved.Program, 2)
	assert.True(t, acc.Definition().Equal(saved))

	n, ok := h.s.Lookup("presses")
	require.True(t, ok)
	assert.Equal(t, acc, n)
	got, err := h.s.Recover(ctx, "presses")
	require.NoError(t, err)
	assert.Equal(t, acc, got)
}

func TestRetainWithoutStore(t *testing.T) {
	peer := peersim.New(peersim.DefaultConfig())
	s, err := Connect(context.Background(), peer.Connect(), Config{})
	require.NoError(t, err)
	defer s.Close()

	sw, err := s.Switch()
	require.NoError(t, err)
	assert.ErrorIs(t, sw.Retain(context.Background(), "x"), sensorlink.ErrUnsupported)
}

// A retained node survives a reconnect: its filter, logger and program stay
// on the peer and a new session binds them without re-creating anything.
func TestRecoverAfterReconnect(t *testing.T) {
	h := newHarness(t, peersim.DefaultConfig())
	ctx := context.Background()
	sw := h.switchNode()
	acc, err := h.s.Accumulate(ctx, sw)
	require.NoError(t, err)
	require.NoError(t, acc.StartLogging(ctx))
	prog, err := acc.ProgramCommands(ctx, func(d *Dispatcher) error { return d.LED().Flash(ctx, LEDGreen, 1) })
	require.NoError(t, err)
	require.NoError(t, acc.Retain(ctx, "presses"))
	want := acc.Definition()

	old := h.s
	h.s = h.connect()
	waitDone(t, old)
	assert.True(t, acc.Stale())

	// Captured while no session was bound.
	h.peer.Fire(switchSource, []byte{1})
	h.peer.Fire(switchSource, []byte{2})
	sent := len(h.peer.Received())

	n, err := h.s.Recover(ctx, "presses")
	require.NoError(t, err)
	assert.True(t, want.Equal(n.Definition()), "recovered %+v", n.Definition())
	assert.True(t, n.IsLogging())
	require.NotNil(t, n.Program())
	assert.Equal(t, prog.Entries, n.Program().Entries)

	for _, f := range h.peer.Received()[sent:] {
		assert.NotEqual(t, translate.RegFilterAdd, f.Register, "recover re-created peer state: %s", f)
		assert.NotEqual(t, translate.RegInfo, f.Register, "recover rediscovered modules: %s", f)
	}
	filters, triggers, loggers := h.peer.Counts()
	assert.Equal(t, [3]int{1, 1, 1}, [3]int{filters, triggers, loggers})
	assert.Equal(t, 1, h.s.NotifyRefs(switchSource))
	assert.Equal(t, 1, h.s.NotifyRefs(translate.FilterSource(want.Filters[0].Slot)))

	res, err := n.Drain(ctx, DrainOptions{StopAfter: true})
	require.NoError(t, err)
	assert.Equal(t, []sensorlink.Payload{sensorlink.Int32Value(1), sensorlink.Int32Value(3)}, values(t, res.Entries))

	// The recovered program can be replaced like any other.
	_, err = n.ProgramCommands(ctx, flashAndBuzz(ctx))
	require.NoError(t, err)
	_, triggers, _ = h.peer.Counts()
	assert.Equal(t, 2, triggers)

	// Recovering again returns the bound node.
	again, err := h.s.Recover(ctx, "presses")
	require.NoError(t, err)
	assert.Equal(t, n, again)
}

func TestRecoverSharesStages(t *testing.T) {
	h := newHarness(t, peersim.DefaultConfig())
	ctx := context.Background()
	sw := h.switchNode()
	acc, err := h.s.Accumulate(ctx, sw)
	require.NoError(t, err)
	rl, err := h.s.RateLimit(ctx, acc, 500_000_000)
	require.NoError(t, err)
	require.NoError(t, acc.Retain(ctx, "sum"))
	require.NoError(t, rl.Retain(ctx, "sum-slow"))

	old := h.s
	h.s = h.connect()
	waitDone(t, old)

	slow, err := h.s.Recover(ctx, "sum-slow")
	require.NoError(t, err)
	sum, err := h.s.Recover(ctx, "sum")
	require.NoError(t, err)

	// sw, acc stage and rl stage: the second recovery reused the first's
	// accumulate node.
	assert.Len(t, h.s.Nodes(), 3)
	info, err := slow.Info()
	require.NoError(t, err)
	assert.Len(t, info.Definition.Filters, 2)
	assert.NoError(t, h.s.RemoveFilter(ctx, slow))
	assert.NoError(t, h.s.RemoveFilter(ctx, sum))
	assert.Equal(t, 0, h.s.NotifyRefs(switchSource))
}

func TestRecoverUnknownIdentifier(t *testing.T) {
	h := newHarness(t, peersim.DefaultConfig())
	_, err := h.s.Recover(context.Background(), "never-retained")
	assert.ErrorIs(t, err, sensorlink.ErrNotFound)
}

func TestRecoverAfterPeerReset(t *testing.T) {
	h := newHarness(t, peersim.DefaultConfig())
	ctx := context.Background()
	sw := h.switchNode()
	acc, err := h.s.Accumulate(ctx, sw)
	require.NoError(t, err)
	require.NoError(t, acc.StartLogging(ctx))
	require.NoError(t, acc.Retain(ctx, "presses"))

	require.NoError(t, h.s.Reset(ctx))
	_, ok := h.s.Lookup("presses")
	assert.False(t, ok)
	before := len(h.s.Nodes())

	_, err = h.s.Recover(ctx, "presses")
	require.ErrorIs(t, err, sensorlink.ErrDefinitionMismatch)
	assert.Len(t, h.s.Nodes(), before)
	assert.Equal(t, 0, h.s.NotifyRefs(switchSource))
}

func TestRecoverOnDifferentPeripheral(t *testing.T) {
	h := newHarness(t, peersim.DefaultConfig())
	ctx := context.Background()
	sw := h.switchNode()
	require.NoError(t, sw.StartLogging(ctx))
	require.NoError(t, sw.Retain(ctx, "button"))

	cfg := peersim.DefaultConfig()
	delete(cfg.Modules, translate.ModuleSwitch)
	other := peersim.New(cfg)
	s, err := Connect(ctx, other.Connect(), Config{Engine: h.engine, Store: h.store})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Recover(ctx, "button")
	assert.ErrorIs(t, err, sensorlink.ErrDefinitionMismatch)

	// Same modules but a peer that never saw the logger.
	fresh := peersim.New(peersim.DefaultConfig())
	s2, err := Connect(ctx, fresh.Connect(), Config{Engine: h.engine, Store: h.store})
	require.NoError(t, err)
	defer s2.Close()
	_, err = s2.Recover(ctx, "button")
	assert.ErrorIs(t, err, sensorlink.ErrDefinitionMismatch)
}

// refusingTransport fails sends of one exact frame and passes the rest.
type refusingTransport struct {
	sensorlink.Transport
	mu     sync.Mutex
	reject []byte
}

func (t *refusingTransport) refuse(f *translate.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reject = nil
	if f != nil {
		t.reject = f.Bytes()
	}
}

func (t *refusingTransport) Send(b []byte) error {
	t.mu.Lock()
	r := t.reject
	t.mu.Unlock()
	if r != nil && bytes.Equal(b, r) {
		return errors.New("frame refused")
	}
	return t.Transport.Send(b)
}

// A recovery that fails half way leaves no host bindings behind and can be
// retried.
func TestFailedRecoverReleasesPartialState(t *testing.T) {
	h := newHarness(t, peersim.DefaultConfig())
	ctx := context.Background()
	sw := h.switchNode()
	acc, err := h.s.Accumulate(ctx, sw)
	require.NoError(t, err)
	rl, err := h.s.RateLimit(ctx, acc, 500_000_000)
	require.NoError(t, err)
	require.NoError(t, rl.StartLogging(ctx))
	require.NoError(t, rl.Retain(ctx, "slow"))
	want := rl.Definition()
	accOut := translate.FilterSource(want.Filters[0].Slot)

	old := h.s
	link := &refusingTransport{Transport: h.peer.Connect()}
	s, err := Connect(ctx, link, Config{Engine: h.engine, Store: h.store})
	require.NoError(t, err)
	defer s.Close()
	waitDone(t, old)

	notify := translate.BuildNotify(accOut, true)
	link.refuse(&notify)
	_, err = s.Recover(ctx, "slow")
	require.ErrorIs(t, err, sensorlink.ErrTransportFailure)

	_, ok := s.Lookup("slow")
	assert.False(t, ok)
	assert.Equal(t, 0, s.NotifyRefs(switchSource))
	assert.Equal(t, 0, s.NotifyRefs(accOut))
	assert.False(t, h.peer.NotifyEnabled(switchSource))
	for _, info := range s.Nodes() {
		if !info.Module {
			assert.True(t, info.Stale, "node left bound: %+v", info)
		}
	}

	link.refuse(nil)
	n, err := s.Recover(ctx, "slow")
	require.NoError(t, err)
	assert.True(t, want.Equal(n.Definition()), "recovered %+v", n.Definition())
	assert.True(t, n.IsLogging())
	assert.Equal(t, 1, s.NotifyRefs(switchSource))
	assert.Equal(t, 1, s.NotifyRefs(accOut))
	filters, _, loggers := h.peer.Counts()
	assert.Equal(t, 2, filters)
	assert.Equal(t, 1, loggers)
}
