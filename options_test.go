package sensorlink

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOptionsOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sensorlink.yaml")
	body := `
gateway:
  url: ws://gateway:8080/bridge
  device_id: "c8:4b:7a:00:11:22"
engine:
  slots:
    filters: 4
  response_timeout: 2s
store:
  kind: file
  path: /var/lib/sensorlink/defs.yaml
harvest:
  schedule: "*/5 * * * *"
  identifiers: [steps, temp]
  stop_after: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://gateway:8080/bridge", opts.Gateway.URL)
	assert.Equal(t, "sensorlink", opts.Gateway.Service)
	assert.Equal(t, 4, opts.Engine.Slots.Filters)
	assert.Equal(t, 28, opts.Engine.Slots.Triggers)
	assert.Equal(t, 2*time.Second, opts.Engine.ResponseTimeout)
	assert.Equal(t, 10*time.Second, opts.Engine.DrainIdleTimeout)
	assert.Equal(t, "file", opts.Store.Kind)
	assert.Equal(t, []string{"steps", "temp"}, opts.Harvest.Identifiers)
	assert.True(t, opts.Harvest.StopAfter)
}

func TestLoadOptionsRejectsUnknownStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  kind: etcd\n"), 0o600))

	_, err := LoadOptions(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidParameter))
}

func TestDefinitionEqualAndClone(t *testing.T) {
	def := Definition{
		Source: Source{Module: 0x01, Register: 0x01, Index: NoIndex},
		Type:   PayloadInt32,
		Filters: []Filter{
			{Kind: FilterAccumulate, Slot: 0},
			{Kind: FilterCoSample, Sensor: &Sensor{Source: Source{Module: 0x04, Register: 0x01, Index: 1}, Type: PayloadTemperature}, Slot: 1},
		},
		Logger:  2,
		Program: []Slot{3, 4},
	}
	c := def.Clone()
	assert.True(t, def.Equal(c))

	c.Filters[1].Sensor.Source.Index = 2
	assert.False(t, def.Equal(c), "clone must not share sensor pointers")
	assert.Equal(t, uint8(1), def.Filters[1].Sensor.Source.Index)

	c = def.Clone()
	c.Program = c.Program[:1]
	assert.False(t, def.Equal(c))
}
