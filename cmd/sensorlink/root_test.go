package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmidt-org/talaria/sensorlink"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		configPath, simulate = "", false
		drainStopAfter, drainJSON = false, false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestResetSimulated(t *testing.T) {
	out, err := execute(t, "reset", "--simulate")
	require.NoError(t, err)
	assert.Contains(t, out, "peripheral reset")
}

func TestDrainUnknownIdentifier(t *testing.T) {
	_, err := execute(t, "drain", "ghost", "--simulate")
	assert.True(t, errors.Is(err, sensorlink.ErrNotFound), "got %v", err)
}

func TestDrainNeedsIdentifier(t *testing.T) {
	_, err := execute(t, "drain", "--simulate")
	assert.Error(t, err)
}

func TestGatewayRequiredWithoutSimulate(t *testing.T) {
	_, err := execute(t, "reset")
	assert.ErrorIs(t, err, sensorlink.ErrInvalidParameter)
}

func TestConfigFileIsValidated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensorlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  kind: floppy\n"), 0o600))
	_, err := execute(t, "reset", "--simulate", "--config", path)
	assert.ErrorIs(t, err, sensorlink.ErrInvalidParameter)
}
