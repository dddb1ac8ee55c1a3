package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app_name: test-relay\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-relay", cfg.AppName)
	assert.Equal(t, 500, cfg.Queue.LowWatermark)
	assert.Equal(t, 1500, cfg.Queue.HighWatermark)
	assert.Equal(t, 2000, cfg.Queue.HardCap)
	assert.Equal(t, 6, cfg.Heartbeat.TimeoutFactor)
}

func TestValidateRejectsBadWatermarkOrdering(t *testing.T) {
	cfg := Default()
	cfg.Queue.LowWatermark = 2000
	cfg.Queue.HighWatermark = 100
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsTLSMissingFiles(t *testing.T) {
	cfg := Default()
	cfg.TLS.Enabled = true
	assert.Error(t, cfg.Validate())
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
