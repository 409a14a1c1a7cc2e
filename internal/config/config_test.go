package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 80, cfg.Callback.Port)
	assert.Equal(t, 8000, cfg.Proxy.Port)
	assert.Equal(t, 2*time.Second, cfg.Proxy.ShutdownGrace)
	assert.Equal(t, "http://localhost", cfg.Identity.RedirectURI)
	assert.Len(t, cfg.Identity.Scopes, 4)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, NewConfig(), cfg)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := `
log:
  level: debug
  writer: [console]
proxy:
  port: 8111
  shutdownGrace: 3s
identity:
  timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"console"}, cfg.Log.Writer)
	assert.Equal(t, 8111, cfg.Proxy.Port)
	assert.Equal(t, 3*time.Second, cfg.Proxy.ShutdownGrace)
	assert.Equal(t, 5*time.Second, cfg.Identity.Timeout)
	// 未覆盖的字段保持默认值
	assert.Equal(t, "pc-live.api.darwinproject.ca", cfg.Proxy.BackendHost)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("proxy:\n  port: 80\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must differ")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
