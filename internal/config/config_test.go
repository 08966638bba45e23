package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.Identity.UserID = "alice"
	return cfg
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	cfg = validConfig()
	cfg.Identity.UserID = " "
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Channel.Transport = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Channel.Namespace = "webconferencing"
	assert.Error(t, cfg.Validate(), "namespace must be slash-prefixed")

	cfg = validConfig()
	cfg.Channel.Transport = "socket"
	cfg.Channel.SocketURL = "http://example.org"
	assert.Error(t, cfg.Validate(), "socket transport needs a ws url")
	cfg.Channel.SocketURL = "wss://example.org/cometd"
	assert.NoError(t, cfg.Validate())
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path, "alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "alice", cfg.Identity.UserID)

	again, created, err := Ensure(path, "ignored")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alice", again.Identity.UserID)
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"user_id":"alice"}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Identity.UserID)
	assert.Equal(t, "mqtt", cfg.Channel.Transport, "missing fields keep defaults")
}
