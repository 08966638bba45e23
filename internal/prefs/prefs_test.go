package prefs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confkit/webconferencing/internal/prefs"
)

func TestPutGetDelete(t *testing.T) {
	assert := assert.New(t)
	store, err := prefs.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	key := prefs.PreferredProviderKey("alice", "team-xyz")

	_, ok, err := store.Get(key)
	require.NoError(t, err)
	assert.False(ok)

	require.NoError(t, store.Put(key, "webrtc"))
	value, ok, err := store.Get(key)
	require.NoError(t, err)
	assert.True(ok)
	assert.Equal("webrtc", value)

	// Overwrite wins.
	require.NoError(t, store.Put(key, "sample"))
	value, _, err = store.Get(key)
	require.NoError(t, err)
	assert.Equal("sample", value)

	require.NoError(t, store.Delete(key))
	require.NoError(t, store.Delete(key)) // absent key is fine
	_, ok, err = store.Get(key)
	require.NoError(t, err)
	assert.False(ok)
}

func TestKeyFormats(t *testing.T) {
	assert.Equal(t, "alice@exo.webconferencing.team-xyz.provider", prefs.PreferredProviderKey("alice", "team-xyz"))
	assert.Equal(t, "alice@exo.webconferencing.webrtc.audio.disable", prefs.MuteKey("alice", "audio"))
	assert.Equal(t, "alice@exo.webconferencing.webrtc.video.disable", prefs.MuteKey("alice", "video"))
}
