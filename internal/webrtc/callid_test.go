package webrtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallIDIgnoresInitiatorOrder(t *testing.T) {
	assert.Equal(t, "p/alice@bob", CallID("alice", "bob"))
	assert.Equal(t, CallID("alice", "bob"), CallID("bob", "alice"))
}

func TestGroupCallID(t *testing.T) {
	assert.Equal(t, "g/sales", GroupCallID("sales"))
	assert.True(t, IsGroupCallID("g/sales"))
	assert.False(t, IsGroupCallID("p/alice@bob"))
}
