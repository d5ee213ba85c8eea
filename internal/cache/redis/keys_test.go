package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "spreadbot:lock:cycle", LockKey("spreadbot", "cycle"))
	assert.Equal(t, "lock:cycle", LockKey("", "cycle"))
	assert.Equal(t, "spreadbot:context:SPY", ContextKey("spreadbot", "SPY"))
	assert.Equal(t, "context:SPY", ContextKey("", "SPY"))
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("spreadbot:*"))
	assert.True(t, hasPattern("spreadbot:event?"))
	assert.False(t, hasPattern("spreadbot:events"))
}
