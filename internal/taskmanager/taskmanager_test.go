package taskmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastkeyd/fastkeyd/internal/store"
)

func TestStartSweepsExpiredKeys(t *testing.T) {
	kv := store.New()
	kv.Set("gone", []byte("v"))
	kv.SetExpiry("gone", time.Now().Add(-time.Second).UnixMilli())
	kv.Set("stays", []byte("v"))

	require.NoError(t, Start(kv, nil))
	defer Shutdown()

	assert.Eventually(t, func() bool {
		_, ok := kv.Get("gone")
		return !ok && kv.Len() == 1
	}, 3*time.Second, 50*time.Millisecond)

	_, ok := kv.Get("stays")
	assert.True(t, ok)
}

func TestShutdownWithoutStartIsNoop(t *testing.T) {
	s = nil
	assert.NoError(t, Shutdown())
}
